// Package device provides the capture backends the controllers open
// sessions against: GStreamer-backed camera and microphone devices for
// production, and mock devices for tests and brokerless runs.
//
// The package implements the capture.Device / capture.StreamDevice
// contracts. All GStreamer work follows the same appsink callback pattern:
// pull sample, map buffer, copy (GStreamer reuses the buffer), unmap.
package device
