// Package types defines the data contracts shared between capture
// controllers, sinks and emitters.
package types

import "time"

// CapturedSample is one unit of sensor data delivered on the timeline.
//
// The payload is opaque to the controller that produced it: a camera
// controller carries raw frame bytes, a microphone controller carries a raw
// audio buffer. Timestamp is the delivery timestamp assigned on the timeline
// at emission, not the hardware capture instant.
//
// Contract:
//   - Payload MUST NOT be modified after emission (immutability contract,
//     samples may be held by a sink while the producer keeps running)
//   - Exactly one downstream sink consumes each sample; fan-out is the
//     caller's responsibility
type CapturedSample struct {
	// Seq is the per-controller monotonic sequence number
	Seq uint64
	// Timestamp is when the sample entered the timeline
	Timestamp time.Time
	// DeviceID identifies the physical device that produced the payload
	DeviceID string
	// Payload contains the raw sensor data
	Payload []byte
	// TraceID is a unique identifier for distributed tracing
	TraceID string
}
