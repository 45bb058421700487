// Package sink defines where captured samples go once they leave a
// controller. One sample is consumed by exactly one sink per delivery;
// fan-out, if needed, is the wiring layer's job.
package sink

import "github.com/e7canasta/sensegate/internal/types"

// Sink consumes captured samples on the timeline.
//
// Consume must not block: it runs inside the timeline's total order, and a
// slow sink stalls every controller. Sinks that bridge to slow consumers
// buffer or drop internally (see Mailbox).
type Sink interface {
	Consume(s *types.CapturedSample)
}

// Func adapts a plain function to a Sink.
type Func func(s *types.CapturedSample)

// Consume implements Sink.
func (f Func) Consume(s *types.CapturedSample) { f(s) }

// Tee fans each sample out to every given sink, in order. The non-blocking
// contract carries over: every branch must itself not block.
func Tee(sinks ...Sink) Sink {
	return Func(func(s *types.CapturedSample) {
		for _, sk := range sinks {
			sk.Consume(s)
		}
	})
}
