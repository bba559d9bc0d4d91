package metrics

import "time"

// Recorder receives gate and client events.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names.
const (
	EventChallenge      = "challenge"
	EventRejected       = "rejected"
	EventVerified       = "verified"
	EventSettled        = "settled"
	EventServed         = "served"
	EventClientPaid     = "client_paid"
	EventClientFailed   = "client_failed"
	OperationResolve    = "resolve"
	OperationVerify     = "verify"
	OperationSettle     = "settle"
	OperationDownstream = "downstream"
)

// NoopRecorder records nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
