package signal

import "github.com/signalcore/substrate/core/corerr"

// AckStatus is the per-signal acknowledgement status the bus reports
// after a dispatch pipeline runs to completion (spec.md §4.1 step 6).
type AckStatus int

const (
	// AckOk means the signal was accepted (and, for commands, the
	// handler ran to completion without error).
	AckOk AckStatus = iota
	// AckError means the handler threw or the framework detected an
	// invariant violation.
	AckError
	// AckRejection means the command produced a rejection instead of
	// succeeding.
	AckRejection
)

// Ack is the acknowledgement emitted for one signal dispatch.
type Ack struct {
	SignalID  string
	Status    AckStatus
	Err       *corerr.CoreError
	Rejection *Signal
}

// OkAck builds a successful acknowledgement.
func OkAck(signalID string) Ack {
	return Ack{SignalID: signalID, Status: AckOk}
}

// ErrorAck builds a failed acknowledgement.
func ErrorAck(signalID string, err *corerr.CoreError) Ack {
	return Ack{SignalID: signalID, Status: AckError, Err: err.WithSignal(signalID)}
}

// RejectionAck builds an acknowledgement carrying a rejection signal.
func RejectionAck(signalID string, rejection Signal) Ack {
	return Ack{SignalID: signalID, Status: AckRejection, Rejection: &rejection}
}
