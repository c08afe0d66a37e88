package domain

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame marks bytes that do not parse as a push frame or inner
// response envelope. Malformed frames are dropped, never propagated.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrUpstreamStale marks a connector whose socket was found closed when a
// new subscriber joined. The hub replaces the connector transparently.
var ErrUpstreamStale = errors.New("upstream connection stale")

// FailureClass categorizes a connection failure for backoff selection and
// for the terminal error payload sent to subscribers.
type FailureClass string

const (
	FailureNetwork   FailureClass = "network"
	FailureTimeout   FailureClass = "timeout"
	FailureBadStatus FailureClass = "bad_status"
	FailureUnknown   FailureClass = "unknown"
)

// ConnectionFailure is returned when the upstream connect budget is
// exhausted. The room lifecycle inspects Class to pick its own retry delay
// and the subscriber-facing error message.
type ConnectionFailure struct {
	Class  FailureClass
	Detail string
	Cause  error
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("upstream connection failed (%s): %s", e.Class, e.Detail)
}

func (e *ConnectionFailure) Unwrap() error {
	return e.Cause
}

// FailureClassOf extracts the failure class from an error chain, returning
// FailureUnknown when no ConnectionFailure is present.
func FailureClassOf(err error) FailureClass {
	var cf *ConnectionFailure
	if errors.As(err, &cf) {
		return cf.Class
	}
	return FailureUnknown
}

// DeliveryFailure reports a failed send to a single subscriber. The
// subscriber is pruned from the room; siblings are unaffected.
type DeliveryFailure struct {
	Subscriber string
	Stale      bool
	Cause      error
}

func (e *DeliveryFailure) Error() string {
	if e.Stale {
		return fmt.Sprintf("delivery to subscriber %s failed: connection already closed", e.Subscriber)
	}
	return fmt.Sprintf("delivery to subscriber %s failed: %v", e.Subscriber, e.Cause)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Cause
}
