// Package events carries the gateway's observable happenings to logs,
// metrics and the admin API.
package events

import (
	"time"
)

type Kind string

const (
	RouteMatched     Kind = "route_matched"
	MemberSelected   Kind = "member_selected"
	RetryAttempted   Kind = "retry_attempted"
	CircuitOpened    Kind = "circuit_opened"
	CircuitHalfOpen  Kind = "circuit_half_open"
	CircuitClosed    Kind = "circuit_closed"
	HealthChanged    Kind = "health_changed"
	RequestCompleted Kind = "request_completed"
	ConfigReloaded   Kind = "config_reloaded"
	ConfigRejected   Kind = "config_rejected"
)

type Event struct {
	Time time.Time `json:"time"`
	Kind Kind      `json:"kind"`

	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	Route     string `json:"route,omitempty"`
	Cluster   string `json:"cluster,omitempty"`
	Member    string `json:"member,omitempty"`

	Status   int           `json:"status,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// From and To describe state transitions of breakers and health.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Sink receives events. Emit is called on the request path and must
// not block.
type Sink interface {
	Emit(e *Event)
}

// Discard drops all events.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(*Event) {}

// Multi fans out events to all sinks in order.
type Multi []Sink

func (m Multi) Emit(e *Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range m {
		s.Emit(e)
	}
}

// Combine returns a sink emitting to every non-nil sink.
func Combine(sinks ...Sink) Sink {
	var out Multi
	for _, s := range sinks {
		if s != nil && s != Discard {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return out
}
