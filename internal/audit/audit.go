// Package audit implements the append-only event log for authorization
// decisions, capability lifecycle, and identity events, with trace_id
// correlation. Grounded on engine.go's MonitorEvent stream, generalized
// from a single free-form event type into the fixed event-kind taxonomy
// of §4.7, and kept best-effort: append failures never propagate to the
// caller, per the failure-resilience design note.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Kind enumerates the required audit event kinds.
type Kind string

const (
	KindAuthorizationGranted              Kind = "authorization_granted"
	KindAuthorizationDenied               Kind = "authorization_denied"
	KindAuthorizationPending              Kind = "authorization_pending"
	KindCapabilityGranted                 Kind = "capability_granted"
	KindCapabilityRevoked                 Kind = "capability_revoked"
	KindIdentityRegistered                Kind = "identity_registered"
	KindIdentityVerificationSucceeded     Kind = "identity_verification_succeeded"
	KindIdentityVerificationFailed        Kind = "identity_verification_failed"
	KindDelegationIssued                  Kind = "delegation_issued"
	KindCascadeRevocation                 Kind = "cascade_revocation"
)

// Event is one append-only audit record.
type Event struct {
	Timestamp   time.Time
	Kind        Kind
	PrincipalID string
	ResourceURI string
	Reason      string
	TraceID     string
	Metadata    map[string]any
}

// NewTraceID mints a "trace_" || hex(8 random bytes) correlation ID.
func NewTraceID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "trace_" + hex.EncodeToString(make([]byte, 8))
	}
	return "trace_" + hex.EncodeToString(b)
}

// Sink is where events are durably persisted. Append must be best-effort
// from the Log's perspective — a Sink error is logged and swallowed.
type Sink interface {
	Append(Event) error
}

// memorySink keeps a bounded ring buffer of recent events for queries; it
// is always layered under any external Sink so recent-N queries work even
// when the external sink is write-only.
type memorySink struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

func newMemorySink(capacity int) *memorySink {
	return &memorySink{cap: capacity}
}

func (m *memorySink) Append(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if len(m.events) > m.cap {
		m.events = m.events[len(m.events)-m.cap:]
	}
	return nil
}

// Log is the audit event log. External persistence is optional and
// injected; failures there are logged internally via onSinkError and do
// not affect the caller of Append.
type Log struct {
	ring        *memorySink
	external    Sink
	onSinkError func(error)
}

// New constructs a Log retaining the most recent `retain` events in
// memory for queries, optionally mirroring to an external Sink.
func New(retain int, external Sink, onSinkError func(error)) *Log {
	if onSinkError == nil {
		onSinkError = func(error) {}
	}
	return &Log{ring: newMemorySink(retain), external: external, onSinkError: onSinkError}
}

// Append records an event. It never returns an error to the caller —
// audit log append failures must not fail the operation that triggered
// them, per §5's failure-resilience policy.
func (l *Log) Append(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_ = l.ring.Append(e)
	if l.external != nil {
		if err := l.external.Append(e); err != nil {
			l.onSinkError(fmt.Errorf("audit: external sink append failed: %w", err))
		}
	}
}

// ByKind returns recent events of the given kind, most-recent-last.
func (l *Log) ByKind(kind Kind) []Event {
	l.ring.mu.Lock()
	defer l.ring.mu.Unlock()
	var out []Event
	for _, e := range l.ring.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ByPrincipal returns recent events for the given principal.
func (l *Log) ByPrincipal(principal string) []Event {
	l.ring.mu.Lock()
	defer l.ring.mu.Unlock()
	var out []Event
	for _, e := range l.ring.events {
		if e.PrincipalID == principal {
			out = append(out, e)
		}
	}
	return out
}

// InWindow returns events with Timestamp in [start, end].
func (l *Log) InWindow(start, end time.Time) []Event {
	l.ring.mu.Lock()
	defer l.ring.mu.Unlock()
	var out []Event
	for _, e := range l.ring.events {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out
}

// RecentN returns the last n events, most-recent-last.
func (l *Log) RecentN(n int) []Event {
	l.ring.mu.Lock()
	defer l.ring.mu.Unlock()
	if n >= len(l.ring.events) {
		out := make([]Event, len(l.ring.events))
		copy(out, l.ring.events)
		return out
	}
	out := make([]Event, n)
	copy(out, l.ring.events[len(l.ring.events)-n:])
	return out
}
