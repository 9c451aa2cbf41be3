package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTraceIDFormat(t *testing.T) {
	id := NewTraceID()
	require.Regexp(t, `^trace_[0-9a-f]{16}$`, id)
}

func TestAppendAndQueryByKind(t *testing.T) {
	log := New(100, nil, nil)
	log.Append(Event{Kind: KindAuthorizationGranted, PrincipalID: "agent_a"})
	log.Append(Event{Kind: KindAuthorizationDenied, PrincipalID: "agent_a"})

	granted := log.ByKind(KindAuthorizationGranted)
	require.Len(t, granted, 1)
}

func TestByPrincipal(t *testing.T) {
	log := New(100, nil, nil)
	log.Append(Event{Kind: KindCapabilityGranted, PrincipalID: "agent_a"})
	log.Append(Event{Kind: KindCapabilityGranted, PrincipalID: "agent_b"})

	require.Len(t, log.ByPrincipal("agent_a"), 1)
}

func TestRecentNBoundedBuffer(t *testing.T) {
	log := New(3, nil, nil)
	for i := 0; i < 5; i++ {
		log.Append(Event{Kind: KindAuthorizationGranted, PrincipalID: "agent_a"})
	}
	require.Len(t, log.RecentN(10), 3)
}

func TestInWindow(t *testing.T) {
	log := New(10, nil, nil)
	now := time.Now()
	log.Append(Event{Kind: KindAuthorizationGranted, Timestamp: now.Add(-time.Hour)})
	log.Append(Event{Kind: KindAuthorizationGranted, Timestamp: now})

	got := log.InWindow(now.Add(-time.Minute), now.Add(time.Minute))
	require.Len(t, got, 1)
}

type failingSink struct{}

func (failingSink) Append(Event) error { return errors.New("boom") }

func TestExternalSinkFailureDoesNotPanicOrBlockAppend(t *testing.T) {
	var captured error
	log := New(10, failingSink{}, func(err error) { captured = err })
	require.NotPanics(t, func() {
		log.Append(Event{Kind: KindAuthorizationGranted})
	})
	require.Error(t, captured)
	require.Len(t, log.RecentN(10), 1)
}
