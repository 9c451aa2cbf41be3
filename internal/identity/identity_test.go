package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterLookupRoundTrip(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	id, _, encB64, err := NewIdentity("agent-alpha")
	require.NoError(t, err)
	require.NoError(t, reg.Register(id, encB64))

	pub, err := reg.Lookup(id.AgentID)
	require.NoError(t, err)
	require.Equal(t, []byte(id.SigningPub), []byte(pub))

	require.True(t, reg.Active(id.AgentID))
}

func TestDuplicateRegisterRejected(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	id, _, encB64, err := NewIdentity("agent-beta")
	require.NoError(t, err)
	require.NoError(t, reg.Register(id, encB64))
	require.ErrorIs(t, reg.Register(id, encB64), ErrAlreadyExists)
}

func TestSuspendResumeLifecycle(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	id, _, encB64, err := NewIdentity("agent-gamma")
	require.NoError(t, err)
	require.NoError(t, reg.Register(id, encB64))

	require.NoError(t, reg.Suspend(id.AgentID, "under review"))
	_, err = reg.Lookup(id.AgentID)
	require.ErrorIs(t, err, ErrSuspended)
	require.False(t, reg.Active(id.AgentID))

	require.NoError(t, reg.Resume(id.AgentID))
	require.True(t, reg.Active(id.AgentID))
}

func TestRevocationIsTerminal(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	id, _, encB64, err := NewIdentity("agent-delta")
	require.NoError(t, err)
	require.NoError(t, reg.Register(id, encB64))

	_, err = reg.RevokeIdentity(id.AgentID, "compromised")
	require.NoError(t, err)

	require.ErrorIs(t, reg.Suspend(id.AgentID, "x"), ErrCannotSuspendRevoked)
	require.ErrorIs(t, reg.Resume(id.AgentID), ErrCannotResumeRevoked)
	_, err = reg.Lookup(id.AgentID)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestRevokeCascadesIntoCapabilityStore(t *testing.T) {
	var revokedFor string
	onRevoke := func(agentID string) (int, error) {
		revokedFor = agentID
		return 3, nil
	}
	reg := NewMemoryRegistry(onRevoke)
	id, _, encB64, err := NewIdentity("agent-epsilon")
	require.NoError(t, err)
	require.NoError(t, reg.Register(id, encB64))

	n, err := reg.RevokeIdentity(id.AgentID, "key compromise")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, id.AgentID, revokedFor)
}

func TestLookupUnknownAgent(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	_, err := reg.Lookup("agent_doesnotexist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeregisterRemovesRecord(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	id, _, encB64, err := NewIdentity("agent-zeta")
	require.NoError(t, err)
	require.NoError(t, reg.Register(id, encB64))
	require.NoError(t, reg.Deregister(id.AgentID))
	_, err = reg.Get(id.AgentID)
	require.ErrorIs(t, err, ErrNotFound)
}
