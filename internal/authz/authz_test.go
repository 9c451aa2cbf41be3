package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dataparency-dev/AI-delegation/internal/audit"
	"dataparency-dev/AI-delegation/internal/capstore"
	"dataparency-dev/AI-delegation/internal/captypes"
	"dataparency-dev/AI-delegation/internal/constraint"
	"dataparency-dev/AI-delegation/internal/cryptoutil"
	"dataparency-dev/AI-delegation/internal/identity"
	"dataparency-dev/AI-delegation/internal/reflex"
	"dataparency-dev/AI-delegation/internal/signer"
)

func newFacade(t *testing.T) (*Facade, identity.Identity) {
	t.Helper()
	pub, priv, err := cryptoutil.GenerateSigningKeypair()
	require.NoError(t, err)
	authority := signer.NewAuthorityKeys(cryptoutil.DeriveAgentID(pub), pub, priv)
	reg := identity.NewMemoryRegistry(nil)

	id, _, encB64, err := identity.NewIdentity("agent-a")
	require.NoError(t, err)
	require.NoError(t, reg.Register(id, encB64))

	s := signer.New(authority, reg)
	store := capstore.New(capstore.Limits{}, func(cap captypes.Capability) bool {
		return s.VerifyCapabilitySignature(cap) == nil
	})
	reflexEngine := reflex.New(reflex.Builtins())
	enforcer := constraint.New(true, time.Minute, time.Hour, nil, false)
	auditLog := audit.New(100, nil, nil)

	f := New(reg, store, s, reflexEngine, enforcer, auditLog, true, true, 5*time.Minute)
	return f, id
}

func TestAuthorizeGrantsDirectMatch(t *testing.T) {
	f, id := newFacade(t)
	cap := f.Signer.SignCapability(captypes.Capability{ID: "cap_1", ResourceURI: "arbor://fs/read/docs", PrincipalID: id.AgentID})
	require.NoError(t, f.Store.Put(cap))

	res, err := f.Authorize(context.Background(), id.AgentID, "arbor://fs/read/docs", Options{Action: "read", RequestPath: "docs"})
	require.NoError(t, err)
	require.Equal(t, StatusAuthorized, res.Status)
}

func TestAuthorizeDeniesWithoutCapability(t *testing.T) {
	f, id := newFacade(t)
	res, err := f.Authorize(context.Background(), id.AgentID, "arbor://fs/write/docs", Options{Action: "write"})
	require.Error(t, err)
	require.Equal(t, StatusUnauthorized, res.Status)
	require.Equal(t, "no_capability", res.Reason)
}

func TestAuthorizeDeniesTamperedCapability(t *testing.T) {
	f, id := newFacade(t)
	cap := f.Signer.SignCapability(captypes.Capability{ID: "cap_1", ResourceURI: "arbor://fs/read/docs", PrincipalID: id.AgentID})
	cap.ResourceURI = "arbor://fs/read/docs2"
	require.NoError(t, f.Store.Put(cap))

	res, err := f.Authorize(context.Background(), id.AgentID, "arbor://fs/read/docs2", Options{Action: "read", RequestPath: "docs2"})
	require.Error(t, err)
	require.Equal(t, StatusUnauthorized, res.Status)
}

func TestAuthorizeDeniesPathTraversalEscapingCapabilityRoot(t *testing.T) {
	f, id := newFacade(t)
	cap := f.Signer.SignCapability(captypes.Capability{ID: "cap_1", ResourceURI: "arbor://fs/write/repo/**", PrincipalID: id.AgentID})
	require.NoError(t, f.Store.Put(cap))

	res, err := f.Authorize(context.Background(), id.AgentID, "arbor://fs/write/repo/../../etc/passwd", Options{Action: "write"})
	require.Error(t, err)
	require.Equal(t, StatusUnauthorized, res.Status)
	require.Equal(t, "path_traversal", res.Reason)
}

func TestAuthorizeAllowsLegitimatePathUnderCapabilityRoot(t *testing.T) {
	f, id := newFacade(t)
	cap := f.Signer.SignCapability(captypes.Capability{ID: "cap_1", ResourceURI: "arbor://fs/write/repo/**", PrincipalID: id.AgentID})
	require.NoError(t, f.Store.Put(cap))

	res, err := f.Authorize(context.Background(), id.AgentID, "arbor://fs/write/repo/src/main.go", Options{Action: "write"})
	require.NoError(t, err)
	require.Equal(t, StatusAuthorized, res.Status)
}

func TestAuthorizeReflexBlocksBeforeCapabilityLookup(t *testing.T) {
	f, id := newFacade(t)
	res, err := f.Authorize(context.Background(), id.AgentID, "arbor://fs/read/etc/shadow", Options{Action: "read", RequestPath: "/etc/shadow"})
	require.Error(t, err)
	require.Equal(t, "reflex_blocked", res.Reason)
}

func TestCanIsNonConsumingAndNeverDenies(t *testing.T) {
	f, id := newFacade(t)
	cap := f.Signer.SignCapability(captypes.Capability{
		ID: "cap_1", ResourceURI: "arbor://fs/read/docs", PrincipalID: id.AgentID,
		Constraints: captypes.Constraints{RateLimit: intp(1)},
	})
	require.NoError(t, f.Store.Put(cap))

	for i := 0; i < 5; i++ {
		require.True(t, f.Can(id.AgentID, "arbor://fs/read/docs"))
	}
}

func intp(n int) *int { return &n }
