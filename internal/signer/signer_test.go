package signer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dataparency-dev/AI-delegation/internal/captypes"
	"dataparency-dev/AI-delegation/internal/cryptoutil"
	"dataparency-dev/AI-delegation/internal/identity"
)

func newAuthority(t *testing.T) AuthorityKeys {
	t.Helper()
	pub, priv, err := cryptoutil.GenerateSigningKeypair()
	require.NoError(t, err)
	return NewAuthorityKeys(cryptoutil.DeriveAgentID(pub), pub, priv)
}

func TestSignAndVerifyCapability(t *testing.T) {
	authority := newAuthority(t)
	reg := identity.NewMemoryRegistry(nil)
	s := New(authority, reg)

	cap := captypes.Capability{ID: "cap_1", ResourceURI: "arbor://fs/read/docs", PrincipalID: "agent_a", DelegationDepth: 2}
	signed := s.SignCapability(cap)
	require.NoError(t, s.VerifyCapabilitySignature(signed))
}

func TestTamperedCapabilityFailsVerification(t *testing.T) {
	authority := newAuthority(t)
	reg := identity.NewMemoryRegistry(nil)
	s := New(authority, reg)

	cap := captypes.Capability{ID: "cap_1", ResourceURI: "arbor://fs/read/docs", PrincipalID: "agent_a"}
	signed := s.SignCapability(cap)
	signed.ResourceURI = "arbor://fs/write/docs"
	require.ErrorIs(t, s.VerifyCapabilitySignature(signed), ErrInvalidCapabilitySignature)
}

func TestDelegateProducesVerifiableChain(t *testing.T) {
	authority := newAuthority(t)
	reg := identity.NewMemoryRegistry(nil)
	s := New(authority, reg)

	parentID, parentPriv, parentEnc, err := identity.NewIdentity("parent")
	require.NoError(t, err)
	require.NoError(t, reg.Register(parentID, parentEnc))

	maxDepth := 3
	parentCap := s.SignCapability(captypes.Capability{
		ID: "cap_root", ResourceURI: "arbor://fs/read/**", PrincipalID: parentID.AgentID, DelegationDepth: 3,
		Constraints: captypes.Constraints{MaxDepth: &maxDepth},
	})

	childDepth := 2
	child, err := s.Delegate(parentCap, parentPriv, "agent_child", "cap_child",
		captypes.Constraints{MaxDepth: &childDepth})
	require.NoError(t, err)
	require.Equal(t, 2, child.DelegationDepth)
	require.Len(t, child.DelegationChain, 1)
	require.NoError(t, s.VerifyCapabilitySignature(child))
	require.NoError(t, s.VerifyDelegationChain(child))
}

func TestVerifyDelegationChainDetectsTamperedRecord(t *testing.T) {
	authority := newAuthority(t)
	reg := identity.NewMemoryRegistry(nil)
	s := New(authority, reg)

	parentID, parentPriv, parentEnc, err := identity.NewIdentity("parent")
	require.NoError(t, err)
	require.NoError(t, reg.Register(parentID, parentEnc))

	parentCap := s.SignCapability(captypes.Capability{
		ID: "cap_root", ResourceURI: "arbor://fs/read/**", PrincipalID: parentID.AgentID, DelegationDepth: 3,
	})
	child, err := s.Delegate(parentCap, parentPriv, "agent_child", "cap_child", captypes.Constraints{})
	require.NoError(t, err)

	child.DelegationChain[0].DelegatorSignature[0] ^= 0xFF
	require.ErrorIs(t, s.VerifyDelegationChain(child), ErrBrokenDelegationChain)
}

func TestDelegateRejectsWideningConstraints(t *testing.T) {
	authority := newAuthority(t)
	reg := identity.NewMemoryRegistry(nil)
	s := New(authority, reg)

	parentID, parentPriv, parentEnc, err := identity.NewIdentity("parent")
	require.NoError(t, err)
	require.NoError(t, reg.Register(parentID, parentEnc))

	parentDepth := 2
	parentCap := s.SignCapability(captypes.Capability{
		ID: "cap_root", ResourceURI: "arbor://fs/read/**", PrincipalID: parentID.AgentID, DelegationDepth: 3,
		Constraints: captypes.Constraints{MaxDepth: &parentDepth},
	})
	widerDepth := 5
	_, err = s.Delegate(parentCap, parentPriv, "agent_child", "cap_child", captypes.Constraints{MaxDepth: &widerDepth})
	require.Error(t, err)
}

func TestDelegateRejectsExhaustedDepth(t *testing.T) {
	authority := newAuthority(t)
	reg := identity.NewMemoryRegistry(nil)
	s := New(authority, reg)

	parentID, parentPriv, parentEnc, err := identity.NewIdentity("parent")
	require.NoError(t, err)
	require.NoError(t, reg.Register(parentID, parentEnc))

	parentCap := s.SignCapability(captypes.Capability{
		ID: "cap_root", ResourceURI: "arbor://fs/read/**", PrincipalID: parentID.AgentID, DelegationDepth: 0,
	})
	_, err = s.Delegate(parentCap, parentPriv, "agent_child", "cap_child", captypes.Constraints{})
	require.ErrorIs(t, err, ErrDelegationDepthExhausted)
}

func TestDelegateRejectsSuspendedDelegator(t *testing.T) {
	authority := newAuthority(t)
	reg := identity.NewMemoryRegistry(nil)
	s := New(authority, reg)

	parentID, parentPriv, parentEnc, err := identity.NewIdentity("parent")
	require.NoError(t, err)
	require.NoError(t, reg.Register(parentID, parentEnc))
	require.NoError(t, reg.Suspend(parentID.AgentID, "investigation"))

	parentCap := s.SignCapability(captypes.Capability{
		ID: "cap_root", ResourceURI: "arbor://fs/read/**", PrincipalID: parentID.AgentID, DelegationDepth: 3,
	})
	_, err = s.Delegate(parentCap, parentPriv, "agent_child", "cap_child", captypes.Constraints{})
	require.ErrorIs(t, err, ErrDelegatorNotActive)
}
