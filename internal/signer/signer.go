// Package signer implements the L2 capability signer: issuing signed
// capabilities under the system authority's key, verifying capability
// signatures and delegation chains, and delegating capabilities to new
// principals with narrowed constraints. Grounded on security.go's
// MintDCT/Attenuate/ValidateAccess chain-of-custody model, generalized
// from the DCT/Caveat shape to Capability/DelegationRecord and backed by
// real Ed25519 signatures instead of opaque caveat strings.
package signer

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"dataparency-dev/AI-delegation/internal/captypes"
	"dataparency-dev/AI-delegation/internal/cryptoutil"
	"dataparency-dev/AI-delegation/internal/identity"
)

var (
	ErrInvalidSignature           = errors.New("signer: invalid_signature")
	ErrInvalidCapabilitySignature = errors.New("signer: invalid_capability_signature")
	ErrBrokenDelegationChain      = errors.New("signer: broken_delegation_chain")
	ErrDelegatorNotActive         = errors.New("signer: delegator identity not active")
	ErrDelegationDepthExhausted   = errors.New("signer: delegation_depth exhausted")
)

// AuthorityKeys holds the system authority's signing keypair. Access is
// scoped to Signer.SignCapability — the private key is never returned
// to a caller, per the process-wide shared-resource policy.
type AuthorityKeys struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewAuthorityKeys wraps an already-generated keypair as the system
// authority's identity.
func NewAuthorityKeys(agentID string, pub ed25519.PublicKey, priv ed25519.PrivateKey) AuthorityKeys {
	return AuthorityKeys{id: agentID, pub: pub, priv: priv}
}

func (a AuthorityKeys) AgentID() string          { return a.id }
func (a AuthorityKeys) PublicKey() ed25519.PublicKey { return a.pub }

// Signer issues and verifies capabilities against an identity registry for
// public-key lookups.
type Signer struct {
	authority AuthorityKeys
	registry  identity.Registry
}

func New(authority AuthorityKeys, registry identity.Registry) *Signer {
	return &Signer{authority: authority, registry: registry}
}

// SignCapability produces the issuer_signature over cap's stable fields
// using the system authority's key and stamps issuer_id.
func (s *Signer) SignCapability(cap captypes.Capability) captypes.Capability {
	cap.IssuerID = s.authority.id
	cap.IssuerSignature = cryptoutil.Sign(cap.CanonicalBytes(), s.authority.priv)
	return cap
}

// VerifyCapabilitySignature looks up issuer_id's public key (honoring
// lifecycle gating) and verifies the detached signature over the
// capability's canonical stable-field encoding.
func (s *Signer) VerifyCapabilitySignature(cap captypes.Capability) error {
	var issuerPub ed25519.PublicKey
	if cap.IssuerID == s.authority.id {
		issuerPub = s.authority.pub
	} else {
		pub, err := s.registry.Lookup(cap.IssuerID)
		if err != nil {
			return ErrInvalidCapabilitySignature
		}
		issuerPub = pub
	}
	if !cryptoutil.Verify(cap.CanonicalBytes(), cap.IssuerSignature, issuerPub) {
		return ErrInvalidCapabilitySignature
	}
	return nil
}

// Delegate builds a child capability for principal newPrincipal from
// parent, signed by delegatorPriv (the holder of parent's principal_id)
// and then countersigned by the system authority, per §4.4 steps 1-5.
func (s *Signer) Delegate(parent captypes.Capability, delegatorPriv ed25519.PrivateKey, newPrincipal, newCapID string, narrowed captypes.Constraints) (captypes.Capability, error) {
	if !s.registry.Active(parent.PrincipalID) {
		return captypes.Capability{}, ErrDelegatorNotActive
	}
	if parent.DelegationDepth <= 0 {
		return captypes.Capability{}, ErrDelegationDepthExhausted
	}
	if !parent.Constraints.Narrows(narrowed) {
		return captypes.Capability{}, fmt.Errorf("signer: delegated constraints must only narrow the parent")
	}

	child := captypes.Capability{
		ID:                 newCapID,
		ResourceURI:        parent.ResourceURI,
		PrincipalID:        newPrincipal,
		Constraints:        narrowed,
		DelegationDepth:    parent.DelegationDepth - 1,
		ParentCapabilityID: parent.ID,
		GrantedAt:          time.Now(),
		ExpiresAt:          parent.ExpiresAt,
	}
	child.DelegationChain = append(append([]captypes.DelegationRecord{}, parent.DelegationChain...))

	recordSig := cryptoutil.Sign(
		captypes.DelegationCanonicalBytes(parent.ID, newCapID, newPrincipal, narrowed),
		delegatorPriv,
	)
	record := captypes.DelegationRecord{
		DelegatorID:          parent.PrincipalID,
		ParentCapabilityID:   parent.ID,
		ChildCapabilityID:    newCapID,
		DelegateePrincipalID: newPrincipal,
		ConstraintsSnapshot:  narrowed,
		DelegatorSignature:   recordSig,
		DelegatedAt:          time.Now(),
	}
	child.DelegationChain = append(child.DelegationChain, record)
	child = s.SignCapability(child)
	return child, nil
}

// VerifyDelegationChain walks cap's chain root-first. Record i's
// delegator_id must match record i-1's delegatee (or, for the first
// record, the capability has no predecessor to check beyond the
// signature itself — the root grant is always authority-signed via
// SignCapability, not part of the delegation chain). Any signature
// failure yields ErrBrokenDelegationChain. An empty chain verifies
// trivially.
func (s *Signer) VerifyDelegationChain(cap captypes.Capability) error {
	chain := cap.DelegationChain
	for i, record := range chain {
		if i > 0 && record.DelegatorID != chain[i-1].DelegateePrincipalID {
			return ErrBrokenDelegationChain
		}

		var delegatorPub ed25519.PublicKey
		if record.DelegatorID == s.authority.id {
			delegatorPub = s.authority.pub
		} else {
			pub, err := s.registry.Lookup(record.DelegatorID)
			if err != nil {
				return ErrBrokenDelegationChain
			}
			delegatorPub = pub
		}

		signedBytes := captypes.DelegationCanonicalBytes(
			record.ParentCapabilityID, record.ChildCapabilityID, record.DelegateePrincipalID, record.ConstraintsSnapshot,
		)
		if !cryptoutil.Verify(signedBytes, record.DelegatorSignature, delegatorPub) {
			return ErrBrokenDelegationChain
		}
	}
	return nil
}
