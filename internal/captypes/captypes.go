// Package captypes is the L1 data model shared by the capability store,
// signer, and authorization facade: Capability, DelegationRecord, and
// SignedRequest, plus their canonical on-wire encodings. Grounded on
// types.go's Permission/Bid value objects, generalized into the capability
// token model.
package captypes

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Capability is an unforgeable token authorizing principal_id to act on
// resource_uri, optionally narrowed by constraints and chained through
// delegation.
type Capability struct {
	ID                 string            `json:"id"`
	ResourceURI        string            `json:"resource_uri"`
	PrincipalID        string            `json:"principal_id"`
	IssuerID           string            `json:"issuer_id"`
	IssuerSignature    []byte            `json:"issuer_signature"`
	Constraints        Constraints       `json:"constraints"`
	DelegationDepth    int               `json:"delegation_depth"`
	ParentCapabilityID string            `json:"parent_capability_id,omitempty"`
	DelegationChain    []DelegationRecord `json:"delegation_chain"`
	GrantedAt          time.Time         `json:"granted_at"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
}

// Constraints holds the recognized capability constraint options. Only
// non-zero-value fields participate in canonical encoding, narrowing
// checks, and enforcement.
type Constraints struct {
	Patterns         []string `json:"patterns,omitempty"`
	Exclude          []string `json:"exclude,omitempty"`
	MaxDepth         *int     `json:"max_depth,omitempty"`
	RateLimit        *int     `json:"rate_limit,omitempty"`
	TimeWindowStart  *int     `json:"time_window_start,omitempty"`
	TimeWindowEnd    *int     `json:"time_window_end,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	MaxSize          *int     `json:"max_size,omitempty"`
}

// DelegationRecord documents one hop of a delegation chain, root-first.
// ParentCapabilityID, ChildCapabilityID and DelegateePrincipalID pin down
// exactly what the signature covers at this hop so each record can be
// re-verified independently of its neighbors in the chain.
type DelegationRecord struct {
	DelegatorID          string      `json:"delegator_id"`
	ParentCapabilityID   string      `json:"parent_capability_id"`
	ChildCapabilityID    string      `json:"child_capability_id"`
	DelegateePrincipalID string      `json:"delegatee_principal_id"`
	ConstraintsSnapshot  Constraints `json:"constraints_snapshot"`
	DelegatorSignature   []byte      `json:"delegator_signature"`
	DelegatedAt          time.Time   `json:"delegated_at"`
}

// SignedRequest is the envelope format for replay-protected identity
// verification: {agent_id, payload, nonce, signed_at, signature}.
type SignedRequest struct {
	AgentID   string    `json:"agent_id"`
	Payload   []byte    `json:"payload"`
	Nonce     []byte    `json:"nonce"`
	SignedAt  time.Time `json:"signed_at"`
	Signature []byte    `json:"signature"`
}

// CanonicalBytes renders the deterministic signing encoding over a
// signed request's stable fields, per the agent_id|payload|nonce|signed_at
// field order.
func (r SignedRequest) CanonicalBytes() []byte {
	var b strings.Builder
	b.WriteString(r.AgentID)
	b.WriteByte('|')
	b.Write(r.Payload)
	b.WriteByte('|')
	b.WriteString(fmt.Sprintf("%x", r.Nonce))
	b.WriteByte('|')
	b.WriteString(r.SignedAt.UTC().Format(time.RFC3339))
	return []byte(b.String())
}

// canonicalScalar renders a scalar constraint value in canonical string
// form, per §6's "scalar values in canonical string form".
func canonicalScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// CanonicalConstraints renders Constraints as a sorted-key map with
// canonical scalar values, per §6.
func (c Constraints) CanonicalConstraints() string {
	m := map[string]string{}
	if len(c.Patterns) > 0 {
		sorted := append([]string{}, c.Patterns...)
		sort.Strings(sorted)
		m["patterns"] = strings.Join(sorted, ",")
	}
	if len(c.Exclude) > 0 {
		sorted := append([]string{}, c.Exclude...)
		sort.Strings(sorted)
		m["exclude"] = strings.Join(sorted, ",")
	}
	if c.MaxDepth != nil {
		m["max_depth"] = canonicalScalar(*c.MaxDepth)
	}
	if c.RateLimit != nil {
		m["rate_limit"] = canonicalScalar(*c.RateLimit)
	}
	if c.TimeWindowStart != nil {
		m["time_window_start"] = canonicalScalar(*c.TimeWindowStart)
	}
	if c.TimeWindowEnd != nil {
		m["time_window_end"] = canonicalScalar(*c.TimeWindowEnd)
	}
	if c.RequiresApproval {
		m["requires_approval"] = canonicalScalar(true)
	}
	if c.MaxSize != nil {
		m["max_size"] = canonicalScalar(*c.MaxSize)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, "&")
}

// CanonicalBytes renders the deterministic signing encoding over a
// capability's stable fields: id | resource_uri | principal_id |
// constraints-canonical | delegation_depth | expires_at_iso8601 | issuer_id.
// The delegation chain and mutable metadata are deliberately excluded.
func (c Capability) CanonicalBytes() []byte {
	expires := ""
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	fields := []string{
		c.ID,
		c.ResourceURI,
		c.PrincipalID,
		c.Constraints.CanonicalConstraints(),
		strconv.Itoa(c.DelegationDepth),
		expires,
		c.IssuerID,
	}
	return []byte(strings.Join(fields, "|"))
}

// DelegationCanonicalBytes renders the deterministic encoding signed by a
// delegator: parent_cap_id | new_cap_id | delegatee_principal_id |
// constraints-canonical.
func DelegationCanonicalBytes(parentCapID, newCapID, delegateePrincipalID string, constraints Constraints) []byte {
	fields := []string{parentCapID, newCapID, delegateePrincipalID, constraints.CanonicalConstraints()}
	return []byte(strings.Join(fields, "|"))
}

// Expired reports whether the capability's expires_at is in the past
// relative to now.
func (c Capability) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Narrows reports whether child only narrows parent: pattern/exclude sets
// may only grow, max_depth/rate_limit may only decrease, time windows may
// only shrink. A field absent on the parent but present on the child
// always narrows (parent had no restriction).
func (parent Constraints) Narrows(child Constraints) bool {
	if !supersetStrings(child.Patterns, parent.Patterns) {
		return false
	}
	if !supersetStrings(child.Exclude, parent.Exclude) {
		return false
	}
	if parent.MaxDepth != nil {
		if child.MaxDepth == nil || *child.MaxDepth > *parent.MaxDepth {
			return false
		}
	}
	if parent.RateLimit != nil {
		if child.RateLimit == nil || *child.RateLimit > *parent.RateLimit {
			return false
		}
	}
	if parent.TimeWindowStart != nil || parent.TimeWindowEnd != nil {
		if child.TimeWindowStart == nil || child.TimeWindowEnd == nil {
			return false
		}
		parentSpan := windowSpan(*parent.TimeWindowStart, *parent.TimeWindowEnd)
		childSpan := windowSpan(*child.TimeWindowStart, *child.TimeWindowEnd)
		if childSpan > parentSpan {
			return false
		}
	}
	return true
}

func windowSpan(start, end int) int {
	if end >= start {
		return end - start
	}
	return (24 - start) + end
}

// supersetStrings reports whether candidate contains every element of
// required (candidate may only grow relative to required).
func supersetStrings(candidate, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(candidate))
	for _, s := range candidate {
		set[s] = true
	}
	for _, s := range required {
		if !set[s] {
			return false
		}
	}
	return true
}

// MarshalJSON / UnmarshalJSON round trips are handled by the struct tags
// above via encoding/json; this helper exists for natsclient persistence
// call sites that want a plain []byte.
func (c Capability) Marshal() ([]byte, error) { return json.Marshal(c) }

func UnmarshalCapability(b []byte) (Capability, error) {
	var c Capability
	if err := json.Unmarshal(b, &c); err != nil {
		return Capability{}, err
	}
	return c, nil
}

// VerifySignatureInput pairs a capability with the public key expected to
// have produced its issuer_signature, kept here (rather than in signer) so
// captypes has zero dependency on identity/cryptoutil packages and stays a
// pure data-model leaf.
type VerifySignatureInput struct {
	Capability Capability
	IssuerPub  ed25519.PublicKey
}
