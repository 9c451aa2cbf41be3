// Package capstore implements the L2 capability store: an authoritative
// cap_id -> Capability mapping with by_principal and by_parent indices,
// quota enforcement, lazy expiry, and cascade revocation. Grounded on
// engine.go's contract-storage pattern (store/get/list keyed by ID with a
// narsclient-backed persistence option) and security.go's Attenuate/
// ValidateAccess chain, generalized to the capability/delegation model.
//
// Every mutating operation is serialized through a single mutex, matching
// the "owned state object behind a narrow mutex" design note — no
// interleaving, no torn indices.
package capstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"dataparency-dev/AI-delegation/internal/captypes"
	"dataparency-dev/AI-delegation/internal/pathsafe"
)

var (
	ErrNotFound          = errors.New("capstore: not_found")
	ErrCapabilityExpired = errors.New("capstore: capability_expired")
)

// QuotaError is returned when put is rejected by a quota. Kind is one of
// per_agent_capability_limit, global_capability_limit, delegation_depth_limit,
// negative_depth.
type QuotaError struct {
	Kind    string
	Context map[string]any
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("capstore: quota_exceeded[%s] %v", e.Kind, e.Context)
}

// Limits holds the quota configuration. QuotaEnforcementEnabled=false
// disables all checks below.
type Limits struct {
	QuotaEnforcementEnabled bool
	MaxPerAgent             int
	MaxGlobal               int
	MaxDelegationDepth      int
}

// VerifyFunc performs the store-level pre-filter signature/chain check
// used by find_authorizing. Injected so capstore has no dependency on the
// signer package (which in turn depends on capstore's Revoke for cascade
// wiring) — avoids an import cycle and matches the explicit
// dependency-passing design note.
type VerifyFunc func(cap captypes.Capability) bool

// Store is a goroutine-safe in-memory capability store. A Persist hook
// may be set to mirror writes to natsclient for durability; it is
// best-effort and does not block reads.
type Store struct {
	mu          sync.Mutex
	byID        map[string]captypes.Capability
	byPrincipal map[string]map[string]struct{}
	byParent    map[string]map[string]struct{}
	limits      Limits
	hotCache    *gocache.Cache
	verify      VerifyFunc
	persist     func(cap captypes.Capability) error
	remove      func(capID string) error
}

// New constructs an empty store. verify may be nil (store-level
// pre-filtering is then skipped — find_authorizing returns signature-blind
// matches and relies entirely on the facade's re-verification).
func New(limits Limits, verify VerifyFunc) *Store {
	return &Store{
		byID:        make(map[string]captypes.Capability),
		byPrincipal: make(map[string]map[string]struct{}),
		byParent:    make(map[string]map[string]struct{}),
		limits:      limits,
		hotCache:    gocache.New(30*time.Second, time.Minute),
		verify:      verify,
	}
}

// SetPersistence wires optional natsclient-backed mirroring of writes and
// deletes. Failures from these hooks do not fail the in-memory operation —
// they are the store's durability layer, not its source of truth at
// request time.
func (s *Store) SetPersistence(persist func(captypes.Capability) error, remove func(string) error) {
	s.persist = persist
	s.remove = remove
}

func (s *Store) indexInsert(cap captypes.Capability) {
	s.byID[cap.ID] = cap
	if s.byPrincipal[cap.PrincipalID] == nil {
		s.byPrincipal[cap.PrincipalID] = make(map[string]struct{})
	}
	s.byPrincipal[cap.PrincipalID][cap.ID] = struct{}{}
	if cap.ParentCapabilityID != "" {
		if s.byParent[cap.ParentCapabilityID] == nil {
			s.byParent[cap.ParentCapabilityID] = make(map[string]struct{})
		}
		s.byParent[cap.ParentCapabilityID][cap.ID] = struct{}{}
	}
	s.hotCache.Set(cap.ID, cap, gocache.DefaultExpiration)
}

func (s *Store) indexRemove(cap captypes.Capability) {
	delete(s.byID, cap.ID)
	if set, ok := s.byPrincipal[cap.PrincipalID]; ok {
		delete(set, cap.ID)
		if len(set) == 0 {
			delete(s.byPrincipal, cap.PrincipalID)
		}
	}
	if cap.ParentCapabilityID != "" {
		if set, ok := s.byParent[cap.ParentCapabilityID]; ok {
			delete(set, cap.ID)
			if len(set) == 0 {
				delete(s.byParent, cap.ParentCapabilityID)
			}
		}
	}
	s.hotCache.Delete(cap.ID)
}

// Put inserts or replaces cap by ID, enforcing quotas first. A re-put of a
// capability that is byte-identical (per CanonicalBytes) to what is already
// stored under the same cap_id is a no-op, so redelivery of an already
// applied capability under at-least-once delivery does not churn indices or
// consume quota.
func (s *Store) Put(cap captypes.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cap.DelegationDepth < 0 {
		return &QuotaError{Kind: "negative_depth", Context: map[string]any{"delegation_depth": cap.DelegationDepth}}
	}

	existing, replacing := s.byID[cap.ID]
	if replacing && bytes.Equal(existing.CanonicalBytes(), cap.CanonicalBytes()) {
		return nil
	}

	if s.limits.QuotaEnforcementEnabled {
		if s.limits.MaxDelegationDepth > 0 && cap.DelegationDepth > s.limits.MaxDelegationDepth {
			return &QuotaError{Kind: "delegation_depth_limit", Context: map[string]any{"limit": s.limits.MaxDelegationDepth, "got": cap.DelegationDepth}}
		}
		if !replacing {
			if s.limits.MaxPerAgent > 0 && len(s.byPrincipal[cap.PrincipalID]) >= s.limits.MaxPerAgent {
				return &QuotaError{Kind: "per_agent_capability_limit", Context: map[string]any{"principal_id": cap.PrincipalID, "limit": s.limits.MaxPerAgent}}
			}
			if s.limits.MaxGlobal > 0 && len(s.byID) >= s.limits.MaxGlobal {
				return &QuotaError{Kind: "global_capability_limit", Context: map[string]any{"limit": s.limits.MaxGlobal}}
			}
		}
	}

	if replacing {
		s.indexRemove(existing)
	}
	s.indexInsert(cap)

	if s.persist != nil {
		if err := s.persist(cap); err != nil {
			_ = err // durability mirror failure does not fail the write
		}
	}
	return nil
}

// Get returns cap_id's capability, removing it from indices and returning
// ErrCapabilityExpired if its expires_at has passed (lazy expiry).
func (s *Store) Get(capID string) (captypes.Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(capID)
}

func (s *Store) getLocked(capID string) (captypes.Capability, error) {
	cap, ok := s.byID[capID]
	if !ok {
		return captypes.Capability{}, ErrNotFound
	}
	if cap.Expired(time.Now()) {
		s.indexRemove(cap)
		if s.remove != nil {
			_ = s.remove(capID)
		}
		return captypes.Capability{}, ErrCapabilityExpired
	}
	return cap, nil
}

// ListForPrincipal returns every non-expired capability for principal,
// unless includeExpired is true.
func (s *Store) ListForPrincipal(principal string, includeExpired bool) []captypes.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byPrincipal[principal]
	out := make([]captypes.Capability, 0, len(ids))
	now := time.Now()
	for id := range ids {
		cap := s.byID[id]
		if !includeExpired && cap.Expired(now) {
			continue
		}
		out = append(out, cap)
	}
	return out
}

// FindAuthorizing returns the first capability belonging to principal
// whose resource_uri authorizes requestURI under the §4.3 prefix rule,
// applying the store-level verify pre-filter (if set) as defense in depth.
func (s *Store) FindAuthorizing(principal, requestURI string) (captypes.Capability, error) {
	reqParsed, err := pathsafe.Parse(requestURI)
	if err != nil {
		return captypes.Capability{}, fmt.Errorf("capstore: %w", err)
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.byPrincipal[principal]))
	for id := range s.byPrincipal[principal] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		cap, err := s.Get(id)
		if err != nil {
			continue
		}
		if cap.Expired(now) {
			continue
		}
		authParsed, err := pathsafe.Parse(cap.ResourceURI)
		if err != nil {
			continue
		}
		if !pathsafe.MatchesPrefix(authParsed, reqParsed) {
			continue
		}
		if s.verify != nil && !s.verify(cap) {
			continue
		}
		return cap, nil
	}
	return captypes.Capability{}, ErrNotFound
}

// Revoke deletes cap_id from the primary map and all indices.
func (s *Store) Revoke(capID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap, ok := s.byID[capID]
	if !ok {
		return ErrNotFound
	}
	s.indexRemove(cap)
	if s.remove != nil {
		_ = s.remove(capID)
	}
	return nil
}

// RevokeAll bulk-revokes every capability for principal, returning the
// count revoked.
func (s *Store) RevokeAll(principal string) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byPrincipal[principal]))
	for id := range s.byPrincipal[principal] {
		ids = append(ids, id)
	}
	caps := make([]captypes.Capability, 0, len(ids))
	for _, id := range ids {
		caps = append(caps, s.byID[id])
	}
	for _, cap := range caps {
		s.indexRemove(cap)
	}
	s.mu.Unlock()

	if s.remove != nil {
		for _, id := range ids {
			_ = s.remove(id)
		}
	}
	return len(ids)
}

// CascadeRevoke revokes cap_id and every descendant reachable through
// by_parent, returning the total count. Returns ErrNotFound only if the
// root is missing; it is otherwise idempotent on missing descendant IDs.
func (s *Store) CascadeRevoke(capID string) (int, error) {
	s.mu.Lock()
	if _, ok := s.byID[capID]; !ok {
		s.mu.Unlock()
		return 0, ErrNotFound
	}

	var toRevoke []string
	queue := []string{capID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := s.byID[cur]; !ok {
			continue
		}
		toRevoke = append(toRevoke, cur)
		children := s.byParent[cur]
		for childID := range children {
			queue = append(queue, childID)
		}
	}

	for _, id := range toRevoke {
		if cap, ok := s.byID[id]; ok {
			s.indexRemove(cap)
		}
	}
	s.mu.Unlock()

	if s.remove != nil {
		for _, id := range toRevoke {
			_ = s.remove(id)
		}
	}
	return len(toRevoke), nil
}

// Stats reports current counts and quota settings.
type Stats struct {
	TotalCapabilities int
	Limits            Limits
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{TotalCapabilities: len(s.byID), Limits: s.limits}
}
