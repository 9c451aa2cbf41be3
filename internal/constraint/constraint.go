// Package constraint implements the L2 constraint enforcer: token-bucket
// rate limiting, time-of-day windows, path pattern/exclude/max_depth
// checks, and approval-gated grants. Grounded on security.go's
// CircuitBreaker (failure-count + time-based trip state), generalized
// from a binary trip/reset breaker into a continuously refilling token
// bucket keyed per (principal, resource) and cached with go-cache so
// stale buckets expire on their own.
package constraint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"path/filepath"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"dataparency-dev/AI-delegation/internal/captypes"
)

var (
	ErrRateLimited       = errors.New("constraint: rate_limited")
	ErrPatternMismatch   = errors.New("constraint: pattern_mismatch")
	ErrExcludedPattern   = errors.New("constraint: excluded_pattern")
	ErrMaxDepthExceeded  = errors.New("constraint: max_depth_exceeded")
	ErrOutsideTimeWindow = errors.New("constraint: outside_time_window")
	ErrEscalationDisabled = errors.New("constraint: escalation_disabled")
)

// ViolationError tags which constraint kind failed along with context, per
// the {constraint_violated, kind, context} error shape.
type ViolationError struct {
	Kind    string
	Context map[string]any
	Err     error
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("constraint: constraint_violated[%s] %v: %v", e.Kind, e.Context, e.Err)
}
func (e *ViolationError) Unwrap() error { return e.Err }

// ApprovalService is the injected collaborator consulted when a
// capability's requires_approval constraint is set.
type ApprovalService interface {
	SubmitProposal(ctx context.Context, principal, resourceURI string) (proposalID string, err error)
}

// bucket is a continuously refilling token bucket: capacity tokens refill
// linearly over period, never exceeding capacity.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	period     time.Duration
	lastRefill time.Time
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	refillRate := b.capacity / b.period.Seconds()
	b.tokens += elapsed.Seconds() * refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *bucket) consume() (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < 1 {
		return false, b.tokens
	}
	b.tokens--
	return true, b.tokens
}

func (b *bucket) remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// Enforcer evaluates captypes.Constraints instances against a request.
// Enabled=false makes Enforce a no-op that always grants, per the global
// constraint_enforcement_enabled toggle.
type Enforcer struct {
	Enabled        bool
	RefillPeriod   time.Duration
	BucketTTL      time.Duration
	buckets        *gocache.Cache
	approvals      ApprovalService
	escalationOn   bool
}

func New(enabled bool, refillPeriod, bucketTTL time.Duration, approvals ApprovalService, escalationOn bool) *Enforcer {
	return &Enforcer{
		Enabled:      enabled,
		RefillPeriod: refillPeriod,
		BucketTTL:    bucketTTL,
		buckets:      gocache.New(bucketTTL, bucketTTL*2),
		approvals:    approvals,
		escalationOn: escalationOn,
	}
}

func bucketKey(principal, resourceURI string) string { return principal + "|" + resourceURI }

func (e *Enforcer) bucketFor(principal, resourceURI string, capacity int) *bucket {
	key := bucketKey(principal, resourceURI)
	if v, ok := e.buckets.Get(key); ok {
		return v.(*bucket)
	}
	b := &bucket{capacity: float64(capacity), tokens: float64(capacity), period: e.RefillPeriod, lastRefill: time.Now()}
	e.buckets.Set(key, b, gocache.DefaultExpiration)
	return b
}

// Remaining observes the bucket without consuming — used by can?-style
// queries that must never consume budget.
func (e *Enforcer) Remaining(principal, resourceURI string, capacity int) float64 {
	return e.bucketFor(principal, resourceURI, capacity).remaining()
}

// Reset deletes a (principal, resource) bucket.
func (e *Enforcer) Reset(principal, resourceURI string) {
	e.buckets.Delete(bucketKey(principal, resourceURI))
}

// Outcome is the enforcement result: grant, deny-with-reason, or
// pending approval.
type Outcome struct {
	Granted           bool
	PendingApproval   bool
	ProposalID        string
	Violation         *ViolationError
}

func withinWindow(startHour, endHour, nowHour int) bool {
	if startHour <= endHour {
		return nowHour >= startHour && nowHour < endHour
	}
	// wrap-around: outside the inner [end, start) range
	return !(nowHour >= endHour && nowHour < startHour)
}

// Enforce checks constraints in the §4.8 order: patterns, exclude,
// max_depth, time_window, rate_limit (consumes), requires_approval.
func (e *Enforcer) Enforce(ctx context.Context, principal, resourceURI, requestPath string, c captypes.Constraints, now time.Time) (Outcome, error) {
	if !e.Enabled {
		return Outcome{Granted: true}, nil
	}

	if len(c.Patterns) > 0 {
		matched := false
		for _, p := range c.Patterns {
			if ok, _ := pathMatch(p, requestPath); ok {
				matched = true
				break
			}
		}
		if !matched {
			return Outcome{}, &ViolationError{Kind: "pattern_mismatch", Context: map[string]any{"path": requestPath, "patterns": c.Patterns}, Err: ErrPatternMismatch}
		}
	}
	for _, p := range c.Exclude {
		if ok, _ := pathMatch(p, requestPath); ok {
			return Outcome{}, &ViolationError{Kind: "excluded_pattern", Context: map[string]any{"path": requestPath, "pattern": p}, Err: ErrExcludedPattern}
		}
	}
	if c.MaxDepth != nil {
		depth := pathDepth(requestPath)
		if depth > *c.MaxDepth {
			return Outcome{}, &ViolationError{Kind: "max_depth_exceeded", Context: map[string]any{"depth": depth, "max_depth": *c.MaxDepth}, Err: ErrMaxDepthExceeded}
		}
	}
	if c.TimeWindowStart != nil && c.TimeWindowEnd != nil {
		if !withinWindow(*c.TimeWindowStart, *c.TimeWindowEnd, now.UTC().Hour()) {
			return Outcome{}, &ViolationError{Kind: "time_window", Context: map[string]any{"hour": now.UTC().Hour(), "start": *c.TimeWindowStart, "end": *c.TimeWindowEnd}, Err: ErrOutsideTimeWindow}
		}
	}
	if c.RateLimit != nil {
		b := e.bucketFor(principal, resourceURI, *c.RateLimit)
		ok, remaining := b.consume()
		if !ok {
			return Outcome{}, &ViolationError{Kind: "rate_limit", Context: map[string]any{"limit": *c.RateLimit, "remaining": 0}, Err: ErrRateLimited}
		}
		_ = remaining
	}
	if c.RequiresApproval {
		if !e.escalationOn {
			return Outcome{}, &ViolationError{Kind: "escalation_disabled", Context: map[string]any{}, Err: ErrEscalationDisabled}
		}
		if e.approvals == nil {
			return Outcome{}, &ViolationError{Kind: "escalation_disabled", Context: map[string]any{}, Err: ErrEscalationDisabled}
		}
		proposalID, err := e.approvals.SubmitProposal(ctx, principal, resourceURI)
		if err != nil {
			return Outcome{}, fmt.Errorf("constraint: submit approval proposal: %w", err)
		}
		return Outcome{PendingApproval: true, ProposalID: proposalID}, nil
	}

	return Outcome{Granted: true}, nil
}

// pathMatch reports whether glob matches requestPath, honoring a
// trailing "**" segment as "match any suffix" the same way capability
// resource_uri prefixes do.
func pathMatch(glob, requestPath string) (bool, error) {
	if strings.HasSuffix(glob, "**") {
		prefix := strings.TrimSuffix(glob, "**")
		return strings.HasPrefix(requestPath, prefix), nil
	}
	return filepath.Match(glob, requestPath)
}

func pathDepth(p string) int {
	n := 0
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			n++
		}
	}
	return n
}
