// Package authz implements the L3 authorization facade: the ordered
// pipeline that orchestrates identity verification, capability lookup,
// signature and delegation-chain verification, constraint enforcement,
// reflex pre-checks, and approval escalation into a single authorize
// call. Grounded on engine.go's top-level Engine, whose methods already
// compose multiple subsystems behind one entry point — generalized from
// task/bid/contract orchestration to the authorize/can? pipeline of §4.8.
package authz

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"dataparency-dev/AI-delegation/internal/audit"
	"dataparency-dev/AI-delegation/internal/capstore"
	"dataparency-dev/AI-delegation/internal/captypes"
	"dataparency-dev/AI-delegation/internal/constraint"
	"dataparency-dev/AI-delegation/internal/cryptoutil"
	"dataparency-dev/AI-delegation/internal/identity"
	"dataparency-dev/AI-delegation/internal/pathsafe"
	"dataparency-dev/AI-delegation/internal/reflex"
	"dataparency-dev/AI-delegation/internal/signer"
)

// Status is the terminal outcome of an authorize call.
type Status string

const (
	StatusAuthorized      Status = "authorized"
	StatusUnauthorized    Status = "unauthorized"
	StatusPendingApproval Status = "pending_approval"
)

var ErrUnauthorized = errors.New("authz: unauthorized")

// Result is the outcome of Authorize.
type Result struct {
	Status     Status
	ProposalID string
	Reason     string
}

// Options configures a single authorize call.
type Options struct {
	VerifyIdentity bool
	SignedRequest  *captypes.SignedRequest
	Action         string
	RequestPath    string // resolved fs path for constraint checks, if applicable
}

// Facade wires together every collaborator the pipeline needs.
type Facade struct {
	Registry     identity.Registry
	Store        *capstore.Store
	Signer       *signer.Signer
	Reflex       *reflex.Engine
	Enforcer     *constraint.Enforcer
	Audit        *audit.Log
	ChainVerify  bool
	SigningReq   bool
	ReplayWindow time.Duration
}

func New(registry identity.Registry, store *capstore.Store, s *signer.Signer, r *reflex.Engine, e *constraint.Enforcer, a *audit.Log, chainVerify, signingRequired bool, replayWindow time.Duration) *Facade {
	return &Facade{
		Registry: registry, Store: store, Signer: s, Reflex: r, Enforcer: e, Audit: a,
		ChainVerify: chainVerify, SigningReq: signingRequired, ReplayWindow: replayWindow,
	}
}

// Authorize runs the full §4.8 pipeline.
func (f *Facade) Authorize(ctx context.Context, principal, resourceURI string, opts Options) (Result, error) {
	traceID := audit.NewTraceID()

	if opts.VerifyIdentity && opts.SignedRequest != nil {
		if err := f.verifySignedRequest(*opts.SignedRequest); err != nil {
			f.Audit.Append(audit.Event{Kind: audit.KindIdentityVerificationFailed, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Reason: err.Error()})
			return Result{Status: StatusUnauthorized, Reason: "identity_verification_failed"}, ErrUnauthorized
		}
		f.Audit.Append(audit.Event{Kind: audit.KindIdentityVerificationSucceeded, PrincipalID: principal, TraceID: traceID})
	}

	if f.Reflex != nil {
		reflexCtx := reflex.Context{"action": opts.Action, "path": opts.RequestPath, "command": opts.RequestPath}
		out := f.Reflex.Check(reflexCtx)
		if out.Blocked {
			f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationDenied, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Reason: "reflex_blocked"})
			return Result{Status: StatusUnauthorized, Reason: "reflex_blocked"}, ErrUnauthorized
		}
	}

	cap, err := f.Store.FindAuthorizing(principal, resourceURI)
	if err != nil {
		f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationDenied, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Reason: "no_capability"})
		return Result{Status: StatusUnauthorized, Reason: "no_capability"}, ErrUnauthorized
	}

	if reqParsed, perr := pathsafe.Parse(resourceURI); perr == nil && pathsafe.IsFSKind(reqParsed.Kind) {
		if capParsed, cerr := pathsafe.Parse(cap.ResourceURI); cerr == nil {
			rootSegs := trimWildcardSuffix(capParsed.Segments)
			remainder := reqParsed.Segments
			if len(remainder) >= len(rootSegs) {
				remainder = remainder[len(rootSegs):]
			}
			root := strings.Join(rootSegs, "/")
			remPath := strings.Join(remainder, "/")
			if _, err := pathsafe.ResolveUnderRoot(root, remPath); err != nil {
				f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationDenied, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Reason: "path_traversal"})
				return Result{Status: StatusUnauthorized, Reason: "path_traversal"}, ErrUnauthorized
			}
		}
	}

	if f.SigningReq {
		if err := f.Signer.VerifyCapabilitySignature(cap); err != nil {
			f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationDenied, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Reason: "invalid_capability_signature"})
			return Result{Status: StatusUnauthorized, Reason: "unauthorized"}, ErrUnauthorized
		}
	}

	if f.ChainVerify {
		if err := f.Signer.VerifyDelegationChain(cap); err != nil {
			f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationDenied, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Reason: "broken_delegation_chain"})
			return Result{Status: StatusUnauthorized, Reason: "unauthorized"}, ErrUnauthorized
		}
	}

	if f.Enforcer != nil {
		out, err := f.Enforcer.Enforce(ctx, principal, resourceURI, opts.RequestPath, cap.Constraints, time.Now())
		if err != nil {
			var ve *constraint.ViolationError
			reason := "constraint_violated"
			if errors.As(err, &ve) {
				reason = ve.Kind
			}
			f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationDenied, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Reason: reason})
			return Result{Status: StatusUnauthorized, Reason: reason}, err
		}
		if out.PendingApproval {
			f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationPending, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID, Metadata: map[string]any{"proposal_id": out.ProposalID}})
			return Result{Status: StatusPendingApproval, ProposalID: out.ProposalID}, nil
		}
	}

	f.Audit.Append(audit.Event{Kind: audit.KindAuthorizationGranted, PrincipalID: principal, ResourceURI: resourceURI, TraceID: traceID})
	return Result{Status: StatusAuthorized}, nil
}

// Can reports whether principal could authorize against resourceURI right
// now, equivalent to steps 3-6 of the pipeline only: it never consumes
// rate-limit budget, never invokes the reflex engine or approval service,
// and never emits audit events.
func (f *Facade) Can(principal, resourceURI string) bool {
	cap, err := f.Store.FindAuthorizing(principal, resourceURI)
	if err != nil {
		return false
	}
	if f.SigningReq {
		if err := f.Signer.VerifyCapabilitySignature(cap); err != nil {
			return false
		}
	}
	if f.ChainVerify {
		if err := f.Signer.VerifyDelegationChain(cap); err != nil {
			return false
		}
	}
	return true
}

func (f *Facade) verifySignedRequest(req captypes.SignedRequest) error {
	if time.Since(req.SignedAt) > f.ReplayWindow || time.Since(req.SignedAt) < -f.ReplayWindow {
		return fmt.Errorf("authz: signed request outside replay window")
	}
	pub, err := f.Registry.Lookup(req.AgentID)
	if err != nil {
		return fmt.Errorf("authz: %w", err)
	}
	if !verifyEd25519(req.CanonicalBytes(), req.Signature, pub) {
		return fmt.Errorf("authz: invalid_signature")
	}
	return nil
}

func verifyEd25519(msg, sig []byte, pub ed25519.PublicKey) bool {
	return cryptoutil.Verify(msg, sig, pub)
}

// trimWildcardSuffix strips a trailing "**" wildcard marker from a
// capability's resource-URI segments, so the remaining segments describe
// the literal root a request path must resolve under.
func trimWildcardSuffix(segs []string) []string {
	if len(segs) > 0 && segs[len(segs)-1] == "**" {
		return segs[:len(segs)-1]
	}
	return segs
}
