// arborctl walks through the full capability-authorization lifecycle end
// to end against either an in-memory registry/store or a NATS-backed one:
// register identities, grant and delegate capabilities, authorize
// requests, trip the reflex engine and rate limiter, revoke, and run a
// group-channel exchange.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"dataparency-dev/AI-delegation/internal/audit"
	"dataparency-dev/AI-delegation/internal/authz"
	"dataparency-dev/AI-delegation/internal/capstore"
	"dataparency-dev/AI-delegation/internal/captypes"
	"dataparency-dev/AI-delegation/internal/channel"
	"dataparency-dev/AI-delegation/internal/config"
	"dataparency-dev/AI-delegation/internal/constraint"
	"dataparency-dev/AI-delegation/internal/cryptoutil"
	"dataparency-dev/AI-delegation/internal/identity"
	"dataparency-dev/AI-delegation/internal/logging"
	"dataparency-dev/AI-delegation/internal/natsbackend"
	"dataparency-dev/AI-delegation/internal/reflex"
	"dataparency-dev/AI-delegation/internal/roleassign"
	"dataparency-dev/AI-delegation/internal/signer"

	"github.com/google/uuid"
)

// natsPublisher adapts natsbackend's secure channel transport to
// channel.Publisher, lazily init'ing each channel's natsclient-side RDID
// the first time it is published to.
type natsPublisher struct {
	backend *natsbackend.Backend
	rdids   map[string]string
}

func newNATSPublisher(backend *natsbackend.Backend) *natsPublisher {
	return &natsPublisher{backend: backend, rdids: make(map[string]string)}
}

func (p *natsPublisher) Publish(channelID string, envelope channel.MessageEnvelope) error {
	rdid, ok := p.rdids[channelID]
	if !ok {
		var err error
		rdid, err = p.backend.InitSecureChannel(channelID)
		if err != nil {
			return err
		}
		p.rdids[channelID] = rdid
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.backend.PublishSecure(channelID, rdid, body, 300)
}

// autoApprovals grants every escalated proposal immediately, standing in
// for a human-in-the-loop consensus module in this walkthrough.
type autoApprovals struct{ logger *logging.Logger }

func (a autoApprovals) SubmitProposal(ctx context.Context, principal, resourceURI string) (string, error) {
	proposalID := "proposal_" + uuid.NewString()
	a.logger.Infof("approval requested: principal=%s resource=%s -> %s", principal, resourceURI, proposalID)
	return proposalID, nil
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults to built-in values)")
	natsURL := flag.String("nats-url", "", "NATS server URL; empty runs fully in-memory")
	natsServer := flag.String("nats-server", "arbor-trust", "natsclient server topic")
	natsUser := flag.String("nats-user", "arborctl", "natsclient username")
	natsPassword := flag.String("nats-password", "secret", "natsclient password")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("arborctl: load config: %v", err)
	}

	logger := logging.New("arborctl", nil)
	ctx := context.Background()

	var backend *natsbackend.Backend
	if *natsURL != "" {
		backend, err = natsbackend.Connect(*natsURL, *natsServer, *natsUser, *natsPassword)
		if err != nil {
			log.Fatalf("arborctl: connect nats backend: %v", err)
		}
		logger.Infof("connected to nats backend at %s", *natsURL)
	}

	// STEP 1: bootstrap the system authority and wire every collaborator.
	// The registry's cascade-revoke callback closes over `store`, which is
	// assigned a few lines further down — by the time RevokeIdentity ever
	// invokes it, store is fully constructed.
	authorityPub, authorityPriv, err := cryptoutil.GenerateSigningKeypair()
	if err != nil {
		log.Fatalf("arborctl: generate authority keypair: %v", err)
	}
	authority := signer.NewAuthorityKeys(cryptoutil.DeriveAgentID(authorityPub), authorityPub, authorityPriv)

	var store *capstore.Store
	onRevoke := identity.RevokeCapabilitiesFunc(func(agentID string) (int, error) {
		return store.RevokeAll(agentID), nil
	})

	var registry identity.Registry
	if backend != nil {
		registry = identity.NewNATSRegistry(backend, "Identities", onRevoke)
	} else {
		registry = identity.NewMemoryRegistry(onRevoke)
	}

	s := signer.New(authority, registry)
	store = capstore.New(capstore.Limits{
		QuotaEnforcementEnabled: cfg.QuotaEnforcementEnabled,
		MaxPerAgent:             cfg.MaxCapabilitiesPerAgent,
		MaxGlobal:               cfg.MaxGlobalCapabilities,
		MaxDelegationDepth:      cfg.MaxDelegationDepth,
	}, s.VerifyCapabilitySignature)
	if backend != nil {
		store.SetPersistence(
			func(cap captypes.Capability) error {
				body, err := cap.Marshal()
				if err != nil {
					return err
				}
				return backend.Put("Capabilities", cap.ID, "capability_record", body)
			},
			func(capID string) error { return backend.RemoveEntity(capID) },
		)
	}

	reflexEngine := reflex.New(reflex.Builtins())
	enforcer := constraint.New(
		cfg.ConstraintEnforcementEnabled,
		time.Duration(cfg.RateLimitRefillPeriodSeconds)*time.Second,
		time.Duration(cfg.BucketTTLSeconds)*time.Second,
		autoApprovals{logger: logger},
		cfg.ConsensusEscalationEnabled,
	)
	auditLog := audit.New(1000, nil, func(err error) { logger.Warnf("audit sink error: %v", err) })
	facade := authz.New(registry, store, s, reflexEngine, enforcer, auditLog,
		cfg.DelegationChainVerificationEnabled, cfg.CapabilitySigningRequired, cfg.ReplayWindow)
	assigner := roleassign.New(cfg.Roles, store, s)
	var publisher channel.Publisher
	if backend != nil {
		publisher = newNATSPublisher(backend)
	}
	channelMgr := channel.NewManager(publisher, registry, func(event, channelID, memberID string) {
		logger.Infof("channel event: %s channel=%s member=%s", event, channelID, memberID)
	})

	// STEP 2: register the orchestrator, a coder agent, and an analyst
	// agent, keeping each one's signing private key locally the way a real
	// agent process would hold its own key material.
	orchestrator, orchestratorPriv, _ := registerAgent(registry, logger, "orchestrator")
	coder, _, _ := registerAgent(registry, logger, "coder")
	analyst, _, analystEncKeyB64 := registerAgent(registry, logger, "analyst")

	// STEP 3: grant the orchestrator a direct write capability over the
	// repository, and assign the analyst the "reader" role bundle.
	grantCapability(s, store, logger, orchestrator.AgentID, "arbor://fs/write/repo/**", nil)
	outcomes, err := assigner.AssignRole(analyst.AgentID, "reader")
	if err != nil {
		logger.Warnf("assign role failed: %v", err)
	} else {
		for _, o := range outcomes {
			logger.Infof("role grant: %s -> %s granted=%v", analyst.AgentID, o.ResourceURI, o.Granted)
		}
	}

	// STEP 4: the orchestrator delegates a narrowed, rate-limited slice of
	// its repo-write capability to the coder.
	parentCaps := store.ListForPrincipal(orchestrator.AgentID, false)
	if len(parentCaps) > 0 {
		rate := 5
		delegated, err := s.Delegate(parentCaps[0], orchestratorPriv, coder.AgentID, "cap_"+coder.AgentID+"_delegated",
			captypes.Constraints{Patterns: []string{"arbor://fs/write/repo/src/**"}, RateLimit: &rate})
		if err != nil {
			logger.Warnf("delegate failed: %v", err)
		} else if err := store.Put(delegated); err != nil {
			logger.Warnf("store delegated capability: %v", err)
		} else {
			logger.Infof("delegated %s -> %s over %s", orchestrator.AgentID, coder.AgentID, delegated.ResourceURI)
		}
	}

	// STEP 5: authorize a legitimate write, then a reflex-blocked one.
	result, err := facade.Authorize(ctx, coder.AgentID, "arbor://fs/write/repo/src/main.go", authz.Options{Action: "write", RequestPath: "arbor://fs/write/repo/src/main.go"})
	logger.Infof("authorize coder write: status=%s err=%v", result.Status, err)

	result, err = facade.Authorize(ctx, coder.AgentID, "arbor://fs/write/repo/src/main.go", authz.Options{Action: "rm -rf /", RequestPath: "rm -rf /"})
	logger.Infof("authorize dangerous command: status=%s err=%v", result.Status, err)

	// STEP 6: exhaust the coder's delegated rate limit.
	for i := 0; i < 7; i++ {
		result, _ = facade.Authorize(ctx, coder.AgentID, "arbor://fs/write/repo/src/main.go", authz.Options{Action: "write", RequestPath: "arbor://fs/write/repo/src/main.go"})
		logger.Infof("rate-limit probe %d: status=%s reason=%s", i, result.Status, result.Reason)
	}

	// STEP 7: cascade-revoke the orchestrator's root grant, pulling the
	// coder's delegated capability down with it through the by_parent
	// index, then revoke the orchestrator's identity outright.
	if len(parentCaps) > 0 {
		n, err := store.CascadeRevoke(parentCaps[0].ID)
		logger.Infof("cascade revoke from %s removed %d capabilities, err=%v", parentCaps[0].ID, n, err)
	}
	revoked, err := registry.RevokeIdentity(orchestrator.AgentID, "walkthrough complete")
	logger.Infof("revoked orchestrator identity, removed %d remaining direct capabilities, err=%v", revoked, err)

	// STEP 8: stand up a group channel and invite the analyst. The
	// invitation is sealed to whatever encryption key the analyst actually
	// registered with the identity registry, not a key minted on the spot.
	ch, _, err := channelMgr.Create("chan_ops", "ops-room", coder.AgentID)
	if err != nil {
		logger.Warnf("create channel: %v", err)
	} else {
		inv, err := channelMgr.Invite(ch.ID, coder.AgentID, analyst.AgentID)
		if err != nil {
			logger.Warnf("invite analyst: %v", err)
		} else {
			_, analystEncPriv, err := identity.DecodeEncryptionKeyPair(analystEncKeyB64)
			if err != nil {
				logger.Warnf("decode analyst encryption keypair: %v", err)
			} else {
				kc := channel.NewKeychain()
				if err := channelMgr.AcceptInvitation(inv, analyst.AgentID, analystEncPriv, kc); err != nil {
					logger.Warnf("accept invitation: %v", err)
				} else {
					logger.Infof("analyst joined %s at key_version=%d", ch.ID, inv.KeyVersion)
				}
			}
		}
	}

	// STEP 9: print a summary of everything the audit log captured.
	for _, e := range auditLog.RecentN(20) {
		logger.Infof("audit: kind=%s principal=%s resource=%s trace=%s reason=%s", e.Kind, e.PrincipalID, e.ResourceURI, e.TraceID, e.Reason)
	}

	fmt.Println("arborctl walkthrough complete")
}

func registerAgent(registry identity.Registry, logger *logging.Logger, name string) (identity.Identity, ed25519.PrivateKey, string) {
	id, priv, encKeyB64, err := identity.NewIdentity(name)
	if err != nil {
		log.Fatalf("arborctl: mint identity %s: %v", name, err)
	}
	if err := registry.Register(id, encKeyB64); err != nil {
		log.Fatalf("arborctl: register identity %s: %v", name, err)
	}
	logger.Infof("registered identity %s (%s)", id.AgentID, name)
	return id, priv, encKeyB64
}

func grantCapability(s *signer.Signer, store *capstore.Store, logger *logging.Logger, principal, resourceURI string, constraints *captypes.Constraints) {
	c := captypes.Capability{
		ID:              "cap_" + principal + "_root",
		ResourceURI:     resourceURI,
		PrincipalID:     principal,
		DelegationDepth: 4,
		GrantedAt:       time.Now(),
	}
	if constraints != nil {
		c.Constraints = *constraints
	}
	signed := s.SignCapability(c)
	if err := store.Put(signed); err != nil {
		logger.Warnf("grant capability to %s over %s failed: %v", principal, resourceURI, err)
		return
	}
	logger.Infof("granted %s capability over %s", principal, resourceURI)
}
