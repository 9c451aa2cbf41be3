// Package config defines the immutable configuration struct threaded
// explicitly into every subsystem at construction time. There are no
// package-level globals and no dynamic reconfiguration: a config change
// means building a new subsystem instance, per the Dynamic Config Toggles
// design note — the teacher's own main.go hardcodes its NATS URL and
// credentials inline; this replaces that with a loaded, explicit struct.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full set of recognized options from spec §6.
type Config struct {
	// Store quotas.
	QuotaEnforcementEnabled bool `toml:"quota_enforcement_enabled"`
	MaxCapabilitiesPerAgent int  `toml:"max_capabilities_per_agent"`
	MaxGlobalCapabilities   int  `toml:"max_global_capabilities"`
	MaxDelegationDepth      int  `toml:"max_delegation_depth"`

	// Signer / facade toggles.
	CapabilitySigningRequired         bool `toml:"capability_signing_required"`
	DelegationChainVerificationEnabled bool `toml:"delegation_chain_verification_enabled"`
	ConstraintEnforcementEnabled      bool `toml:"constraint_enforcement_enabled"`

	// Approval escalation.
	ConsensusEscalationEnabled bool   `toml:"consensus_escalation_enabled"`
	ConsensusModule            string `toml:"consensus_module"`

	// Rate limiting.
	RateLimitRefillPeriodSeconds int64 `toml:"rate_limit_refill_period_seconds"`
	BucketTTLSeconds             int64 `toml:"bucket_ttl_seconds"`

	// Channels.
	ChannelRotateOnLeave         bool  `toml:"channel_rotate_on_leave"`
	ChannelAutoRotateIntervalMs  int64 `toml:"channel_auto_rotate_interval_ms"`

	// Sessions.
	StaleSessionThresholdMs int64 `toml:"stale_session_threshold_ms"`

	// Signed-request replay window.
	ReplayWindow time.Duration `toml:"-"`
	ReplayWindowSeconds int64 `toml:"replay_window_seconds"`

	// Role assignment.
	Roles map[string][]string `toml:"roles"`

	// Connection settings. Load does not fill these from the file or the
	// environment; callers set them.
	NATSURL      string `toml:"-"`
	NATSServer   string `toml:"-"`
	NATSUser     string `toml:"-"`
	NATSPassword string `toml:"-"`
}

// Default returns the built-in defaults, used when a field is omitted from
// a loaded file, per spec §6 "omitted ones take defaults".
func Default() Config {
	return Config{
		QuotaEnforcementEnabled:            true,
		MaxCapabilitiesPerAgent:            1000,
		MaxGlobalCapabilities:              1_000_000,
		MaxDelegationDepth:                 8,
		CapabilitySigningRequired:          true,
		DelegationChainVerificationEnabled: true,
		ConstraintEnforcementEnabled:       true,
		ConsensusEscalationEnabled:         false,
		ConsensusModule:                    "",
		RateLimitRefillPeriodSeconds:       60,
		BucketTTLSeconds:                   3600,
		ChannelRotateOnLeave:               true,
		ChannelAutoRotateIntervalMs:        0,
		StaleSessionThresholdMs:            24 * 60 * 60 * 1000,
		ReplayWindow:                       5 * time.Minute,
		ReplayWindowSeconds:                300,
		Roles:                              map[string][]string{},
	}
}

// Load reads a TOML file at path, merging its values over Default(). An
// empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.ReplayWindowSeconds > 0 {
		cfg.ReplayWindow = time.Duration(cfg.ReplayWindowSeconds) * time.Second
	}
	return cfg, nil
}
