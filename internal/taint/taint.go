// Package taint implements the information-flow lattice used to track trust
// across computation, in particular LLM outputs: sensitivity, confidence,
// sanitization state, and whether a value may be used as control or only as
// data. Everything here is a pure function over value types — there is no
// mutable state and no I/O.
package taint

import "fmt"

// Level is the trust/hostility axis: trusted < derived < untrusted < hostile.
type Level int

const (
	LevelTrusted Level = iota
	LevelDerived
	LevelUntrusted
	LevelHostile
)

func (l Level) String() string {
	switch l {
	case LevelTrusted:
		return "trusted"
	case LevelDerived:
		return "derived"
	case LevelUntrusted:
		return "untrusted"
	case LevelHostile:
		return "hostile"
	default:
		return "hostile"
	}
}

// ParseLevel decodes a level, fail-closed to LevelHostile on any unknown
// value, per the taint decoder's fail-closed requirement.
func ParseLevel(s string) Level {
	switch s {
	case "trusted":
		return LevelTrusted
	case "derived":
		return LevelDerived
	case "untrusted":
		return LevelUntrusted
	case "hostile":
		return LevelHostile
	default:
		return LevelHostile
	}
}

// Sensitivity is the data-exposure axis: public < internal < confidential < restricted.
type Sensitivity int

const (
	SensitivityPublic Sensitivity = iota
	SensitivityInternal
	SensitivityConfidential
	SensitivityRestricted
)

func (s Sensitivity) String() string {
	switch s {
	case SensitivityPublic:
		return "public"
	case SensitivityInternal:
		return "internal"
	case SensitivityConfidential:
		return "confidential"
	case SensitivityRestricted:
		return "restricted"
	default:
		return "restricted"
	}
}

// ParseSensitivity fail-closes to the most restrictive value.
func ParseSensitivity(s string) Sensitivity {
	switch s {
	case "public":
		return SensitivityPublic
	case "internal":
		return SensitivityInternal
	case "confidential":
		return SensitivityConfidential
	case "restricted":
		return SensitivityRestricted
	default:
		return SensitivityRestricted
	}
}

// Confidence is the verification axis: unverified < plausible < corroborated < verified.
type Confidence int

const (
	ConfidenceUnverified Confidence = iota
	ConfidencePlausible
	ConfidenceCorroborated
	ConfidenceVerified
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceUnverified:
		return "unverified"
	case ConfidencePlausible:
		return "plausible"
	case ConfidenceCorroborated:
		return "corroborated"
	case ConfidenceVerified:
		return "verified"
	default:
		return "unverified"
	}
}

// ParseConfidence fail-closes to the most restrictive (least trusted) value.
func ParseConfidence(s string) Confidence {
	switch s {
	case "unverified":
		return ConfidenceUnverified
	case "plausible":
		return ConfidencePlausible
	case "corroborated":
		return ConfidenceCorroborated
	case "verified":
		return ConfidenceVerified
	default:
		return ConfidenceUnverified
	}
}

// Sanitization bits. Named bits rather than an open string set so the mask
// can be combined and serialized deterministically.
type Sanitization uint32

const (
	SanitizeXSS Sanitization = 1 << iota
	SanitizeSQLi
	SanitizePromptInjection
)

// Role distinguishes whether a taint value is about to be used as control
// (e.g. a command, a code path) or merely as data.
type Role int

const (
	RoleControl Role = iota
	RoleData
)

// ReductionMethod governs how aggressively Reduce may lower a Level.
type ReductionMethod string

const (
	ReductionHumanReview       ReductionMethod = "human_review"
	ReductionConsensus         ReductionMethod = "consensus"
	ReductionVerifiedPipeline  ReductionMethod = "verified_pipeline"
)

// Struct bundles the information-flow properties of a value.
type Struct struct {
	Level         Level
	Sensitivity   Sensitivity
	Sanitizations Sanitization
	Confidence    Confidence
	Source        string
	Chain         []string
}

// Propagate combines N inputs: the maximum Level and Sensitivity, the
// minimum Confidence, and the bitwise AND of sanitization masks. Chains are
// concatenated in argument order.
func Propagate(inputs ...Struct) Struct {
	if len(inputs) == 0 {
		return Struct{Level: LevelHostile, Sensitivity: SensitivityRestricted, Confidence: ConfidenceUnverified}
	}
	out := inputs[0]
	for _, in := range inputs[1:] {
		if in.Level > out.Level {
			out.Level = in.Level
		}
		if in.Sensitivity > out.Sensitivity {
			out.Sensitivity = in.Sensitivity
		}
		if in.Confidence < out.Confidence {
			out.Confidence = in.Confidence
		}
		out.Sanitizations &= in.Sanitizations
	}
	out.Chain = nil
	for _, in := range inputs {
		out.Chain = append(out.Chain, in.Chain...)
	}
	out.Source = ""
	return out
}

// canUseTable encodes the §4.13 truth table. Index [level][role].
var canUseTable = [4][2]bool{
	LevelTrusted:   {true, true},
	LevelDerived:   {true, true}, // control use must be audited by the caller
	LevelUntrusted: {false, true},
	LevelHostile:   {false, false},
}

// CanUseAs reports whether a value with the given taint may be used in the
// given role. For LevelDerived + RoleControl the caller is responsible for
// auditing the use (the table says "yes, but audited"); CanUseAs itself
// only answers the boolean gate.
func CanUseAs(t Struct, role Role) bool {
	return canUseTable[t.Level][role]
}

// RequiresAudit reports whether a permitted control-use must be audited —
// true only for derived-level control use.
func RequiresAudit(t Struct, role Role) bool {
	return t.Level == LevelDerived && role == RoleControl
}

// Reduce computes the taint level after a verification/sanitization step.
// human_review may drop to any level including trusted. consensus and
// verified_pipeline may reduce by at most one level and never to trusted;
// reducing to the same or a worse level always succeeds.
func Reduce(current, target Level, method ReductionMethod) (Level, error) {
	if target >= current {
		return target, nil
	}
	switch method {
	case ReductionHumanReview:
		return target, nil
	case ReductionConsensus, ReductionVerifiedPipeline:
		if current-target > 1 {
			return current, fmt.Errorf("taint: %s may reduce by at most one level (from %s to %s)", method, current, target)
		}
		if target == LevelTrusted {
			return current, fmt.Errorf("taint: %s may never reduce to trusted", method)
		}
		return target, nil
	default:
		return current, fmt.Errorf("taint: unknown reduction method %q", method)
	}
}

// ForLLMOutput applies the LLM-output transform: clears all sanitization
// bits, caps confidence at plausible, raises level to at least derived
// (hostile stays hostile), and sets source to "llm_output".
func ForLLMOutput(t Struct) Struct {
	out := t
	out.Sanitizations = 0
	if out.Confidence > ConfidencePlausible {
		out.Confidence = ConfidencePlausible
	}
	if out.Level < LevelDerived {
		out.Level = LevelDerived
	}
	out.Source = "llm_output"
	return out
}

// CanonicalMap renders t as a deterministic string-keyed map suitable for
// audit serialization.
func (t Struct) CanonicalMap() map[string]any {
	return map[string]any{
		"level":         t.Level.String(),
		"sensitivity":   t.Sensitivity.String(),
		"sanitizations": uint32(t.Sanitizations),
		"confidence":    t.Confidence.String(),
		"source":        t.Source,
		"chain":         append([]string{}, t.Chain...),
	}
}

// FromCanonicalMap decodes m back into a Struct, fail-closed: any missing
// or unrecognized enum value decodes to the most restrictive valid value.
func FromCanonicalMap(m map[string]any) Struct {
	out := Struct{
		Level:       LevelHostile,
		Sensitivity: SensitivityRestricted,
		Confidence:  ConfidenceUnverified,
	}
	if v, ok := m["level"].(string); ok {
		out.Level = ParseLevel(v)
	}
	if v, ok := m["sensitivity"].(string); ok {
		out.Sensitivity = ParseSensitivity(v)
	}
	if v, ok := m["confidence"].(string); ok {
		out.Confidence = ParseConfidence(v)
	}
	switch v := m["sanitizations"].(type) {
	case uint32:
		out.Sanitizations = Sanitization(v)
	case int:
		out.Sanitizations = Sanitization(v)
	case float64:
		out.Sanitizations = Sanitization(v)
	}
	if v, ok := m["source"].(string); ok {
		out.Source = v
	}
	if v, ok := m["chain"].([]string); ok {
		out.Chain = v
	}
	return out
}
