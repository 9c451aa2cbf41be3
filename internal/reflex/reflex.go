// Package reflex implements the L2 reflex engine: fast declarative
// blocks/warnings over an authorization request's command/path/action
// context, evaluated before any capability lookup. Grounded on
// security.go's ScreenTask heuristic pre-check, generalized from a fixed
// keyword scan into a priority-ordered rule table with pattern/path/
// action/custom kinds and a compiled-regex cache.
package reflex

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Kind distinguishes what field of Context a Rule examines.
type Kind string

const (
	KindPattern Kind = "pattern" // regex over Context["command"]
	KindPath    Kind = "path"    // glob over Context["path"] or any suffix of it following a "/"
	KindAction  Kind = "action"  // equality on Context["action"]
	KindCustom  Kind = "custom"  // predicate over the entire Context
)

// Response is the outcome a matched rule carries.
type Response string

const (
	ResponseBlock Response = "block"
	ResponseWarn  Response = "warn"
)

// Context is the request-shaped input evaluated against every rule.
type Context map[string]string

// Rule is one reflex definition.
type Rule struct {
	ID        string
	Kind      Kind
	Pattern   string // regex (KindPattern) or glob (KindPath)
	Action    string // KindAction equality target
	Custom    func(Context) bool // KindCustom predicate
	Response  Response
	Priority  int
	Enabled   bool
	Message   string
}

// Outcome is the result of Check.
type Outcome struct {
	Blocked bool
	Warned  bool
	Matches []Match
}

// Match pairs a fired rule with its message.
type Match struct {
	RuleID  string
	Message string
}

// Engine evaluates rules in descending priority order. Compiled regex
// forms are cached so repeated Check calls don't re-parse patterns.
type Engine struct {
	mu    sync.Mutex
	rules []Rule
	cache *gocache.Cache
}

func New(rules []Rule) *Engine {
	sorted := append([]Rule{}, rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Engine{rules: sorted, cache: gocache.New(10*time.Minute, time.Hour)}
}

func (e *Engine) compiledRegex(pattern string) (*regexp.Regexp, error) {
	if v, ok := e.cache.Get("re:" + pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.cache.Set("re:"+pattern, re, gocache.NoExpiration)
	return re, nil
}

func (e *Engine) matches(r Rule, ctx Context) bool {
	switch r.Kind {
	case KindPattern:
		re, err := e.compiledRegex(r.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(ctx["command"])
	case KindPath:
		p := ctx["path"]
		for {
			if ok, err := filepath.Match(r.Pattern, p); err == nil && ok {
				return true
			}
			i := strings.Index(p, "/")
			if i < 0 {
				return false
			}
			p = p[i+1:]
		}
	case KindAction:
		return ctx["action"] == r.Action
	case KindCustom:
		return r.Custom != nil && r.Custom(ctx)
	default:
		return false
	}
}

// Check evaluates enabled rules in descending priority order. A block
// match short-circuits immediately and wins over any warn regardless of
// priority ordering. Otherwise every warn match is collected.
func (e *Engine) Check(ctx Context) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	var warns []Match
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if !e.matches(r, ctx) {
			continue
		}
		if r.Response == ResponseBlock {
			return Outcome{Blocked: true, Matches: []Match{{RuleID: r.ID, Message: r.Message}}}
		}
		warns = append(warns, Match{RuleID: r.ID, Message: r.Message})
	}
	if len(warns) > 0 {
		return Outcome{Warned: true, Matches: warns}
	}
	return Outcome{}
}

// Enable turns rule id on, reporting whether it was found.
func (e *Engine) Enable(id string) bool { return e.setEnabled(id, true) }

// Disable turns rule id off, reporting whether it was found. Disabling a
// pattern rule evicts its compiled regex from the cache so a later Enable
// with a changed Pattern never serves a stale compiled form.
func (e *Engine) Disable(id string) bool { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID != id {
			continue
		}
		e.rules[i].Enabled = enabled
		if e.rules[i].Kind == KindPattern {
			e.cache.Delete("re:" + e.rules[i].Pattern)
		}
		return true
	}
	return false
}

// Builtins returns the non-exhaustive default rule set from §4.5: known
// destructive shell idioms (block), privilege escalation (block),
// SSRF-prone targets (block/warn), and sensitive-file access (block/warn).
func Builtins() []Rule {
	return []Rule{
		{ID: "rm_rf_root", Kind: KindPattern, Pattern: `rm\s+(-\w*\s+)*-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/(\s|$)`, Response: ResponseBlock, Priority: 100, Enabled: true, Message: "recursive force delete of root"},
		{ID: "sudo_su", Kind: KindPattern, Pattern: `^\s*(sudo|su)\b`, Response: ResponseBlock, Priority: 100, Enabled: true, Message: "privilege escalation"},
		{ID: "chmod_777", Kind: KindPattern, Pattern: `chmod\s+(-R\s+)?0?777\b`, Response: ResponseBlock, Priority: 90, Enabled: true, Message: "world-writable permission grant"},
		{ID: "dd_block_device", Kind: KindPattern, Pattern: `dd\s+.*of=/dev/`, Response: ResponseBlock, Priority: 90, Enabled: true, Message: "raw write to block device"},
		{ID: "mkfs", Kind: KindPattern, Pattern: `\bmkfs(\.\w+)?\b`, Response: ResponseBlock, Priority: 90, Enabled: true, Message: "filesystem format"},
		{ID: "fork_bomb", Kind: KindPattern, Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, Response: ResponseBlock, Priority: 100, Enabled: true, Message: "fork bomb"},
		{ID: "curl_pipe_shell", Kind: KindPattern, Pattern: `curl\s+.*\|\s*(sh|bash)\b`, Response: ResponseWarn, Priority: 50, Enabled: true, Message: "piping remote content to a shell"},
		{ID: "ssh_private_key", Kind: KindPath, Pattern: "*/.ssh/id_*", Response: ResponseBlock, Priority: 80, Enabled: true, Message: "ssh private key access"},
		{ID: "etc_shadow", Kind: KindPath, Pattern: "/etc/shadow", Response: ResponseBlock, Priority: 80, Enabled: true, Message: "shadow password file access"},
		{ID: "dotenv_file", Kind: KindPath, Pattern: "*/.env", Response: ResponseWarn, Priority: 40, Enabled: true, Message: "environment secrets file"},
		{ID: "cloud_metadata_ssrf", Kind: KindCustom, Custom: func(ctx Context) bool {
			return strings.Contains(ctx["path"], "169.254.169.254")
		}, Response: ResponseBlock, Priority: 95, Enabled: true, Message: "cloud metadata endpoint"},
		{ID: "localhost_request", Kind: KindCustom, Custom: func(ctx Context) bool {
			p := ctx["path"]
			return strings.Contains(p, "localhost") || strings.Contains(p, "127.0.0.1")
		}, Response: ResponseWarn, Priority: 30, Enabled: true, Message: "loopback network target"},
	}
}
