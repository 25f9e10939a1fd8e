package speedlayer

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// ruleDecision is the closed set of outcomes a policy rule may produce.
type ruleDecision string

const (
	ruleApprove ruleDecision = "approve"
	ruleBlock   ruleDecision = "block"
)

// policyRule is one (priority, predicate, decision) triple, loaded from
// YAML. Predicates match on tool name (exact or regex) and, optionally, a
// set of "protected path" argument values.
type policyRule struct {
	Priority      int          `yaml:"priority"`
	ToolPattern   string       `yaml:"tool_pattern"`
	ProtectedPath string       `yaml:"protected_path,omitempty"`
	Decision      ruleDecision `yaml:"decision"`
	Reason        string       `yaml:"reason"`

	compiled *regexp.Regexp
}

type policyFile struct {
	Rules []policyRule `yaml:"rules"`
}

// policyEngine is tier 2: an ordered, atomically-reloadable rule list.
type policyEngine struct {
	rules atomic.Pointer[[]policyRule]
}

func newPolicyEngine() *policyEngine {
	e := &policyEngine{}
	empty := []policyRule{}
	e.rules.Store(&empty)
	return e
}

// LoadFile parses path as YAML and atomically swaps in the new rule set,
// sorted by descending priority (highest priority evaluated first). A
// malformed file leaves the current rule set untouched.
func (e *policyEngine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return lherr.Wrap(lherr.KindInvalidPayload, err, "read policy file")
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return lherr.Wrap(lherr.KindInvalidPayload, err, "parse policy yaml")
	}
	return e.LoadRules(pf.Rules)
}

// LoadRules compiles and atomically installs rules, replacing whatever
// rule set (file-loaded or programmatic) was previously active.
func (e *policyEngine) LoadRules(rules []policyRule) error {
	compiled := make([]policyRule, len(rules))
	copy(compiled, rules)
	for i := range compiled {
		re, err := regexp.Compile(compiled[i].ToolPattern)
		if err != nil {
			return lherr.Wrap(lherr.KindInvalidPayload, err, "compile tool_pattern %q", compiled[i].ToolPattern)
		}
		compiled[i].compiled = re
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority > compiled[j].Priority })
	e.rules.Store(&compiled)
	return nil
}

// evaluate returns the first matching rule's decision, or ok=false if no
// rule matches (inconclusive — falls through to tier 3).
func (e *policyEngine) evaluate(req Request) (Decision, bool) {
	rules := *e.rules.Load()
	for _, r := range rules {
		if !r.compiled.MatchString(req.ToolName) {
			continue
		}
		if r.ProtectedPath != "" && !argsContainPath(req.ToolInput, r.ProtectedPath) {
			continue
		}
		return Decision{Approved: r.Decision == ruleApprove, Tier: TierPolicyHit, Reason: r.Reason}, true
	}
	return Decision{}, false
}

func argsContainPath(input map[string]any, protected string) bool {
	for _, v := range input {
		if s, ok := v.(string); ok && strings.Contains(s, protected) {
			return true
		}
	}
	return false
}

// DefaultDenylistSafelist returns the hard denylist and safelist rules
// named by spec.md §4.4: recursive deletion of protected paths, raw device
// access, and privileged package operations always block; read-only tools
// always approve. Callers typically load these before (or instead of) an
// operator-supplied policy file.
func DefaultDenylistSafelist() []policyRule {
	return []policyRule{
		{Priority: 1000, ToolPattern: `^(shell|exec)\.rm$`, ProtectedPath: "/", Decision: ruleBlock, Reason: "recursive deletion of protected path"},
		{Priority: 1000, ToolPattern: `^Bash$`, ProtectedPath: "rm -rf /", Decision: ruleBlock, Reason: "recursive deletion of protected path"},
		{Priority: 1000, ToolPattern: `.*\.(raw_device|dd)$`, Decision: ruleBlock, Reason: "raw device access"},
		{Priority: 1000, ToolPattern: `^(apt|yum|dnf|pip|npm)\.install$`, Decision: ruleBlock, Reason: "privileged package operation"},
		{Priority: 0, ToolPattern: `^(fs|shell)\.(read|cat|ls|stat|grep)$`, Decision: ruleApprove, Reason: "read-only tool safelisted"},
		{Priority: 0, ToolPattern: `^Read$`, Decision: ruleApprove, Reason: "read-only tool safelisted"},
	}
}
