// Package guardrail implements a small rule engine that checks agent
// input, output, and tool calls against user-extensible rules before
// they reach the model, the caller, or a tool.
package guardrail

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// Severity ranks how serious a rule violation is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Result is what a single rule returns after checking a hook.
type Result struct {
	RuleID   string
	Passed   bool
	Message  string
	Severity Severity
}

// InputRule checks raw inbound text (a user message) before it reaches the model.
type InputRule interface {
	CheckInput(ctx context.Context, text string) Result
}

// OutputRule checks the model's draft output text before it reaches the caller.
type OutputRule interface {
	CheckOutput(ctx context.Context, text string) Result
}

// ToolCallRule checks a tool call's name and arguments before dispatch.
type ToolCallRule interface {
	CheckToolCall(ctx context.Context, name string, args json.RawMessage) Result
}

// Rule may implement any subset of InputRule, OutputRule, and ToolCallRule;
// hooks the rule does not implement are simply never invoked for it.
type Rule interface{}

// Engine runs a configured set of rules across the three hooks and
// decides whether the aggregate results should block the request.
type Engine struct {
	rules          []Rule
	blockThreshold Severity
}

// New returns an Engine with the built-in rules plus any extra rules supplied.
// blockThreshold is the minimum severity of a failed result that triggers
// shouldBlock; SeverityHigh is used if threshold is zero-valued (SeverityInfo
// would block on every failed rule, which is never the intended default).
func New(blockThreshold Severity, extra ...Rule) *Engine {
	if blockThreshold == SeverityInfo {
		blockThreshold = SeverityHigh
	}
	rules := append([]Rule{
		promptInjectionRule{},
		piiRule{},
	}, extra...)
	return &Engine{rules: rules, blockThreshold: blockThreshold}
}

// CheckInput runs every InputRule against text.
func (e *Engine) CheckInput(ctx context.Context, text string) []Result {
	var results []Result
	for _, r := range e.rules {
		if ir, ok := r.(InputRule); ok {
			results = append(results, ir.CheckInput(ctx, text))
		}
	}
	return results
}

// CheckOutput runs every OutputRule against text.
func (e *Engine) CheckOutput(ctx context.Context, text string) []Result {
	var results []Result
	for _, r := range e.rules {
		if or, ok := r.(OutputRule); ok {
			results = append(results, or.CheckOutput(ctx, text))
		}
	}
	return results
}

// CheckToolCall runs every ToolCallRule against a tool invocation.
func (e *Engine) CheckToolCall(ctx context.Context, name string, args json.RawMessage) []Result {
	var results []Result
	for _, r := range e.rules {
		if tr, ok := r.(ToolCallRule); ok {
			results = append(results, tr.CheckToolCall(ctx, name, args))
		}
	}
	return results
}

// ShouldBlock reports whether any failed result in results meets or
// exceeds the engine's configured block threshold.
func (e *Engine) ShouldBlock(results []Result) bool {
	for _, r := range results {
		if !r.Passed && r.Severity >= e.blockThreshold {
			return true
		}
	}
	return false
}

// FirstViolation returns the message of the first failed, blocking result, or "".
func (e *Engine) FirstViolation(results []Result) string {
	for _, r := range results {
		if !r.Passed && r.Severity >= e.blockThreshold {
			return r.Message
		}
	}
	return ""
}

// FilterOutput replaces text with a placeholder if output rules call for a
// block.
func (e *Engine) FilterOutput(ctx context.Context, text string) (string, []Result) {
	results := e.CheckOutput(ctx, text)
	if e.ShouldBlock(results) {
		return "[Content filtered: " + e.FirstViolation(results) + "]", results
	}
	return text, results
}

// --- built-in rules ---

type promptInjectionRule struct{}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all|any|previous|prior) instructions`),
	regexp.MustCompile(`(?i)disregard (the|your|all) (system|previous) prompt`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`),
	regexp.MustCompile(`(?i)reveal (your|the) (system prompt|hidden instructions)`),
}

func (promptInjectionRule) CheckInput(_ context.Context, text string) Result {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return Result{
				RuleID:   "prompt-injection",
				Passed:   false,
				Message:  "input matches a prompt-injection sentinel pattern",
				Severity: SeverityHigh,
			}
		}
	}
	return Result{RuleID: "prompt-injection", Passed: true}
}

type piiRule struct{}

var (
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	emailPattern      = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)
)

func (piiRule) CheckOutput(_ context.Context, text string) Result {
	if ssnPattern.MatchString(text) {
		return Result{RuleID: "pii", Passed: false, Message: "output contains what looks like a social security number", Severity: SeverityCritical}
	}
	if creditCardPattern.MatchString(strings.ReplaceAll(text, " ", "")) {
		return Result{RuleID: "pii", Passed: false, Message: "output contains what looks like a credit card number", Severity: SeverityCritical}
	}
	return Result{RuleID: "pii", Passed: true}
}

func (piiRule) CheckInput(_ context.Context, text string) Result {
	if emailPattern.MatchString(text) {
		return Result{RuleID: "pii", Passed: false, Message: "input contains an email address", Severity: SeverityLow}
	}
	return Result{RuleID: "pii", Passed: true}
}

// DestructiveToolRule blocks tool calls whose name matches a configured
// destructive pattern unless the arguments carry an explicit confirm flag.
type DestructiveToolRule struct {
	Patterns []*regexp.Regexp
}

// NewDestructiveToolRule compiles the given glob-ish substrings (e.g.
// "delete_*", "drop_table") into a DestructiveToolRule.
func NewDestructiveToolRule(names ...string) DestructiveToolRule {
	var patterns []*regexp.Regexp
	for _, n := range names {
		escaped := regexp.QuoteMeta(n)
		escaped = strings.ReplaceAll(escaped, `\*`, ".*")
		if re, err := regexp.Compile("^" + escaped + "$"); err == nil {
			patterns = append(patterns, re)
		}
	}
	return DestructiveToolRule{Patterns: patterns}
}

func (d DestructiveToolRule) CheckToolCall(_ context.Context, name string, args json.RawMessage) Result {
	matched := false
	for _, re := range d.Patterns {
		if re.MatchString(name) {
			matched = true
			break
		}
	}
	if !matched {
		return Result{RuleID: "destructive-tool", Passed: true}
	}

	var payload struct {
		Confirm bool `json:"confirm"`
	}
	_ = json.Unmarshal(args, &payload)
	if payload.Confirm {
		return Result{RuleID: "destructive-tool", Passed: true}
	}
	return Result{
		RuleID:   "destructive-tool",
		Passed:   false,
		Message:  "destructive tool call " + name + " requires confirm=true",
		Severity: SeverityHigh,
	}
}
