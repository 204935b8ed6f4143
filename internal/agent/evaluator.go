package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentkit/conductor/pkg/models"
)

// EvalContext carries the information an Evaluator needs to judge a
// draft final answer: the request that produced it, the tool results
// that informed it, and where the loop stands in its retry budget.
type EvalContext struct {
	OriginalRequest string
	ToolResults     []models.ToolResult
	RetryCount      int
	MaxRetries      int
}

// EvalResult is the verdict an Evaluator returns for a draft answer.
type EvalResult struct {
	Score       float64
	Passed      bool
	Issues      []string
	Suggestions []string
	RetryReason string
}

// Evaluator judges a draft final answer before it is returned to the
// caller, optionally asking for another LLM iteration.
type Evaluator interface {
	Evaluate(ctx context.Context, draft string, evalCtx EvalContext) (*EvalResult, error)
}

// SelfChecker re-reads a draft answer against the tool results that
// informed it and flags contradictions without blocking the response.
type SelfChecker interface {
	SelfCheck(ctx context.Context, draft string, evalCtx EvalContext) (*EvalResult, error)
}

// RuleEvaluator is the default, dependency-free Evaluator. It scores a
// draft answer against a small set of structural rules: non-empty
// content, no dangling placeholders, and (optionally) a caller-supplied
// set of required substrings the answer must address.
type RuleEvaluator struct {
	// MinScore is the score below which Passed is false. Default 0.6.
	MinScore float64

	// RequiredSubstrings lists phrases that must appear (case-insensitive)
	// somewhere in the draft for it to pass, e.g. acknowledgement of a
	// constraint stated in the original request.
	RequiredSubstrings []string

	// MaxLength caps draft length before it is penalized as likely
	// rambling or looping. 0 disables the check.
	MaxLength int
}

// NewRuleEvaluator returns a RuleEvaluator with sensible defaults.
func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{MinScore: 0.6}
}

var placeholderMarkers = []string{
	"TODO",
	"FIXME",
	"<insert",
	"[placeholder]",
	"lorem ipsum",
}

// Evaluate scores the draft per the configured rules.
func (e *RuleEvaluator) Evaluate(_ context.Context, draft string, evalCtx EvalContext) (*EvalResult, error) {
	minScore := e.MinScore
	if minScore <= 0 {
		minScore = 0.6
	}

	result := &EvalResult{Score: 1.0}
	trimmed := strings.TrimSpace(draft)

	if trimmed == "" {
		result.Score = 0
		result.Issues = append(result.Issues, "draft answer is empty")
		result.RetryReason = "produce a non-empty final answer"
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			result.Score -= 0.3
			result.Issues = append(result.Issues, fmt.Sprintf("draft contains placeholder marker %q", marker))
		}
	}

	for _, req := range e.RequiredSubstrings {
		if !strings.Contains(lower, strings.ToLower(req)) {
			result.Score -= 0.2
			result.Issues = append(result.Issues, fmt.Sprintf("draft does not address required point %q", req))
			result.Suggestions = append(result.Suggestions, fmt.Sprintf("address %q before finishing", req))
		}
	}

	if e.MaxLength > 0 && len(trimmed) > e.MaxLength {
		result.Score -= 0.1
		result.Issues = append(result.Issues, "draft exceeds configured maximum length")
		result.Suggestions = append(result.Suggestions, "tighten the answer instead of repeating earlier content")
	}

	if anyToolResultFailed(evalCtx.ToolResults) && !strings.Contains(lower, "error") && !strings.Contains(lower, "fail") {
		result.Score -= 0.15
		result.Issues = append(result.Issues, "a tool call failed but the draft does not acknowledge it")
		result.Suggestions = append(result.Suggestions, "mention the failed tool call and how it affects the answer")
	}

	if result.Score < 0 {
		result.Score = 0
	}
	result.Passed = result.Score >= minScore
	if !result.Passed && result.RetryReason == "" && len(result.Issues) > 0 {
		result.RetryReason = result.Issues[0]
	}

	return result, nil
}

// SelfCheck re-reads the draft against the tool results supplied in
// evalCtx and reports contradictions as non-blocking issues. A tool
// result is contradicted when the draft asserts something that
// disagrees with the verbatim content of a successful tool result
// containing the same keyed fact (a crude, regex-free consistency pass
// favoring cheap heuristics before reaching for an LLM judge).
func (e *RuleEvaluator) SelfCheck(_ context.Context, draft string, evalCtx EvalContext) (*EvalResult, error) {
	result := &EvalResult{Score: 1.0, Passed: true}
	lower := strings.ToLower(draft)

	for _, tr := range evalCtx.ToolResults {
		if tr.IsError {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(tr.Content), &payload); err != nil {
			continue
		}
		for k, v := range payload {
			vs, ok := v.(string)
			if !ok || vs == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(k)) && !strings.Contains(lower, strings.ToLower(vs)) {
				result.Issues = append(result.Issues, fmt.Sprintf("draft mentions %q but does not carry the tool-reported value %q", k, vs))
			}
		}
	}

	return result, nil
}

// EvaluatorConfig wires an Evaluator into the loop's completion branch.
type EvaluatorConfig struct {
	Evaluator Evaluator
	// MaxEvalRetries caps the number of additional LLM iterations the
	// loop will run after a failed evaluation. 0 disables retries.
	MaxEvalRetries int
	// RunSelfCheck runs the evaluator's SelfCheck pass (if it implements
	// SelfChecker) and appends any issues found as non-blocking feedback.
	RunSelfCheck bool
}

// buildFeedbackMessage renders an EvalResult as a user-role feedback
// message appended to the conversation so the model can retry.
func buildFeedbackMessage(result *EvalResult) CompletionMessage {
	var sb strings.Builder
	sb.WriteString("Your previous answer did not pass review.")
	if result.RetryReason != "" {
		fmt.Fprintf(&sb, " Reason: %s.", result.RetryReason)
	}
	for _, issue := range result.Issues {
		fmt.Fprintf(&sb, "\n- %s", issue)
	}
	for _, suggestion := range result.Suggestions {
		fmt.Fprintf(&sb, "\nSuggestion: %s", suggestion)
	}
	sb.WriteString("\nPlease revise your answer.")
	return CompletionMessage{Role: "user", Content: sb.String()}
}
