package agent

import (
	"regexp"
	"strings"
	"time"
)

// StopCheckType distinguishes a stop condition the caller must honor (hard)
// from one it may override via OnMaxIterations/infinite-loop mode (soft).
type StopCheckType string

const (
	StopHard StopCheckType = "hard"
	StopSoft StopCheckType = "soft"
)

// StopCheckResult is returned once per iteration by StopChecker.Check.
type StopCheckResult struct {
	ShouldStop bool
	Type       StopCheckType
	Reason     string
	Suggestion string
}

// StopLimits configures the resource and behavioral limits a StopChecker enforces.
type StopLimits struct {
	// MaxIterations caps the number of LLM round-trips. Soft iff OnMaxIterations
	// is set or AllowInfiniteLoop is true; hard otherwise.
	MaxIterations int

	// MaxToolCalls caps the cumulative number of tool calls across the run.
	MaxToolCalls int

	// MaxTotalTokens caps input+output tokens consumed across the run.
	MaxTotalTokens int

	// MaxCompletionTokens caps output tokens consumed across the run.
	MaxCompletionTokens int

	// MaxDurationMs caps wall-clock run duration.
	MaxDurationMs int64

	// MaxCost caps estimated spend, computed from InputCostPer1K/OutputCostPer1K.
	MaxCost float64

	// InputCostPer1K / OutputCostPer1K price a model's input and output tokens
	// per 1,000 tokens, used to estimate MaxCost.
	InputCostPer1K  float64
	OutputCostPer1K float64

	// StopPatterns are literal substrings or `/regex/` patterns; if any match
	// the accumulated assistant text, the run stops (soft).
	StopPatterns []string

	// StopOnTools names tools that, once called, end the run (soft).
	StopOnTools []string

	// MaxConsecutiveFailures caps consecutive LLM/tool failures before the
	// run aborts (hard). The counter is maintained by the loop via
	// RecordFailure/RecordSuccess.
	MaxConsecutiveFailures int

	// OnMaxIterations, if set, is consulted when MaxIterations is reached;
	// returning true continues the loop instead of stopping. Its presence
	// also makes the MaxIterations check soft rather than hard.
	OnMaxIterations func() bool

	// AllowInfiniteLoop disables the MaxIterations check entirely (and makes
	// it soft) regardless of OnMaxIterations.
	AllowInfiniteLoop bool

	// Custom, if set, is consulted after all built-in checks and may veto or
	// force a stop. A nil result means "no opinion".
	Custom func(snap StopSnapshot) *StopCheckResult
}

// StopSnapshot is the loop state handed to StopChecker.Check.
type StopSnapshot struct {
	Iteration         int
	ToolCalls         int
	InputTokens       int
	OutputTokens      int
	StartedAt         time.Time
	AccumulatedText   string
	CalledTools       []string
	ConsecutiveFailed int
}

// StopChecker evaluates StopLimits once per loop iteration. Hard limits
// (iterations, tokens, duration, cost, consecutive failures) are checked
// before soft limits (patterns, tools, custom); the first match wins.
type StopChecker struct {
	limits           StopLimits
	patterns         []*regexp.Regexp
	literalPatterns  []string
	consecutiveFails int
}

// NewStopChecker compiles any regex stop patterns and returns a ready checker.
func NewStopChecker(limits StopLimits) *StopChecker {
	sc := &StopChecker{limits: limits}
	for _, p := range limits.StopPatterns {
		if strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") && len(p) > 1 {
			if re, err := regexp.Compile(p[1 : len(p)-1]); err == nil {
				sc.patterns = append(sc.patterns, re)
				continue
			}
		}
		sc.literalPatterns = append(sc.literalPatterns, p)
	}
	return sc
}

// RecordFailure increments the consecutive-failure counter after a failed
// LLM or tool call.
func (s *StopChecker) RecordFailure() {
	s.consecutiveFails++
}

// RecordSuccess resets the consecutive-failure counter after any success.
func (s *StopChecker) RecordSuccess() {
	s.consecutiveFails = 0
}

// Check evaluates all configured limits against the current snapshot.
func (s *StopChecker) Check(snap StopSnapshot) StopCheckResult {
	snap.ConsecutiveFailed = s.consecutiveFails

	if r := s.checkHardLimits(snap); r.ShouldStop {
		return r
	}
	if r := s.checkSoftLimits(snap); r.ShouldStop {
		return r
	}
	if s.limits.Custom != nil {
		if r := s.limits.Custom(snap); r != nil {
			return *r
		}
	}
	return StopCheckResult{}
}

func (s *StopChecker) checkHardLimits(snap StopSnapshot) StopCheckResult {
	l := s.limits

	if !l.AllowInfiniteLoop && l.MaxIterations > 0 && snap.Iteration >= l.MaxIterations {
		if l.OnMaxIterations != nil {
			if !l.OnMaxIterations() {
				return StopCheckResult{ShouldStop: true, Type: StopSoft, Reason: "max iterations reached", Suggestion: "increase MaxIterations or return true from OnMaxIterations to continue"}
			}
		} else {
			return StopCheckResult{ShouldStop: true, Type: StopHard, Reason: "max iterations reached", Suggestion: "increase MaxIterations or set OnMaxIterations to continue past the limit"}
		}
	}

	if l.MaxToolCalls > 0 && snap.ToolCalls >= l.MaxToolCalls {
		return StopCheckResult{ShouldStop: true, Type: StopHard, Reason: "max tool calls reached", Suggestion: "increase MaxToolCalls if the task genuinely needs more tool invocations"}
	}

	if l.MaxTotalTokens > 0 && snap.InputTokens+snap.OutputTokens >= l.MaxTotalTokens {
		return StopCheckResult{ShouldStop: true, Type: StopHard, Reason: "max total tokens reached", Suggestion: "increase MaxTotalTokens or summarize context to reduce usage"}
	}

	if l.MaxCompletionTokens > 0 && snap.OutputTokens >= l.MaxCompletionTokens {
		return StopCheckResult{ShouldStop: true, Type: StopHard, Reason: "max completion tokens reached"}
	}

	if l.MaxDurationMs > 0 && !snap.StartedAt.IsZero() {
		if elapsed := time.Since(snap.StartedAt).Milliseconds(); elapsed >= l.MaxDurationMs {
			return StopCheckResult{ShouldStop: true, Type: StopHard, Reason: "max duration reached", Suggestion: "increase MaxWallTime or break the task into smaller runs"}
		}
	}

	if l.MaxCost > 0 {
		cost := estimateCost(snap.InputTokens, snap.OutputTokens, l.InputCostPer1K, l.OutputCostPer1K)
		if cost >= l.MaxCost {
			return StopCheckResult{ShouldStop: true, Type: StopHard, Reason: "max estimated cost reached", Suggestion: "increase MaxCost or use a cheaper model"}
		}
	}

	if l.MaxConsecutiveFailures > 0 && snap.ConsecutiveFailed >= l.MaxConsecutiveFailures {
		return StopCheckResult{ShouldStop: true, Type: StopHard, Reason: "too many consecutive failures", Suggestion: "inspect the last tool/LLM errors before retrying"}
	}

	return StopCheckResult{}
}

func (s *StopChecker) checkSoftLimits(snap StopSnapshot) StopCheckResult {
	for _, re := range s.patterns {
		if re.MatchString(snap.AccumulatedText) {
			return StopCheckResult{ShouldStop: true, Type: StopSoft, Reason: "stop pattern matched: " + re.String()}
		}
	}
	for _, lit := range s.literalPatterns {
		if strings.Contains(snap.AccumulatedText, lit) {
			return StopCheckResult{ShouldStop: true, Type: StopSoft, Reason: "stop pattern matched: " + lit}
		}
	}

	if len(s.limits.StopOnTools) > 0 {
		for _, called := range snap.CalledTools {
			for _, stopTool := range s.limits.StopOnTools {
				if called == stopTool {
					return StopCheckResult{ShouldStop: true, Type: StopSoft, Reason: "stop-on-tool called: " + called}
				}
			}
		}
	}

	return StopCheckResult{}
}

func estimateCost(inputTokens, outputTokens int, inputPer1K, outputPer1K float64) float64 {
	return float64(inputTokens)/1000*inputPer1K + float64(outputTokens)/1000*outputPer1K
}
