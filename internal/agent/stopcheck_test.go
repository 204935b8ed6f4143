package agent

import (
	"testing"
	"time"
)

func TestStopChecker_MaxIterationsHard(t *testing.T) {
	sc := NewStopChecker(StopLimits{MaxIterations: 3})

	r := sc.Check(StopSnapshot{Iteration: 3})
	if !r.ShouldStop || r.Type != StopHard {
		t.Fatalf("expected hard stop at iteration 3, got %+v", r)
	}
}

func TestStopChecker_MaxIterationsSoftWithCallback(t *testing.T) {
	continued := false
	sc := NewStopChecker(StopLimits{
		MaxIterations: 2,
		OnMaxIterations: func() bool {
			continued = true
			return true
		},
	})

	r := sc.Check(StopSnapshot{Iteration: 2})
	if r.ShouldStop {
		t.Fatalf("expected OnMaxIterations to allow continuing, got %+v", r)
	}
	if !continued {
		t.Error("expected OnMaxIterations to be invoked")
	}
}

func TestStopChecker_MaxToolCalls(t *testing.T) {
	sc := NewStopChecker(StopLimits{MaxToolCalls: 5})
	r := sc.Check(StopSnapshot{ToolCalls: 5})
	if !r.ShouldStop || r.Type != StopHard {
		t.Fatalf("expected hard stop on tool calls, got %+v", r)
	}
}

func TestStopChecker_MaxTotalTokens(t *testing.T) {
	sc := NewStopChecker(StopLimits{MaxTotalTokens: 1000})
	r := sc.Check(StopSnapshot{InputTokens: 600, OutputTokens: 400})
	if !r.ShouldStop {
		t.Fatal("expected stop on total token budget")
	}
}

func TestStopChecker_MaxCost(t *testing.T) {
	sc := NewStopChecker(StopLimits{
		MaxCost:         1.0,
		InputCostPer1K:  1.0,
		OutputCostPer1K: 1.0,
	})
	r := sc.Check(StopSnapshot{InputTokens: 500, OutputTokens: 500})
	if !r.ShouldStop {
		t.Fatal("expected stop when estimated cost exceeds MaxCost")
	}
}

func TestStopChecker_MaxDuration(t *testing.T) {
	sc := NewStopChecker(StopLimits{MaxDurationMs: 10})
	r := sc.Check(StopSnapshot{StartedAt: time.Now().Add(-50 * time.Millisecond)})
	if !r.ShouldStop || r.Type != StopHard {
		t.Fatalf("expected hard stop on duration, got %+v", r)
	}
}

func TestStopChecker_ConsecutiveFailures(t *testing.T) {
	sc := NewStopChecker(StopLimits{MaxConsecutiveFailures: 2})
	sc.RecordFailure()
	sc.RecordFailure()

	r := sc.Check(StopSnapshot{})
	if !r.ShouldStop || r.Type != StopHard {
		t.Fatalf("expected hard stop on consecutive failures, got %+v", r)
	}
}

func TestStopChecker_ConsecutiveFailuresResetOnSuccess(t *testing.T) {
	sc := NewStopChecker(StopLimits{MaxConsecutiveFailures: 2})
	sc.RecordFailure()
	sc.RecordSuccess()
	sc.RecordFailure()

	r := sc.Check(StopSnapshot{})
	if r.ShouldStop {
		t.Fatalf("expected no stop after failure counter reset, got %+v", r)
	}
}

func TestStopChecker_StopPatternLiteral(t *testing.T) {
	sc := NewStopChecker(StopLimits{StopPatterns: []string{"TASK_COMPLETE"}})
	r := sc.Check(StopSnapshot{AccumulatedText: "done. TASK_COMPLETE"})
	if !r.ShouldStop || r.Type != StopSoft {
		t.Fatalf("expected soft stop on literal pattern match, got %+v", r)
	}
}

func TestStopChecker_StopPatternRegex(t *testing.T) {
	sc := NewStopChecker(StopLimits{StopPatterns: []string{"/^DONE:.*$/"}})
	r := sc.Check(StopSnapshot{AccumulatedText: "DONE: all set"})
	if !r.ShouldStop || r.Type != StopSoft {
		t.Fatalf("expected soft stop on regex pattern match, got %+v", r)
	}
}

func TestStopChecker_StopOnTools(t *testing.T) {
	sc := NewStopChecker(StopLimits{StopOnTools: []string{"finish_task"}})
	r := sc.Check(StopSnapshot{CalledTools: []string{"search", "finish_task"}})
	if !r.ShouldStop || r.Type != StopSoft {
		t.Fatalf("expected soft stop when a stop-tool was called, got %+v", r)
	}
}

func TestStopChecker_HardBeforeSoft(t *testing.T) {
	sc := NewStopChecker(StopLimits{
		MaxIterations: 1,
		StopPatterns:  []string{"done"},
	})
	r := sc.Check(StopSnapshot{Iteration: 1, AccumulatedText: "done"})
	if r.Type != StopHard {
		t.Fatalf("expected hard limit to win over soft match, got %+v", r)
	}
}

func TestStopChecker_Custom(t *testing.T) {
	sc := NewStopChecker(StopLimits{
		Custom: func(snap StopSnapshot) *StopCheckResult {
			if snap.Iteration > 10 {
				return &StopCheckResult{ShouldStop: true, Type: StopSoft, Reason: "custom veto"}
			}
			return nil
		},
	})
	r := sc.Check(StopSnapshot{Iteration: 11})
	if !r.ShouldStop || r.Reason != "custom veto" {
		t.Fatalf("expected custom stop, got %+v", r)
	}
}

func TestStopChecker_NoLimitsNeverStops(t *testing.T) {
	sc := NewStopChecker(StopLimits{})
	r := sc.Check(StopSnapshot{Iteration: 1000, ToolCalls: 1000, InputTokens: 1_000_000})
	if r.ShouldStop {
		t.Fatalf("expected no stop with no limits configured, got %+v", r)
	}
}
