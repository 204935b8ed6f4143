package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Summary is a compact digest of a session's recent events, persisted so
// the compaction manager can inject it into a future system prompt
// instead of the raw history it summarizes.
type Summary struct {
	ID        string
	SessionID string
	Short     string
	Bullets   []string
	Todos     []Todo
	CreatedAt time.Time
}

// Todo is a single extracted action item, tracked across summaries so
// completion can be detected on a later pass.
type Todo struct {
	Text      string
	Done      bool
	CreatedAt time.Time
}

// SummarizerLimits bounds how many bullets/decisions/todos a Summary keeps.
type SummarizerLimits struct {
	MaxBullets   int
	MaxDecisions int
	MaxTodos     int
}

// DefaultSummarizerLimits are the rule-based extractor's default caps.
func DefaultSummarizerLimits() SummarizerLimits {
	return SummarizerLimits{MaxBullets: 10, MaxDecisions: 5, MaxTodos: 10}
}

var (
	significantToolPattern = regexp.MustCompile(`(?i)read|write|create|delete|modify|search|find|query|api|fetch|request|execute|run|shell`)
	conclusionPattern      = regexp.MustCompile(`(?i)\b(in conclusion|to summarize|therefore|in summary|so the|this means)\b`)
	bareConfirmationPattern = regexp.MustCompile(`(?i)^\s*(ok|okay|yes|sure|thanks|got it)\.?\s*$`)

	todoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)please\s+(.+?)(?:[.!?]|$)`),
		regexp.MustCompile(`(?i)todo:\s*(.+?)(?:[.!?]|$)`),
		regexp.MustCompile(`(?i)remember to\s+(.+?)(?:[.!?]|$)`),
	}
)

// Summarizer turns a session's recent events into a Summary, carrying
// forward incomplete todos from the previous summary.
type Summarizer struct {
	limits SummarizerLimits
}

// NewSummarizer creates a rule-based Summarizer with the given limits.
func NewSummarizer(limits SummarizerLimits) *Summarizer {
	if limits.MaxBullets <= 0 {
		limits.MaxBullets = 10
	}
	if limits.MaxDecisions <= 0 {
		limits.MaxDecisions = 5
	}
	if limits.MaxTodos <= 0 {
		limits.MaxTodos = 10
	}
	return &Summarizer{limits: limits}
}

// summaryEvent is the minimal shape the summarizer needs from an Event's
// decoded payload; callers populate it from whatever Event.Data carries.
type summaryEvent struct {
	Type    string // "message", "tool_call", "tool_result", "decision", "state_change"
	Role    string // "user", "assistant" (message events only)
	Content string
}

// Summarize produces a new Summary from events, carrying forward any
// incomplete todos from previous.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string, events []summaryEvent, previous *Summary) *Summary {
	var messageCount, toolCallCount, decisionCount int
	var bullets []string
	var decisions []string

	for _, ev := range events {
		switch ev.Type {
		case "message":
			messageCount++
			if ev.Role == "user" && len(ev.Content) >= 20 && !bareConfirmationPattern.MatchString(ev.Content) {
				bullets = append(bullets, "User: "+truncateBullet(ev.Content))
			}
			if ev.Role == "assistant" && conclusionPattern.MatchString(ev.Content) {
				bullets = append(bullets, "Assistant: "+truncateBullet(ev.Content))
			}
		case "tool_call":
			toolCallCount++
			if significantToolPattern.MatchString(ev.Content) {
				bullets = append(bullets, "Tool call: "+truncateBullet(ev.Content))
			}
		case "decision":
			decisionCount++
			decisions = append(decisions, truncateBullet(ev.Content))
		case "state_change":
			bullets = append(bullets, "State change: "+truncateBullet(ev.Content))
		}
	}

	todos := s.extractTodos(events, previous)

	if len(decisions) > s.limits.MaxDecisions {
		decisions = decisions[:s.limits.MaxDecisions]
	}
	bullets = append(decisions, bullets...)
	if len(bullets) > s.limits.MaxBullets {
		bullets = bullets[:s.limits.MaxBullets]
	}
	if len(todos) > s.limits.MaxTodos {
		todos = todos[:s.limits.MaxTodos]
	}

	pending := 0
	for _, t := range todos {
		if !t.Done {
			pending++
		}
	}

	short := fmt.Sprintf("%d messages, %d tool calls, %d decisions, %d pending todos",
		messageCount, toolCallCount, decisionCount, pending)

	return &Summary{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Short:     short,
		Bullets:   bullets,
		Todos:     todos,
		CreatedAt: time.Now().UTC(),
	}
}

// extractTodos carries forward previous incomplete todos (marking them
// done if a later event's content mentions one of their keywords), then
// appends freshly extracted todos from this batch of events.
func (s *Summarizer) extractTodos(events []summaryEvent, previous *Summary) []Todo {
	var carried []Todo
	if previous != nil {
		carried = append(carried, previous.Todos...)
	}

	for i := range carried {
		if carried[i].Done {
			continue
		}
		keywords := significantWords(carried[i].Text)
		for _, ev := range events {
			if ev.Type != "message" && ev.Type != "tool_result" {
				continue
			}
			if ev.Type == "message" && ev.Role != "assistant" {
				continue
			}
			if containsAnyKeyword(ev.Content, keywords) {
				carried[i].Done = true
				break
			}
		}
	}

	for _, ev := range events {
		if ev.Type != "message" || ev.Role != "user" {
			continue
		}
		for _, pat := range todoPatterns {
			for _, m := range pat.FindAllStringSubmatch(ev.Content, -1) {
				if len(m) < 2 {
					continue
				}
				carried = append(carried, Todo{Text: strings.TrimSpace(m[1]), CreatedAt: time.Now().UTC()})
			}
		}
	}

	return carried
}

func significantWords(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) > 3 {
			out = append(out, strings.ToLower(w))
		}
	}
	return out
}

func containsAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func truncateBullet(text string) string {
	text = strings.TrimSpace(text)
	const maxLen = 140
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "…"
}

// sortByConfidenceDesc is used by the retriever when assembling profile
// items; kept here since it operates on the same ordering rule as List.
func sortByConfidenceDesc(items []*ProfileItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Explicit != items[j].Explicit {
			return items[i].Explicit
		}
		return items[i].Confidence > items[j].Confidence
	})
}
