package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentkit/conductor/pkg/models"
)

// RetrieveRequest selects what a Retriever should assemble into a bundle.
type RetrieveRequest struct {
	SessionID string
	Query     string
	TaskID    string
	Budget    *BundleBudget
}

// BundleBudget bounds how many estimated tokens each layer of a
// MemoryBundle may contribute, in descending priority order.
type BundleBudget struct {
	ProfileTokens       int
	TaskStateTokens     int
	RecentEventsTokens  int
	RetrievedTokens     int
	SummaryTokens       int
	MaxRecentEvents     int
}

// DefaultBundleBudget matches the retriever's defaults when the caller
// does not supply one.
func DefaultBundleBudget() *BundleBudget {
	return &BundleBudget{
		ProfileTokens:      500,
		TaskStateTokens:    800,
		RecentEventsTokens: 1500,
		RetrievedTokens:    1500,
		SummaryTokens:      600,
		MaxRecentEvents:    50,
	}
}

// MemoryBundle is the assembled context a Retriever hands back for
// injection into a system prompt.
type MemoryBundle struct {
	Profile         []*ProfileItem
	TaskState       *TaskState
	RecentEvents    []*Event
	RetrievedChunks []*models.SearchResult
	Summary         *Summary
	Warnings        []string
	TotalTokens     int
	Timestamp       time.Time
}

const recentEventsWindow = 30 * time.Minute
const staleTaskStateAfter = 24 * time.Hour

// Retriever assembles a MemoryBundle from the profile store, task-state
// store, event store, summary store, and (optionally) semantic search, in
// parallel, then trims each layer to its token budget.
type Retriever struct {
	profiles   *ProfileStore
	tasks      *TaskStateStore
	events     *EventStore
	summaries  *SummaryStore
	semantic   *Manager
}

// NewRetriever wires a Retriever's stores. semantic may be nil to disable
// semantic search (retrieve still works, RetrievedChunks is simply empty).
func NewRetriever(profiles *ProfileStore, tasks *TaskStateStore, events *EventStore, summaries *SummaryStore, semantic *Manager) *Retriever {
	return &Retriever{profiles: profiles, tasks: tasks, events: events, summaries: summaries, semantic: semantic}
}

// Retrieve assembles the bundle for req.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) (*MemoryBundle, error) {
	budget := req.Budget
	if budget == nil {
		budget = DefaultBundleBudget()
	}

	var (
		wg                                          sync.WaitGroup
		profile                                     []*ProfileItem
		taskState                                   *TaskState
		recent                                      []*Event
		chunks                                      []*models.SearchResult
		summary                                     *Summary
		profileErr, taskErr, eventsErr, summaryErr, searchErr error
	)

	wg.Add(5)
	go func() {
		defer wg.Done()
		if req.SessionID == "" {
			return
		}
		profile, profileErr = r.profiles.List(ctx, req.SessionID)
	}()
	go func() {
		defer wg.Done()
		if req.TaskID != "" {
			taskState, taskErr = r.tasks.Get(ctx, req.TaskID)
			return
		}
		taskState, taskErr = r.tasks.GetCurrent(ctx, req.SessionID)
	}()
	go func() {
		defer wg.Done()
		if req.SessionID == "" {
			return
		}
		recent, eventsErr = r.events.Query(ctx, EventQuery{
			SessionID: req.SessionID,
			Since:     time.Now().UTC().Add(-recentEventsWindow),
			Limit:     budget.MaxRecentEvents,
		})
	}()
	go func() {
		defer wg.Done()
		if req.SessionID == "" {
			return
		}
		summary, summaryErr = r.summaries.Latest(ctx, req.SessionID)
	}()
	go func() {
		defer wg.Done()
		if req.Query == "" || r.semantic == nil {
			return
		}
		var resp *models.SearchResponse
		resp, searchErr = r.semantic.Search(ctx, &models.SearchRequest{
			Query:   req.Query,
			ScopeID: req.SessionID,
		})
		if resp != nil {
			chunks = resp.Results
		}
	}()
	wg.Wait()

	if profileErr != nil {
		return nil, fmt.Errorf("retrieve profile: %w", profileErr)
	}
	if taskErr != nil && !isNotFound(taskErr) {
		return nil, fmt.Errorf("retrieve task state: %w", taskErr)
	}
	if eventsErr != nil {
		return nil, fmt.Errorf("retrieve recent events: %w", eventsErr)
	}
	if summaryErr != nil {
		return nil, fmt.Errorf("retrieve summary: %w", summaryErr)
	}
	if searchErr != nil {
		return nil, fmt.Errorf("retrieve semantic search: %w", searchErr)
	}

	bundle := &MemoryBundle{Timestamp: time.Now().UTC()}
	var warnings []string

	sortByConfidenceDesc(profile)
	bundle.Profile, bundle.TotalTokens = trimByTokens(profile, budget.ProfileTokens, profileItemText)

	if taskState != nil {
		text := string(taskState.Data)
		if estimateTextTokens(text) <= budget.TaskStateTokens {
			bundle.TaskState = taskState
			bundle.TotalTokens += estimateTextTokens(text)
		}
		if time.Since(taskState.UpdatedAt) > staleTaskStateAfter {
			warnings = append(warnings, "stale")
		}
	}

	var eventTokens int
	bundle.RecentEvents, eventTokens = trimByTokens(recent, budget.RecentEventsTokens, func(e *Event) string { return string(e.Data) })
	bundle.TotalTokens += eventTokens

	var chunkTokens int
	bundle.RetrievedChunks, chunkTokens = trimByTokens(chunks, budget.RetrievedTokens, func(c *models.SearchResult) string {
		if c.Entry == nil {
			return ""
		}
		return c.Entry.Content
	})
	bundle.TotalTokens += chunkTokens

	if summary != nil {
		text := summary.Short + strings.Join(summary.Bullets, " ")
		if estimateTextTokens(text) <= budget.SummaryTokens {
			bundle.Summary = summary
			bundle.TotalTokens += estimateTextTokens(text)
		}
	}

	aggregate := budget.ProfileTokens + budget.TaskStateTokens + budget.RecentEventsTokens + budget.RetrievedTokens + budget.SummaryTokens
	if bundle.TotalTokens > aggregate {
		warnings = append(warnings, "overflow")
	}
	bundle.Warnings = warnings

	return bundle, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows")
}

func estimateTextTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

func profileItemText(item *ProfileItem) string {
	return item.Key + ": " + item.Value
}

// trimByTokens keeps items (already in priority order) while their
// cumulative estimated token cost stays within budget, returning the kept
// items and the tokens they consumed.
func trimByTokens[T any](items []T, budget int, text func(T) string) ([]T, int) {
	var kept []T
	total := 0
	for _, item := range items {
		cost := estimateTextTokens(text(item))
		if total+cost > budget {
			break
		}
		kept = append(kept, item)
		total += cost
	}
	return kept, total
}

// Inject renders bundle as a markdown section suitable for prepending to a
// system prompt.
func Inject(bundle *MemoryBundle) string {
	if bundle == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Memory context\n\n")

	if len(bundle.Profile) > 0 {
		b.WriteString("### Profile\n")
		for _, item := range bundle.Profile {
			b.WriteString(fmt.Sprintf("- %s: %s\n", item.Key, item.Value))
		}
		b.WriteString("\n")
	}

	if bundle.TaskState != nil {
		b.WriteString("### Current task\n")
		b.WriteString(fmt.Sprintf("```json\n%s\n```\n\n", string(bundle.TaskState.Data)))
	}

	if bundle.Summary != nil {
		b.WriteString("### Summary\n")
		b.WriteString(bundle.Summary.Short + "\n")
		for _, bullet := range bundle.Summary.Bullets {
			b.WriteString("- " + bullet + "\n")
		}
		for _, todo := range bundle.Summary.Todos {
			if !todo.Done {
				b.WriteString("- [ ] " + todo.Text + "\n")
			}
		}
		b.WriteString("\n")
	}

	if len(bundle.RecentEvents) > 0 {
		b.WriteString("### Recent events\n")
		for _, ev := range bundle.RecentEvents {
			b.WriteString(fmt.Sprintf("- [%s] %s\n", ev.Type, string(ev.Data)))
		}
		b.WriteString("\n")
	}

	if len(bundle.RetrievedChunks) > 0 {
		b.WriteString("### Retrieved context\n")
		for _, chunk := range bundle.RetrievedChunks {
			if chunk.Entry == nil {
				continue
			}
			b.WriteString("- " + chunk.Entry.Content + "\n")
		}
		b.WriteString("\n")
	}

	if len(bundle.Warnings) > 0 {
		b.WriteString("_warnings: " + strings.Join(bundle.Warnings, ", ") + "_\n")
	}

	return b.String()
}
