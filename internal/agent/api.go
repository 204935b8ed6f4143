package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/agentkit/conductor/pkg/models"
)

// Response is the result of a Chat or Stream call: the final assistant
// text, any tool calls made along the way, and token usage if known.
type Response struct {
	Content   string
	ToolCalls []ResponseToolCall
	Usage     *ResponseUsage
}

// ResponseToolCall records one tool invocation made while producing a Response.
type ResponseToolCall struct {
	Name   string
	Args   string
	Result string
	Error  bool
}

// ResponseUsage is the token accounting for a Chat or Stream call.
type ResponseUsage struct {
	InputTokens  int
	OutputTokens int
}

// ChatOptions configures a single Chat/Stream call, overriding the loop's
// own LoopConfig.MaxIterations/StopLimits for just this call when set.
type ChatOptions struct {
	// MaxIterations overrides the loop's configured iteration limit. 0
	// means "use the loop's configured default".
	MaxIterations int

	// OnMaxIterations is consulted when MaxIterations is reached; returning
	// true continues the run instead of stopping, matching StopLimits'
	// soft-iteration-limit behavior.
	OnMaxIterations func() bool
}

// StreamCallbacks receives incremental output during a Stream call.
type StreamCallbacks struct {
	OnText       func(delta string)
	OnToolCall   func(call ResponseToolCall)
	OnToolResult func(call ResponseToolCall)
	OnError      func(err error)
}

// Chat runs the agentic loop to completion and returns the final Response.
// It blocks until the model stops requesting tools or the run fails.
func (l *AgenticLoop) Chat(ctx context.Context, session *models.Session, msg *models.Message, opts *ChatOptions) (*Response, error) {
	return l.collect(ctx, session, msg, opts, nil)
}

// Stream runs the agentic loop to completion, invoking callbacks as
// incremental output arrives, and returns the same final Response Chat would.
func (l *AgenticLoop) Stream(ctx context.Context, session *models.Session, msg *models.Message, callbacks *StreamCallbacks, opts *ChatOptions) (*Response, error) {
	return l.collect(ctx, session, msg, opts, callbacks)
}

func (l *AgenticLoop) collect(ctx context.Context, session *models.Session, msg *models.Message, opts *ChatOptions, callbacks *StreamCallbacks) (*Response, error) {
	if opts != nil {
		prevLimits := l.config.StopLimits
		if opts.MaxIterations > 0 {
			l.config.StopLimits.MaxIterations = opts.MaxIterations
		}
		if opts.OnMaxIterations != nil {
			l.config.StopLimits.OnMaxIterations = opts.OnMaxIterations
		}
		defer func() { l.config.StopLimits = prevLimits }()
	}

	chunks, err := l.Run(ctx, session, msg)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	var textBuilder strings.Builder
	pendingCalls := make(map[string]*ResponseToolCall)

	var runErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			runErr = chunk.Error
			if callbacks != nil && callbacks.OnError != nil {
				callbacks.OnError(chunk.Error)
			}
			continue
		}
		if chunk.Text != "" {
			textBuilder.WriteString(chunk.Text)
			if callbacks != nil && callbacks.OnText != nil {
				callbacks.OnText(chunk.Text)
			}
		}
		if chunk.ToolEvent != nil && chunk.ToolEvent.Stage == models.ToolEventRequested {
			call := &ResponseToolCall{Name: chunk.ToolEvent.ToolName, Args: string(chunk.ToolEvent.Input)}
			pendingCalls[chunk.ToolEvent.ToolCallID] = call
			if callbacks != nil && callbacks.OnToolCall != nil {
				callbacks.OnToolCall(*call)
			}
		}
		if chunk.ToolResult != nil {
			call, ok := pendingCalls[chunk.ToolResult.ToolCallID]
			if !ok {
				call = &ResponseToolCall{}
			}
			call.Result = chunk.ToolResult.Content
			call.Error = chunk.ToolResult.IsError
			resp.ToolCalls = append(resp.ToolCalls, *call)
			if callbacks != nil && callbacks.OnToolResult != nil {
				callbacks.OnToolResult(*call)
			}
		}
	}

	if runErr != nil {
		var loopErr *LoopError
		if errors.As(runErr, &loopErr) && errors.Is(loopErr.Cause, ErrStopConditionMet) {
			resp.Content = loopErr.Message
			return resp, nil
		}
		return nil, runErr
	}

	resp.Content = textBuilder.String()
	return resp, nil
}

// Complete performs a single-turn completion with no conversation history
// and no tools: exactly the prompt (plus an optional system override) in,
// text out.
func (l *AgenticLoop) Complete(ctx context.Context, prompt string, systemOverride string) (string, error) {
	if l.provider == nil {
		return "", ErrNoProvider
	}

	system := l.defaultSystem
	if systemOverride != "" {
		system = systemOverride
	}

	req := &CompletionRequest{
		Model:    l.defaultModel,
		System:   system,
		Messages: []CompletionMessage{{Role: "user", Content: prompt}},
	}

	stream, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}
