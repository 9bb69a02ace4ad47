// Package agent implements the conversation runtime: a two-node state
// machine where the agent node answers with a react-style tool loop and the
// summarize node compacts the conversation when the context window fills up.
// Every step folds an update into the checkpointed state before the next
// node runs, so a crash never loses more than the step in flight.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/artifacts"
	"github.com/nextlevelbuilder/agentdesk/internal/providers"
	"github.com/nextlevelbuilder/agentdesk/internal/state"
	"github.com/nextlevelbuilder/agentdesk/internal/tools"
)

// SummarizeNamespacePrefix marks events emitted while the summarizer model
// runs. Consumers distinguish summarizer activity from agent output by this
// prefix.
const SummarizeNamespacePrefix = "summarize_conversation"

// summarizeThreshold is the share of the context window that triggers
// summarization.
const summarizeThreshold = 0.9

// keepLastMessages is how many trailing messages survive summarization.
const keepLastMessages = 4

// EventType identifies a runtime event.
type EventType string

const (
	EventToken      EventType = "token"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventModelStart EventType = "model_start"
	EventModelEnd   EventType = "model_end"
)

// Event is one observable step of a run. Namespace carries the checkpoint
// namespace of the node that produced it; summarizer events are namespaced
// under SummarizeNamespacePrefix.
type Event struct {
	Type      EventType
	Namespace string
	Delta     string // token content, for EventToken

	ToolName   string
	ToolCallID string
	ToolInput  map[string]any
	ToolOutput string
	ToolError  bool
	Artifacts  []artifacts.Descriptor
}

// ToolCallRecord captures one completed tool invocation for persistence.
type ToolCallRecord struct {
	CallID    string
	Name      string
	Input     map[string]any
	Output    map[string]any
	Artifacts []artifacts.Descriptor
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	AssistantText string
	ToolCalls     []ToolCallRecord
	InputTokens   int
	Summarized    bool
}

// Config holds per-run model settings, resolved from process defaults and
// thread overrides by the caller.
type Config struct {
	Model         string
	Temperature   float64
	SystemPrompt  string // thread-specific addition, may be empty
	ContextWindow int
	SummaryModel  string
	MaxIterations int
}

// Runtime drives runs for all threads. It is stateless between runs apart
// from the shared checkpointer; callers must serialize runs per thread.
type Runtime struct {
	provider providers.Provider
	ckpt     *state.Checkpointer
	registry *tools.Registry
}

// NewRuntime wires a runtime.
func NewRuntime(provider providers.Provider, ckpt *state.Checkpointer, registry *tools.Registry) *Runtime {
	return &Runtime{provider: provider, ckpt: ckpt, registry: registry}
}

type node int

const (
	nodeAgent node = iota
	nodeSummarize
	nodeEnd
)

// stepResult is what one node execution produces: a state delta and the
// next node to run.
type stepResult struct {
	update state.Update
	next   node
}

// Run executes one user turn to completion. Events stream through onEvent
// as they happen; the returned result holds the finalized outputs. A model
// failure aborts the run with an error; tool failures are absorbed into the
// conversation as error results.
func (r *Runtime) Run(ctx context.Context, cfg Config, ec tools.ExecContext, userText string, onEvent func(Event)) (*RunResult, error) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = "gpt-4o-mini"
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	threadKey := ec.ThreadID.String()

	st, err := r.ckpt.Load(ctx, threadKey)
	if err != nil {
		return nil, err
	}

	st.Apply(state.Update{Append: []state.Message{{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Role:    providers.RoleUser,
		Content: userText,
	}}})
	if err := r.ckpt.Save(ctx, threadKey, st); err != nil {
		return nil, err
	}

	result := &RunResult{}
	start := time.Now()
	for current := nodeAgent; current != nodeEnd; {
		var step *stepResult
		switch current {
		case nodeAgent:
			step, err = r.agentStep(ctx, cfg, ec, st, result, onEvent)
		case nodeSummarize:
			step, err = r.summarizeStep(ctx, cfg, ec, st, onEvent)
			result.Summarized = true
		}
		if err != nil {
			return nil, err
		}
		st.Apply(step.update)
		if err := r.ckpt.Save(ctx, threadKey, st); err != nil {
			return nil, err
		}
		current = step.next
	}
	slog.Info("run complete", "thread", threadKey, "run", ec.RunID,
		"tools", len(result.ToolCalls), "input_tokens", result.InputTokens,
		"elapsed", time.Since(start))
	return result, nil
}

func (r *Runtime) agentStep(ctx context.Context, cfg Config, ec tools.ExecContext, st *state.State, result *RunResult, onEvent func(Event)) (*stepResult, error) {
	if float64(st.TokenCount) >= summarizeThreshold*float64(cfg.ContextWindow) {
		slog.Info("context threshold reached", "thread", ec.ThreadID,
			"token_count", st.TokenCount, "window", cfg.ContextWindow)
		return &stepResult{next: nodeSummarize}, nil
	}

	base := []providers.Message{{Role: providers.RoleSystem, Content: buildSystemPrompt(cfg.SystemPrompt)}}
	if st.Summary != "" {
		// The summary is injected per invocation only; it never joins the
		// persisted message window.
		base = append(base, providers.Message{
			Role:    providers.RoleSystem,
			Content: "Summary of conversation earlier: " + st.Summary,
		})
	}
	base = append(base, st.ProviderMessages()...)

	var pending []state.Message
	var inputTokens int
	var finalText string

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		messages := base
		for _, m := range pending {
			messages = append(messages, m.Provider())
		}
		resp, err := r.provider.ChatStream(ctx, providers.ChatRequest{
			Model:       cfg.Model,
			Messages:    messages,
			Tools:       r.registry.Definitions(),
			Temperature: cfg.Temperature,
		}, func(chunk providers.StreamChunk) {
			onEvent(Event{Type: EventToken, Delta: chunk.Delta})
		})
		if err != nil {
			return nil, fmt.Errorf("agent model call: %w", err)
		}
		if resp.Usage.InputTokens > 0 {
			inputTokens = resp.Usage.InputTokens
		}

		assistant := state.Message{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		pending = append(pending, assistant)

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		for _, call := range resp.ToolCalls {
			pending = append(pending, r.runTool(ctx, cfg, ec, call, result, onEvent))
		}
	}

	result.AssistantText = finalText
	result.InputTokens = inputTokens
	return &stepResult{
		update: state.Update{
			Append: pending,
			// Reset-plus-set keeps the running count equal to the last
			// observed prompt size.
			TokenDeltas: []int{state.TokenReset, inputTokens},
		},
		next: nodeEnd,
	}, nil
}

// runTool executes one requested tool call, emits its events, and returns
// the tool message to feed back to the model.
func (r *Runtime) runTool(ctx context.Context, cfg Config, ec tools.ExecContext, call providers.ToolCall, result *RunResult, onEvent func(Event)) state.Message {
	callEC := ec
	callEC.ToolCallID = call.ID

	input := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
			input = map[string]any{"_raw": call.Arguments}
		}
	}
	onEvent(Event{
		Type:       EventToolStart,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		ToolInput:  input,
	})

	res := r.registry.Execute(ctx, callEC, call.Name, call.Arguments)

	onEvent(Event{
		Type:       EventToolEnd,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		ToolOutput: res.ForLLM,
		ToolError:  res.IsError,
		Artifacts:  res.Artifacts,
	})
	result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
		CallID:    call.ID,
		Name:      call.Name,
		Input:     input,
		Output:    map[string]any{"content": res.ForLLM, "is_error": res.IsError},
		Artifacts: res.Artifacts,
	})
	return state.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Role:       providers.RoleTool,
		Content:    res.ForLLM,
		ToolCallID: call.ID,
	}
}

func (r *Runtime) summarizeStep(ctx context.Context, cfg Config, ec tools.ExecContext, st *state.State, onEvent func(Event)) (*stepResult, error) {
	namespace := fmt.Sprintf("%s:%s", SummarizeNamespacePrefix, ec.RunID)
	onEvent(Event{Type: EventModelStart, Namespace: namespace})

	messages := []providers.Message{{Role: providers.RoleSystem, Content: summarizerSystemPrompt}}
	messages = append(messages, st.ProviderMessages()...)
	messages = append(messages, providers.Message{
		Role:    providers.RoleUser,
		Content: summaryRequestPrompt(st.Summary),
	})

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Model:       cfg.SummaryModel,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("summarizer model call: %w", err)
	}
	onEvent(Event{Type: EventModelEnd, Namespace: namespace})

	var removeIDs []string
	if len(st.Messages) > keepLastMessages {
		for _, m := range st.Messages[:len(st.Messages)-keepLastMessages] {
			removeIDs = append(removeIDs, m.ID)
		}
	}
	summary := resp.Content
	slog.Info("conversation summarized", "thread", ec.ThreadID,
		"removed", len(removeIDs), "summary_chars", len(summary))
	return &stepResult{
		update: state.Update{
			Summary:     &summary,
			RemoveIDs:   removeIDs,
			TokenDeltas: []int{state.TokenReset},
		},
		next: nodeAgent,
	}, nil
}
