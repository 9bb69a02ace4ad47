// Package tools defines the agent's tool surface. Tools receive their
// collaborators through an explicit ExecContext rather than globals, so a
// single registry serves every concurrent run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/artifacts"
	"github.com/nextlevelbuilder/agentdesk/internal/opendata"
	"github.com/nextlevelbuilder/agentdesk/internal/providers"
	"github.com/nextlevelbuilder/agentdesk/internal/sandbox"
)

// ExecContext carries per-invocation identity and shared collaborators into
// a tool execution.
type ExecContext struct {
	ThreadID   uuid.UUID
	SessionKey string
	RunID      string
	ToolCallID string

	Sandbox       *sandbox.Manager
	Catalog       *opendata.Client
	DatasetAccess string
}

// Result is what a tool hands back to the model. ForLLM is the text the
// model sees; Artifacts surface to the client alongside the tool_end frame.
type Result struct {
	ForLLM    string
	IsError   bool
	Artifacts []artifacts.Descriptor
}

// NewResult returns a success result with formatted text.
func NewResult(format string, args ...any) *Result {
	return &Result{ForLLM: fmt.Sprintf(format, args...)}
}

// ErrorResult returns a failure result; the text still goes to the model so
// it can react.
func ErrorResult(format string, args ...any) *Result {
	return &Result{ForLLM: fmt.Sprintf(format, args...), IsError: true}
}

// JSONResult marshals v for the model, falling back to an error result if v
// does not encode.
func JSONResult(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("failed to encode result: %v", err)
	}
	return &Result{ForLLM: string(data)}
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Definition() providers.ToolDefinition
	Execute(ctx context.Context, ec ExecContext, args map[string]any) *Result
}

// Registry is an ordered collection of tools.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; re-registering a name replaces it in place.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Definitions returns the tool schemas in registration order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Execute parses the raw argument JSON and dispatches to the named tool.
// Unknown tools and malformed arguments become error results, never Go
// errors — the model gets to see what went wrong.
func (r *Registry) Execute(ctx context.Context, ec ExecContext, name, rawArgs string) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("unknown tool: %s", name)
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return ErrorResult("invalid arguments for %s: %v", name, err)
		}
	}

	result := tool.Execute(ctx, ec, args)
	if result.IsError {
		slog.Warn("tool error", "tool", name, "thread", ec.ThreadID, "result", result.ForLLM)
	}
	return result
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
