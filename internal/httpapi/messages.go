package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/agent"
	"github.com/nextlevelbuilder/agentdesk/internal/artifacts"
	"github.com/nextlevelbuilder/agentdesk/internal/store"
	"github.com/nextlevelbuilder/agentdesk/internal/tools"
)

const placeholderTitle = "New chat"

type postMessageRequest struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   struct {
		Text string `json:"text"`
	} `json:"content"`
}

// handlePostMessage runs one user turn and streams the agent's progress as
// SSE frames. The run keeps going if the client disconnects; the finalized
// turn is persisted in one short transaction after the stream ends.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Role != "user" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role must be \"user\""})
		return
	}
	if req.MessageID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message_id required"})
		return
	}

	thread, err := s.deps.Store.GetThread(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !s.limiter.Allow(thread.UserID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	if _, err := s.deps.Store.InsertUserMessage(r.Context(), id, req.MessageID, req.Content.Text); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate message_id"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// Bump updated_at now so the thread sorts to the top of listings even
	// when the run below fails. Best effort.
	if err := s.deps.Store.TouchThread(r.Context(), id); err != nil {
		slog.Warn("touch thread", "thread", id, "error", err)
	}

	release, err := s.deps.Locks.Acquire(r.Context(), id.String())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "could not acquire thread lock"})
		return
	}
	defer release()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// Nothing escapes through the SSE body; a panic in the run becomes an
	// error frame.
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("message handler panic", "thread", id, "panic", rec)
			sse.error("internal error")
		}
	}()

	s.streamRun(r, sse, thread, req)
}

func (s *Server) streamRun(r *http.Request, sse *sseWriter, thread *store.Thread, req postMessageRequest) {
	// The run outlives the request: a client disconnect must not cancel an
	// in-flight model call or lose the turn.
	ctx := context.WithoutCancel(r.Context())
	threadKey := thread.ID.String()

	runCfg := s.resolveConfig(ctx, thread.ID)
	st, err := s.deps.Checkpointer.Load(ctx, threadKey)
	if err != nil {
		sse.error(err.Error())
		return
	}
	sse.contextUpdate(st.TokenCount, runCfg.ContextWindow)

	ec := tools.ExecContext{
		ThreadID:      thread.ID,
		SessionKey:    threadKey,
		RunID:         uuid.Must(uuid.NewV7()).String(),
		Sandbox:       s.deps.Sandbox,
		Catalog:       s.deps.Catalog,
		DatasetAccess: s.cfg.DatasetAccess,
	}

	result, err := s.deps.Runner.Run(ctx, runCfg, ec, req.Content.Text, func(ev agent.Event) {
		inSummarizer := strings.HasPrefix(ev.Namespace, agent.SummarizeNamespacePrefix)
		switch ev.Type {
		case agent.EventToken:
			sse.token(ev.Delta)
		case agent.EventModelStart:
			if inSummarizer {
				sse.summarizing("start")
			}
		case agent.EventModelEnd:
			if inSummarizer {
				sse.summarizing("done")
				sse.contextUpdate(0, runCfg.ContextWindow)
			}
		case agent.EventToolStart:
			sse.toolStart(ev.ToolName, ev.ToolInput)
		case agent.EventToolEnd:
			sse.toolEnd(ev.ToolName,
				map[string]any{"content": ev.ToolOutput, "is_error": ev.ToolError},
				ev.Artifacts)
		}
	})
	if err != nil {
		slog.Error("run failed", "thread", thread.ID, "error", err)
		sse.error(err.Error())
		return
	}

	toolRows := make([]store.ToolRecord, 0, len(result.ToolCalls))
	for _, rec := range result.ToolCalls {
		toolRows = append(toolRows, store.ToolRecord{
			Name:   rec.Name,
			Input:  rec.Input,
			Output: rec.Output,
			Meta:   map[string]any{"tool_call_id": rec.CallID},
		})
	}
	meta := map[string]any{"run_id": ec.RunID, "input_tokens": result.InputTokens}
	if err := s.deps.Store.RecordRunOutput(ctx, thread.ID, req.MessageID, toolRows, result.AssistantText, meta); err != nil {
		slog.Error("persist run output", "thread", thread.ID, "error", err)
		sse.error(err.Error())
		return
	}

	s.maybeAutoTitle(ctx, sse, thread)
	sse.done("assistant:" + req.MessageID)
}

// maybeAutoTitle replaces the placeholder title using the opening turns.
// Best effort: any failure is logged and swallowed.
func (s *Server) maybeAutoTitle(ctx context.Context, sse *sseWriter, thread *store.Thread) {
	if s.deps.Titler == nil {
		return
	}
	if thread.Title != nil && *thread.Title != placeholderTitle {
		return
	}
	opening, err := s.deps.Store.ListMessages(ctx, thread.ID, 4)
	if err != nil {
		slog.Warn("auto-title: list messages", "thread", thread.ID, "error", err)
		return
	}
	titleCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	title, err := s.deps.Titler(titleCtx, opening)
	if err != nil {
		slog.Warn("auto-title failed", "thread", thread.ID, "error", err)
		return
	}
	if err := s.deps.Store.UpdateThreadTitle(ctx, thread.ID, title); err != nil {
		slog.Warn("auto-title: update title", "thread", thread.ID, "error", err)
		return
	}
	sse.titleUpdated(title)
}

// resolveConfig folds the thread's overrides over the process defaults.
func (s *Server) resolveConfig(ctx context.Context, threadID uuid.UUID) agent.Config {
	cfg := agent.Config{
		Model:         s.cfg.DefaultModel,
		Temperature:   s.cfg.DefaultTemperature,
		ContextWindow: s.cfg.ContextWindow,
	}
	tc, err := s.deps.Store.GetConfig(ctx, threadID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("load thread config", "thread", threadID, "error", err)
		}
		return cfg
	}
	if tc.Model != nil {
		cfg.Model = *tc.Model
	}
	if tc.Temperature != nil {
		cfg.Temperature = *tc.Temperature
	}
	if tc.SystemPrompt != nil {
		cfg.SystemPrompt = *tc.SystemPrompt
	}
	if tc.ContextWindow != nil {
		cfg.ContextWindow = *tc.ContextWindow
	}
	return cfg
}

// messageView is one timeline row as served to the client, with artifact
// descriptors resolved for tool rows.
type messageView struct {
	ID        uuid.UUID              `json:"id"`
	MessageID string                 `json:"message_id"`
	Role      string                 `json:"role"`
	Content   map[string]any         `json:"content,omitempty"`
	ToolName  *string                `json:"tool_name,omitempty"`
	ToolInput map[string]any         `json:"tool_input,omitempty"`
	ToolOut   map[string]any         `json:"tool_output,omitempty"`
	Meta      map[string]any         `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Artifacts []artifacts.Descriptor `json:"artifacts,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:        m.ID,
			MessageID: m.MessageID,
			Role:      m.Role,
			Content:   m.Content,
			ToolName:  m.ToolName,
			ToolInput: m.ToolInput,
			ToolOut:   m.ToolOutput,
			Meta:      m.Meta,
			CreatedAt: m.CreatedAt,
			Artifacts: s.artifactsForMessage(r.Context(), m),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

// artifactsForMessage resolves descriptors for a tool row via the tool-call
// id recorded in its metadata. Fresh download URLs are minted per request.
func (s *Server) artifactsForMessage(ctx context.Context, m *store.Message) []artifacts.Descriptor {
	if m.Role != "tool" || m.Meta == nil {
		return nil
	}
	callID, _ := m.Meta["tool_call_id"].(string)
	if callID == "" {
		return nil
	}
	rows, err := s.deps.Store.ArtifactsByToolCall(ctx, m.ThreadID, callID)
	if err != nil {
		slog.Warn("resolve artifacts", "message", m.ID, "error", err)
		return nil
	}
	out := make([]artifacts.Descriptor, 0, len(rows))
	for _, a := range rows {
		d := artifacts.Descriptor{
			ID:        a.ID.String(),
			Name:      a.Filename,
			Mime:      a.Mime,
			Size:      a.Size,
			SHA256:    a.SHA256,
			CreatedAt: a.CreatedAt,
		}
		if s.deps.Tokens != nil {
			d.URL = s.deps.Tokens.DownloadURL(d.ID)
		}
		out = append(out, d)
	}
	return out
}
