package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nextlevelbuilder/agentdesk/internal/artifacts"
)

// Frame types of the streaming protocol. Every frame is a JSON object with a
// "type" field, written as one `data: <json>` SSE event.
const (
	frameContextUpdate = "context_update"
	frameToken         = "token"
	frameToolStart     = "tool_start"
	frameToolEnd       = "tool_end"
	frameSummarizing   = "summarizing"
	frameTitleUpdated  = "title_updated"
	frameDone          = "done"
	frameError         = "error"
)

type contextUpdateFrame struct {
	Type       string `json:"type"`
	TokensUsed int    `json:"tokens_used"`
	MaxTokens  int    `json:"max_tokens"`
}

type tokenFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type toolStartFrame struct {
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type toolEndFrame struct {
	Type      string                 `json:"type"`
	Name      string                 `json:"name"`
	Output    any                    `json:"output"`
	Artifacts []artifacts.Descriptor `json:"artifacts,omitempty"`
}

type summarizingFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"` // "start" or "done"
}

type titleUpdatedFrame struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type doneFrame struct {
	Type      string  `json:"type"`
	MessageID *string `json:"message_id"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// sseWriter emits frames to one event-stream response. Write errors are
// sticky: once the client is gone, further sends become no-ops, because the
// run must finish regardless of who is still listening.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

// newSSEWriter prepares the response for streaming. It returns an error when
// the underlying writer cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(frame any) {
	if s.failed {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.failed = true
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}

func (s *sseWriter) contextUpdate(used, max int) {
	s.send(contextUpdateFrame{Type: frameContextUpdate, TokensUsed: used, MaxTokens: max})
}

func (s *sseWriter) token(content string) {
	s.send(tokenFrame{Type: frameToken, Content: content})
}

func (s *sseWriter) toolStart(name string, input map[string]any) {
	s.send(toolStartFrame{Type: frameToolStart, Name: name, Input: input})
}

func (s *sseWriter) toolEnd(name string, output any, arts []artifacts.Descriptor) {
	s.send(toolEndFrame{Type: frameToolEnd, Name: name, Output: output, Artifacts: arts})
}

func (s *sseWriter) summarizing(status string) {
	s.send(summarizingFrame{Type: frameSummarizing, Status: status})
}

func (s *sseWriter) titleUpdated(title string) {
	s.send(titleUpdatedFrame{Type: frameTitleUpdated, Title: title})
}

func (s *sseWriter) done(messageID string) {
	var id *string
	if messageID != "" {
		id = &messageID
	}
	s.send(doneFrame{Type: frameDone, MessageID: id})
}

func (s *sseWriter) error(msg string) {
	s.send(errorFrame{Type: frameError, Error: msg})
}
