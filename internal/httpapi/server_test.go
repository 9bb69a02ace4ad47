package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/agent"
	"github.com/nextlevelbuilder/agentdesk/internal/config"
	"github.com/nextlevelbuilder/agentdesk/internal/locks"
	"github.com/nextlevelbuilder/agentdesk/internal/state"
	"github.com/nextlevelbuilder/agentdesk/internal/store"
	"github.com/nextlevelbuilder/agentdesk/internal/tools"
)

// fakeStore keeps everything in memory, implementing just enough of the
// relational layer for handler tests.
type fakeStore struct {
	threads  map[uuid.UUID]*store.Thread
	messages map[uuid.UUID][]*store.Message
	configs  map[uuid.UUID]*store.ThreadConfig
	seen     map[string]bool // thread|message_id

	recorded     []store.ToolRecord
	assistant    string
	recordErr    error
	titleUpdates []string
	touched      []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:  make(map[uuid.UUID]*store.Thread),
		messages: make(map[uuid.UUID][]*store.Message),
		configs:  make(map[uuid.UUID]*store.ThreadConfig),
		seen:     make(map[string]bool),
	}
}

func (f *fakeStore) addThread(userID string, title *string) *store.Thread {
	t := &store.Thread{ID: uuid.Must(uuid.NewV7()), UserID: userID, Title: title,
		CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.threads[t.ID] = t
	return t
}

func (f *fakeStore) CreateThread(_ context.Context, userID string, title *string, meta map[string]any) (*store.Thread, error) {
	t := f.addThread(userID, title)
	t.Meta = meta
	return t, nil
}

func (f *fakeStore) GetThread(_ context.Context, id uuid.UUID) (*store.Thread, error) {
	t, ok := f.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListThreads(_ context.Context, userID string, limit int, includeArchived bool) ([]*store.Thread, error) {
	var out []*store.Thread
	for _, t := range f.threads {
		if t.UserID == userID && (includeArchived || t.ArchivedAt == nil) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateThreadTitle(_ context.Context, id uuid.UUID, title string) error {
	t, ok := f.threads[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Title = &title
	f.titleUpdates = append(f.titleUpdates, title)
	return nil
}

func (f *fakeStore) SetThreadArchived(_ context.Context, id uuid.UUID, archived bool) error {
	t, ok := f.threads[id]
	if !ok {
		return store.ErrNotFound
	}
	if archived {
		now := time.Now()
		t.ArchivedAt = &now
	} else {
		t.ArchivedAt = nil
	}
	return nil
}

func (f *fakeStore) TouchThread(_ context.Context, id uuid.UUID) error {
	t, ok := f.threads[id]
	if !ok {
		return store.ErrNotFound
	}
	t.UpdatedAt = time.Now()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) DeleteThread(_ context.Context, id uuid.UUID) error {
	delete(f.threads, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) InsertUserMessage(_ context.Context, threadID uuid.UUID, messageID, text string) (*store.Message, error) {
	key := threadID.String() + "|" + messageID
	if f.seen[key] {
		return nil, store.ErrDuplicateMessage
	}
	f.seen[key] = true
	m := &store.Message{ID: uuid.Must(uuid.NewV7()), ThreadID: threadID,
		MessageID: messageID, Role: "user",
		Content: map[string]any{"text": text}, CreatedAt: time.Now()}
	f.messages[threadID] = append(f.messages[threadID], m)
	return m, nil
}

func (f *fakeStore) RecordRunOutput(_ context.Context, threadID uuid.UUID, userMessageID string, toolRows []store.ToolRecord, assistantText string, meta map[string]any) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = toolRows
	f.assistant = assistantText
	for i, t := range toolRows {
		name := t.Name
		f.messages[threadID] = append(f.messages[threadID], &store.Message{
			ID: uuid.Must(uuid.NewV7()), ThreadID: threadID,
			MessageID: fmt.Sprintf("tool:%s:%d", userMessageID, i),
			Role:      "tool", ToolName: &name,
			ToolInput: t.Input, ToolOutput: t.Output, Meta: t.Meta,
			CreatedAt: time.Now(),
		})
	}
	f.messages[threadID] = append(f.messages[threadID], &store.Message{
		ID: uuid.Must(uuid.NewV7()), ThreadID: threadID,
		MessageID: "assistant:" + userMessageID, Role: "assistant",
		Content: map[string]any{"text": assistantText}, Meta: meta,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, threadID uuid.UUID, limit int) ([]*store.Message, error) {
	msgs := f.messages[threadID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeStore) GetConfig(_ context.Context, threadID uuid.UUID) (*store.ThreadConfig, error) {
	c, ok := f.configs[threadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) UpsertConfig(_ context.Context, c *store.ThreadConfig) error {
	f.configs[c.ThreadID] = c
	return nil
}

func (f *fakeStore) ArtifactsByToolCall(_ context.Context, threadID uuid.UUID, toolCallID string) ([]*store.Artifact, error) {
	return nil, nil
}

// fakeRunner emits a scripted event sequence and returns a fixed result.
type fakeRunner struct {
	events []agent.Event
	result *agent.RunResult
	err    error

	gotConfig agent.Config
}

func (r *fakeRunner) Run(_ context.Context, cfg agent.Config, _ tools.ExecContext, _ string, onEvent func(agent.Event)) (*agent.RunResult, error) {
	r.gotConfig = cfg
	if r.err != nil {
		return nil, r.err
	}
	for _, ev := range r.events {
		onEvent(ev)
	}
	return r.result, nil
}

type harness struct {
	store  *fakeStore
	runner *fakeRunner
	server *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ckpt, err := state.OpenCheckpointer(filepath.Join(t.TempDir(), "ckpt.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ckpt.Close() })

	fs := newFakeStore()
	runner := &fakeRunner{result: &agent.RunResult{AssistantText: "Hi", InputTokens: 10}}
	cfg := &config.Config{
		DefaultModel:       "gpt-4o",
		DefaultTemperature: 0.7,
		ContextWindow:      30000,
	}
	srv := NewServer(cfg, Deps{
		Store:        fs,
		Checkpointer: ckpt,
		Locks:        locks.NewTable(),
		Runner:       runner,
	})
	return &harness{store: fs, runner: runner, server: srv}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeFrames parses an SSE body into its JSON frame objects.
func decodeFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []map[string]any) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f["type"].(string)
	}
	return out
}

func TestPostMessageStreams(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	h.runner.events = []agent.Event{
		{Type: agent.EventToken, Delta: "Hi"},
	}

	rec := h.do("POST", "/api/threads/"+thread.ID.String()+"/messages",
		`{"message_id":"m1","role":"user","content":{"text":"Hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := decodeFrames(t, rec.Body.String())
	types := frameTypes(frames)
	if types[0] != "context_update" {
		t.Errorf("first frame = %q, want context_update", types[0])
	}
	var sawToken, sawDone bool
	for _, f := range frames {
		switch f["type"] {
		case "token":
			if f["content"] == "Hi" {
				sawToken = true
			}
		case "done":
			if f["message_id"] != "assistant:m1" {
				t.Errorf("done message_id = %v", f["message_id"])
			}
			sawDone = true
		}
	}
	if !sawToken || !sawDone {
		t.Errorf("frames = %v", types)
	}
	if h.store.assistant != "Hi" {
		t.Errorf("persisted assistant = %q", h.store.assistant)
	}
}

func TestPostMessageValidation(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	path := "/api/threads/" + thread.ID.String() + "/messages"

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"assistant role", path, `{"message_id":"m1","role":"assistant","content":{"text":"x"}}`, http.StatusBadRequest},
		{"missing message_id", path, `{"role":"user","content":{"text":"x"}}`, http.StatusBadRequest},
		{"bad thread id", "/api/threads/nope/messages", `{"message_id":"m1","role":"user","content":{"text":"x"}}`, http.StatusBadRequest},
		{"unknown thread", "/api/threads/" + uuid.NewString() + "/messages", `{"message_id":"m1","role":"user","content":{"text":"x"}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do("POST", tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPostMessageDuplicateConflicts(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	path := "/api/threads/" + thread.ID.String() + "/messages"
	body := `{"message_id":"m1","role":"user","content":{"text":"Hello"}}`

	if rec := h.do("POST", path, body); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := h.do("POST", path, body); rec.Code != http.StatusConflict {
		t.Errorf("second status = %d, want 409", rec.Code)
	}
}

func TestPostMessageRunnerError(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	h.runner.err = errors.New("model exploded")

	rec := h.do("POST", "/api/threads/"+thread.ID.String()+"/messages",
		`{"message_id":"m1","role":"user","content":{"text":"Hello"}}`)
	frames := decodeFrames(t, rec.Body.String())
	last := frames[len(frames)-1]
	if last["type"] != "error" || !strings.Contains(last["error"].(string), "model exploded") {
		t.Errorf("last frame = %v", last)
	}
	if h.store.assistant != "" {
		t.Error("assistant row persisted despite run failure")
	}
	// The user message landed, so the thread still bubbles up in listings.
	if len(h.store.touched) != 1 || h.store.touched[0] != thread.ID {
		t.Errorf("touched threads = %v, want [%s]", h.store.touched, thread.ID)
	}
}

func TestPostMessageSummarizingFrames(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	ns := agent.SummarizeNamespacePrefix + ":run-1"
	h.runner.events = []agent.Event{
		{Type: agent.EventModelStart, Namespace: ns},
		{Type: agent.EventModelEnd, Namespace: ns},
		{Type: agent.EventToken, Delta: "Hi"},
	}

	rec := h.do("POST", "/api/threads/"+thread.ID.String()+"/messages",
		`{"message_id":"m1","role":"user","content":{"text":"Hello"}}`)
	frames := decodeFrames(t, rec.Body.String())

	// Expected: context_update, summarizing start, summarizing done,
	// context_update with zero, token, done.
	types := frameTypes(frames)
	want := []string{"context_update", "summarizing", "summarizing", "context_update", "token", "done"}
	if len(types) != len(want) {
		t.Fatalf("frames = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frames = %v, want %v", types, want)
		}
	}
	if frames[1]["status"] != "start" || frames[2]["status"] != "done" {
		t.Errorf("summarizing statuses = %v / %v", frames[1]["status"], frames[2]["status"])
	}
	if frames[3]["tokens_used"] != float64(0) {
		t.Errorf("post-summarize tokens_used = %v", frames[3]["tokens_used"])
	}
}

func TestPostMessageToolFramesCarryOutput(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	h.runner.events = []agent.Event{
		{Type: agent.EventToolStart, ToolName: "code_sandbox", ToolInput: map[string]any{"code": "print(1)"}},
		{Type: agent.EventToolEnd, ToolName: "code_sandbox", ToolOutput: "1"},
	}
	h.runner.result = &agent.RunResult{
		AssistantText: "done",
		ToolCalls: []agent.ToolCallRecord{{
			CallID: "call_1", Name: "code_sandbox",
			Input:  map[string]any{"code": "print(1)"},
			Output: map[string]any{"content": "1", "is_error": false},
		}},
	}

	rec := h.do("POST", "/api/threads/"+thread.ID.String()+"/messages",
		`{"message_id":"m1","role":"user","content":{"text":"run it"}}`)
	frames := decodeFrames(t, rec.Body.String())
	var start, end map[string]any
	for _, f := range frames {
		switch f["type"] {
		case "tool_start":
			start = f
		case "tool_end":
			end = f
		}
	}
	if start == nil || start["name"] != "code_sandbox" {
		t.Fatalf("tool_start = %v", start)
	}
	if end == nil || end["output"].(map[string]any)["content"] != "1" {
		t.Fatalf("tool_end = %v", end)
	}
	if len(h.store.recorded) != 1 || h.store.recorded[0].Meta["tool_call_id"] != "call_1" {
		t.Errorf("recorded tool rows = %+v", h.store.recorded)
	}
}

func TestPostMessageAutoTitle(t *testing.T) {
	h := newHarness(t)
	title := placeholderTitle
	thread := h.store.addThread("u1", &title)
	h.server.deps.Titler = func(context.Context, []*store.Message) (string, error) {
		return "Greeting exchange", nil
	}

	rec := h.do("POST", "/api/threads/"+thread.ID.String()+"/messages",
		`{"message_id":"m1","role":"user","content":{"text":"Hello"}}`)
	frames := decodeFrames(t, rec.Body.String())
	var titled bool
	for _, f := range frames {
		if f["type"] == "title_updated" && f["title"] == "Greeting exchange" {
			titled = true
		}
	}
	if !titled {
		t.Errorf("no title_updated frame: %v", frameTypes(frames))
	}
	if len(h.store.titleUpdates) != 1 {
		t.Errorf("title updates = %v", h.store.titleUpdates)
	}
}

func TestPostMessageKeepsCustomTitle(t *testing.T) {
	h := newHarness(t)
	title := "My analysis"
	thread := h.store.addThread("u1", &title)
	called := false
	h.server.deps.Titler = func(context.Context, []*store.Message) (string, error) {
		called = true
		return "nope", nil
	}

	h.do("POST", "/api/threads/"+thread.ID.String()+"/messages",
		`{"message_id":"m1","role":"user","content":{"text":"Hello"}}`)
	if called {
		t.Error("titler invoked despite custom title")
	}
}

func TestPostMessageRateLimited(t *testing.T) {
	h := newHarness(t)
	h.server.limiter = NewRateLimiter(1, 1)
	thread := h.store.addThread("u1", nil)
	path := "/api/threads/" + thread.ID.String() + "/messages"

	if rec := h.do("POST", path, `{"message_id":"m1","role":"user","content":{"text":"a"}}`); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := h.do("POST", path, `{"message_id":"m2","role":"user","content":{"text":"b"}}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", rec.Code)
	}
}

func TestPostMessageUsesThreadConfig(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	model := "gpt-4o-mini"
	window := 8000
	h.store.configs[thread.ID] = &store.ThreadConfig{ThreadID: thread.ID, Model: &model, ContextWindow: &window}

	h.do("POST", "/api/threads/"+thread.ID.String()+"/messages",
		`{"message_id":"m1","role":"user","content":{"text":"Hello"}}`)
	if h.runner.gotConfig.Model != "gpt-4o-mini" || h.runner.gotConfig.ContextWindow != 8000 {
		t.Errorf("resolved config = %+v", h.runner.gotConfig)
	}
	if h.runner.gotConfig.Temperature != 0.7 {
		t.Errorf("temperature default not applied: %v", h.runner.gotConfig.Temperature)
	}
}

func TestThreadCRUD(t *testing.T) {
	h := newHarness(t)

	rec := h.do("POST", "/api/threads", `{"user_id":"u1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created store.Thread
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Title == nil || *created.Title != placeholderTitle {
		t.Errorf("default title = %v", created.Title)
	}

	if rec := h.do("GET", "/api/threads?user_id=u1", ""); rec.Code != http.StatusOK {
		t.Errorf("list status = %d", rec.Code)
	}
	if rec := h.do("GET", "/api/threads", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("list without user_id = %d, want 400", rec.Code)
	}

	if rec := h.do("POST", "/api/threads/"+created.ID.String()+"/archive", ""); rec.Code != http.StatusOK {
		t.Errorf("archive status = %d", rec.Code)
	}
	if h.store.threads[created.ID].ArchivedAt == nil {
		t.Error("thread not archived")
	}

	if rec := h.do("DELETE", "/api/threads/"+created.ID.String(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	// Idempotent: deleting again still succeeds.
	if rec := h.do("DELETE", "/api/threads/"+created.ID.String(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	h := newHarness(t)
	thread := h.store.addThread("u1", nil)
	base := "/api/threads/" + thread.ID.String() + "/config"

	rec := h.do("GET", base, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var view configView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Model != nil {
		t.Errorf("unset config model = %v", *view.Model)
	}

	if rec := h.do("PUT", base, `{"temperature":3.5}`); rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range temperature status = %d", rec.Code)
	}
	if rec := h.do("PUT", base, `{"model":"gpt-4o-mini","temperature":0.2}`); rec.Code != http.StatusOK {
		t.Errorf("put status = %d", rec.Code)
	}
	if got := h.store.configs[thread.ID]; got == nil || *got.Model != "gpt-4o-mini" {
		t.Errorf("stored config = %+v", got)
	}

	if rec := h.do("PUT", "/api/threads/"+uuid.NewString()+"/config", `{"model":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("put for missing thread = %d, want 404", rec.Code)
	}

	rec = h.do("GET", "/api/config/defaults", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "gpt-4o") {
		t.Errorf("defaults = %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do("GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t)
	h.server.cfg.CORSOrigins = []string{"https://app.example.com"}

	req := httptest.NewRequest("OPTIONS", "/api/threads", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}
}

func TestRateLimiterDisabledByDefault(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	for i := 0; i < 100; i++ {
		if !rl.Allow("u1") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}
