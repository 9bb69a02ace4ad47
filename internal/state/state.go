// Package state holds conversation control state — the message window the
// model sees, the running token count, and the rolling summary — and the
// reducers that evolve it. Transcript truth lives in Postgres; this state is
// reconstructable and checkpointed separately.
package state

import "github.com/nextlevelbuilder/agentdesk/internal/providers"

// TokenReset is the sentinel delta that zeroes the running token count
// before any further deltas apply.
const TokenReset = -1

// Message is one entry in the model-visible window, addressable by a stable
// id so summarization can remove individual entries.
type Message struct {
	ID         string               `json:"id"`
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

// Provider converts the entry to a provider message.
func (m Message) Provider() providers.Message {
	return providers.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// State is the conversation control state for one thread.
type State struct {
	Messages   []Message `json:"messages"`
	TokenCount int       `json:"token_count"`
	Summary    string    `json:"summary"`

	index map[string]int // id -> position, rebuilt lazily
}

// Update is a delta produced by one runtime step. Fields combine: removals
// apply before appends, token deltas apply in order through the reducer,
// and a non-nil Summary replaces the existing one.
type Update struct {
	Append      []Message
	RemoveIDs   []string
	TokenDeltas []int
	Summary     *string
}

// Apply folds an update into the state.
func (s *State) Apply(u Update) {
	if len(u.RemoveIDs) > 0 {
		s.remove(u.RemoveIDs)
	}
	if len(u.Append) > 0 {
		s.Messages = append(s.Messages, u.Append...)
		s.index = nil
	}
	for _, d := range u.TokenDeltas {
		s.TokenCount = reduceTokenCount(s.TokenCount, d)
	}
	if u.Summary != nil {
		s.Summary = *u.Summary
	}
}

// reduceTokenCount is the token-count reducer: TokenReset zeroes the value,
// anything else adds to it.
func reduceTokenCount(current, delta int) int {
	if delta == TokenReset {
		return 0
	}
	return current + delta
}

func (s *State) remove(ids []string) {
	if s.index == nil {
		s.index = make(map[string]int, len(s.Messages))
		for i, m := range s.Messages {
			s.index[m.ID] = i
		}
	}
	drop := make(map[int]bool, len(ids))
	for _, id := range ids {
		if i, ok := s.index[id]; ok {
			drop[i] = true
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := s.Messages[:0]
	for i, m := range s.Messages {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	s.Messages = kept
	s.index = nil
}

// ProviderMessages returns the window as provider messages.
func (s *State) ProviderMessages() []providers.Message {
	out := make([]providers.Message, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = m.Provider()
	}
	return out
}
