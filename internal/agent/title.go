package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentdesk/internal/providers"
)

const titlePrompt = "Generate a concise, engaging title for this conversation. " +
	"At most eight words. Return only the title, without quotes."

// GenerateTitle asks the small model for a thread title based on the
// opening turns of the conversation.
func GenerateTitle(ctx context.Context, provider providers.Provider, model string, opening []providers.Message) (string, error) {
	messages := make([]providers.Message, 0, len(opening)+1)
	messages = append(messages, opening...)
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: titlePrompt})

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   32,
	})
	if err != nil {
		return "", fmt.Errorf("title model call: %w", err)
	}
	title := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	if title == "" {
		return "", fmt.Errorf("title model returned empty content")
	}
	return title, nil
}
