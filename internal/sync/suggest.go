package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

const suggestSystemPrompt = `You merge two JSON documents describing the same
farm record: the user's local edit and the current remote value. Produce a
single merged JSON object that preserves every field the user changed and
keeps remote values for fields the user did not touch. Reply with the merged
JSON object only, no prose and no code fences.`

// MergeSuggester proposes a merged payload for a conflicted entry using the
// Anthropic API. The suggestion is advisory: the caller reviews it and feeds
// it to ResolveConflict as mergedPayload, or discards it.
type MergeSuggester struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewMergeSuggester creates a suggester. model is the API model name, e.g.
// "claude-sonnet-4-5".
func NewMergeSuggester(apiKey, model string) *MergeSuggester {
	return &MergeSuggester{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Suggest asks the model for a merged payload given a conflicted entry and
// the current remote snapshot (nil when no remote value is available).
func (m *MergeSuggester) Suggest(ctx context.Context, entry *record.QueueEntry, remote *record.Snapshot) ([]byte, error) {
	if entry.Status != record.StatusConflict {
		return nil, fmt.Errorf("entry %d is %s, not %s", entry.ID, entry.Status, record.StatusConflict)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Entity type: %s\n\nLocal edit:\n%s\n", entry.EntityType, entry.Payload)
	if remote != nil {
		fmt.Fprintf(&b, "\nRemote value:\n%s\n", remote.Payload)
	} else {
		b.WriteString("\nRemote value: unavailable; keep the local edit intact.\n")
	}

	msg, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: suggestSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(b.String())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("merge suggestion request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}

	merged := []byte(strings.TrimSpace(text.String()))
	if !json.Valid(merged) {
		return nil, fmt.Errorf("model returned a non-JSON merge suggestion")
	}
	return merged, nil
}
