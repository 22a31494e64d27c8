// Package openaillm implements classifier.Classifier against the OpenAI Chat
// Completions API, giving the intent_extraction stage a second external
// binding alongside internal/classifier/llm's Anthropic one (spec §4.3
// mentions "the classifier is a pluggable external collaborator").
package openaillm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cartorch/orchestrator/internal/model"
)

// ChatClient captures the subset of the OpenAI SDK used by Classifier. It is
// satisfied by a real client's Chat.Completions field so callers can pass
// either that or a stub in tests.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Classifier calls an OpenAI chat model to extract a structured Intent from
// free-form request text.
type Classifier struct {
	client ChatClient
	model  string
}

// New constructs a Classifier using client (typically client.Chat.Completions
// on a real *openai.Client). modelName defaults to "gpt-4o-mini", a fast tier
// appropriate for single-turn classification.
func New(client ChatClient, modelName string) *Classifier {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return &Classifier{client: client, model: modelName}
}

const systemPrompt = `You classify a shopping assistant's incoming user utterance.
Respond with ONLY a JSON object matching this shape, no prose:
{"kind":"purchase|info|clarify","item":"string","quantity":number,"urgency":"low|normal|high","confidence":number,"language_tag":"BCP-47 tag"}`

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, requestText string) (model.Intent, error) {
	resp, err := c.client.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(requestText),
		},
	})
	if err != nil {
		return model.Intent{}, fmt.Errorf("openaillm classifier: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.Intent{}, fmt.Errorf("openaillm classifier: empty response")
	}

	var out model.Intent
	if err := json.Unmarshal([]byte(extractJSON(resp.Choices[0].Message.Content)), &out); err != nil {
		return model.Intent{}, fmt.Errorf("openaillm classifier: malformed response: %w", err)
	}
	return out, nil
}

// extractJSON trims leading/trailing prose the model may add despite
// instructions, keeping only the outermost JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
