// Package bedrockllm implements classifier.Classifier against the AWS
// Bedrock Converse API, a third external binding for the intent_extraction
// stage alongside internal/classifier/llm (Anthropic direct) and
// internal/classifier/openaillm (OpenAI), mirroring the teacher's
// features/model/bedrock client shape but for the single-turn classify call
// this spec needs rather than a full multi-turn tool-calling loop.
package bedrockllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/cartorch/orchestrator/internal/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It is satisfied by *bedrockruntime.Client so callers can
// pass either the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Classifier calls a Bedrock-hosted model via Converse to extract a
// structured Intent from free-form request text.
type Classifier struct {
	runtime RuntimeClient
	modelID string
}

// New constructs a Classifier. modelID is a Bedrock model identifier, e.g.
// "anthropic.claude-3-5-haiku-20241022-v1:0".
func New(runtime RuntimeClient, modelID string) (*Classifier, error) {
	if runtime == nil {
		return nil, errors.New("bedrockllm: runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("bedrockllm: model id is required")
	}
	return &Classifier{runtime: runtime, modelID: modelID}, nil
}

const systemPrompt = `You classify a shopping assistant's incoming user utterance.
Respond with ONLY a JSON object matching this shape, no prose:
{"kind":"purchase|info|clarify","item":"string","quantity":number,"urgency":"low|normal|high","confidence":number,"language_tag":"BCP-47 tag"}`

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, requestText string) (model.Intent, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: systemPrompt},
		},
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: requestText}},
			},
		},
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Intent{}, fmt.Errorf("bedrockllm classifier: %w", err)
	}

	var text strings.Builder
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(t.Value)
			}
		}
	}

	var result model.Intent
	if err := json.Unmarshal([]byte(extractJSON(text.String())), &result); err != nil {
		return model.Intent{}, fmt.Errorf("bedrockllm classifier: malformed response: %w", err)
	}
	return result, nil
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
