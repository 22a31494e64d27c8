package bedrockllm

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	resp      *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntimeClient) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.resp, s.err
}

func converseResp(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
	}
}

func TestNewRejectsMissingRuntime(t *testing.T) {
	_, err := New(nil, "some-model")
	require.Error(t, err)
}

func TestNewRejectsMissingModelID(t *testing.T) {
	_, err := New(&stubRuntimeClient{}, "")
	require.Error(t, err)
}

func TestClassifyParsesStructuredJSONResponse(t *testing.T) {
	stub := &stubRuntimeClient{resp: converseResp(`{"kind":"purchase","item":"milk","quantity":2,"urgency":"normal","confidence":0.9,"language_tag":"en-US"}`)}
	cls, err := New(stub, "anthropic.claude-3-5-haiku-20241022-v1:0")
	require.NoError(t, err)

	intent, err := cls.Classify(context.Background(), "get me 2 milks")
	require.NoError(t, err)
	assert.EqualValues(t, "purchase", intent.Kind)
	assert.Equal(t, "milk", intent.Item)
	assert.Equal(t, 2.0, intent.Quantity)
	assert.Equal(t, "en-US", intent.LanguageTag)
}

func TestClassifyStripsSurroundingProseBeforeParsing(t *testing.T) {
	stub := &stubRuntimeClient{resp: converseResp("Sure, here you go:\n" + `{"kind":"info","item":"","quantity":0,"urgency":"low","confidence":0.5,"language_tag":"en-US"}` + "\nLet me know if you need anything else.")}
	cls, err := New(stub, "anthropic.claude-3-5-haiku-20241022-v1:0")
	require.NoError(t, err)

	intent, err := cls.Classify(context.Background(), "what's my order status")
	require.NoError(t, err)
	assert.EqualValues(t, "info", intent.Kind)
}

func TestClassifyWrapsTransportError(t *testing.T) {
	stub := &stubRuntimeClient{err: errors.New("throttled")}
	cls, err := New(stub, "anthropic.claude-3-5-haiku-20241022-v1:0")
	require.NoError(t, err)

	_, err = cls.Classify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bedrockllm classifier")
}

func TestClassifyRejectsMalformedJSON(t *testing.T) {
	stub := &stubRuntimeClient{resp: converseResp("not json at all")}
	cls, err := New(stub, "anthropic.claude-3-5-haiku-20241022-v1:0")
	require.NoError(t, err)

	_, err = cls.Classify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}
