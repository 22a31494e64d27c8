package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessagesClient struct {
	lastParams anthropic.MessageNewParams
	resp       *anthropic.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestClassifyParsesStructuredJSONResponse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{
				{Type: "text", Text: `{"kind":"purchase","item":"milk","quantity":2,"urgency":"normal","confidence":0.9,"language_tag":"en-US"}`},
			},
		},
	}
	cls := New(stub, "")

	intent, err := cls.Classify(context.Background(), "get me 2 milks")
	require.NoError(t, err)
	assert.EqualValues(t, "purchase", intent.Kind)
	assert.Equal(t, "milk", intent.Item)
	assert.Equal(t, 2.0, intent.Quantity)
	assert.Equal(t, "en-US", intent.LanguageTag)
}

func TestClassifyStripsSurroundingProseBeforeParsing(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{
				{Type: "text", Text: "Sure, here you go:\n" + `{"kind":"info","item":"","quantity":0,"urgency":"low","confidence":0.5,"language_tag":"en-US"}` + "\nLet me know if you need anything else."},
			},
		},
	}
	cls := New(stub, "")

	intent, err := cls.Classify(context.Background(), "what's my order status")
	require.NoError(t, err)
	assert.EqualValues(t, "info", intent.Kind)
}

func TestClassifyWrapsTransportError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("connection reset")}
	cls := New(stub, "")

	_, err := cls.Classify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm classifier")
}

func TestClassifyRejectsMalformedJSON(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "not json at all"}},
		},
	}
	cls := New(stub, "")

	_, err := cls.Classify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}

func TestNewDefaultsToHaikuModel(t *testing.T) {
	cls := New(&stubMessagesClient{}, "")
	assert.Equal(t, anthropic.ModelClaude3_5HaikuLatest, cls.model)
}
