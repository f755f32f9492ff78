package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/require"

	"clone-agent/internal/domain"
	"clone-agent/internal/usecase"
)

type fakeRuntime struct {
	out    *bedrockruntime.InvokeModelOutput
	err    error
	lastIn *bedrockruntime.InvokeModelInput
	calls  int
}

func (f *fakeRuntime) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.calls++
	f.lastIn = in
	return f.out, f.err
}

func responseBody(t *testing.T, blocks ...map[string]string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"content": blocks})
	require.NoError(t, err)
	return body
}

func testRequest() usecase.ModelRequest {
	return usecase.ModelRequest{
		ModelID:     "anthropic.claude-3-haiku",
		System:      "You are Max.",
		Messages:    []domain.ChatMessage{{Role: "user", Content: "How do ETFs work?"}},
		Temperature: 0.5,
		MaxTokens:   4096,
	}
}

func TestNew_RequiresAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestInvoke_HappyPath(t *testing.T) {
	api := &fakeRuntime{out: &bedrockruntime.InvokeModelOutput{
		Body: responseBody(t, map[string]string{"type": "text", "text": "An ETF is a fund."}),
	}}
	c, err := New(api)
	require.NoError(t, err)

	answer, err := c.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "An ETF is a fund.", answer)

	require.Equal(t, "anthropic.claude-3-haiku", *api.lastIn.ModelId)
	require.Equal(t, "application/json", *api.lastIn.ContentType)

	var sent invokeRequest
	require.NoError(t, json.Unmarshal(api.lastIn.Body, &sent))
	require.Equal(t, anthropicVersion, sent.AnthropicVersion)
	require.Equal(t, "You are Max.", sent.System)
	require.Equal(t, 4096, sent.MaxTokens)
	require.Len(t, sent.Messages, 1)
}

func TestInvoke_ConcatenatesTextBlocks(t *testing.T) {
	api := &fakeRuntime{out: &bedrockruntime.InvokeModelOutput{
		Body: responseBody(t,
			map[string]string{"type": "text", "text": "Part one. "},
			map[string]string{"type": "tool_use", "text": "ignored"},
			map[string]string{"type": "text", "text": "Part two."},
		),
	}}
	c, err := New(api)
	require.NoError(t, err)

	answer, err := c.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "Part one. Part two.", answer)
}

func TestInvoke_Validation(t *testing.T) {
	c, err := New(&fakeRuntime{})
	require.NoError(t, err)

	req := testRequest()
	req.ModelID = " "
	_, err = c.Invoke(context.Background(), req)
	require.Error(t, err)

	req = testRequest()
	req.Messages = nil
	_, err = c.Invoke(context.Background(), req)
	require.Error(t, err)
}

func TestInvoke_APIError(t *testing.T) {
	c, err := New(&fakeRuntime{err: errors.New("throttled")})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invoke model")
}

func TestInvoke_MalformedAndEmptyResponses(t *testing.T) {
	c, err := New(&fakeRuntime{out: &bedrockruntime.InvokeModelOutput{Body: []byte("not json")}})
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), testRequest())
	require.Error(t, err)

	c, err = New(&fakeRuntime{out: &bedrockruntime.InvokeModelOutput{Body: []byte(`{"content": []}`)}})
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no content")
}
