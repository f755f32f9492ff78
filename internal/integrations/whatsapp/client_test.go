package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: `{"token":"wa-test"}`},
		"/clone-agent",
		"123456789",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func acceptedResponse(id string) string {
	return `{"messaging_product":"whatsapp","messages":[{"id":"` + id + `"}]}`
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(nil, "/clone-agent", "123456789")
	require.Error(t, err)

	_, err = NewClient(&fakeGetter{}, " ", "123456789")
	require.Error(t, err)

	_, err = NewClient(&fakeGetter{}, "/clone-agent", " ")
	require.Error(t, err)
}

func TestSendURL(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "/clone-agent", "123456789")
	require.NoError(t, err)
	require.Equal(t, "https://graph.facebook.com/v20.0/123456789/messages", c.sendURL())

	c, err = NewClient(&fakeGetter{}, "/clone-agent", "123456789", WithBaseURL("http://localhost:8080/"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/123456789/messages", c.sendURL())
}

func TestResolveToken_FetchedOnce(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"wa-from-ssm"}`}
	g.onCall = func() { calls++ }
	c, err := NewClient(g, "/clone-agent", "123456789")
	require.NoError(t, err)

	token, err := c.resolveToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wa-from-ssm", token)

	_, _ = c.resolveToken(context.Background())
	require.Equal(t, 1, calls, "SSM must only be called once per process lifetime")
}

func TestFetchToken_Errors(t *testing.T) {
	_, err := fetchToken(context.Background(), &fakeGetter{err: errors.New("ssm unavailable")}, "/clone-agent/whatsapp-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")

	_, err = fetchToken(context.Background(), &fakeGetter{val: `{"broken`}, "/clone-agent/whatsapp-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")

	_, err = fetchToken(context.Background(), &fakeGetter{val: `{}`}, "/clone-agent/whatsapp-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "token is empty")
}

func TestSendText_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/123456789/messages", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer wa-test", r.Header.Get("Authorization"))

		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "whatsapp", req.MessagingProduct)
		require.Equal(t, "4915551234", req.To)
		require.Equal(t, "text", req.Type)
		require.NotNil(t, req.Text)
		require.Equal(t, "Hello there.", req.Text.Body)
		require.Nil(t, req.Audio)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(acceptedResponse("wamid.reply-1")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	receipt, err := c.SendText(context.Background(), "4915551234", "Hello there.")
	require.NoError(t, err)
	require.Equal(t, "wamid.reply-1", receipt.MessageID)
	require.Equal(t, "accepted", receipt.Status)
}

func TestSendAudio_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "audio", req.Type)
		require.NotNil(t, req.Audio)
		require.Equal(t, "https://bucket.example/a.mp3?sig=x", req.Audio.Link)
		require.Nil(t, req.Text)

		_, _ = w.Write([]byte(acceptedResponse("wamid.reply-2")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	receipt, err := c.SendAudio(context.Background(), "4915551234", "https://bucket.example/a.mp3?sig=x")
	require.NoError(t, err)
	require.Equal(t, "wamid.reply-2", receipt.MessageID)
}

func TestSend_Validation(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"wa-test"}`}, "/clone-agent", "123456789")
	require.NoError(t, err)

	_, err = c.SendText(context.Background(), "4915551234", "  ")
	require.Error(t, err)

	_, err = c.SendAudio(context.Background(), "4915551234", "")
	require.Error(t, err)

	_, err = c.SendText(context.Background(), " ", "hello")
	require.Error(t, err)
}

func TestSend_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid recipient"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.SendText(context.Background(), "4915551234", "hello")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "invalid recipient")
}

func TestSend_MalformedAndEmptyResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	_, err := c.SendText(context.Background(), "4915551234", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer srv2.Close()
	c = newTestClient(t, srv2)
	_, err = c.SendText(context.Background(), "4915551234", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no message id")
}

func TestSend_TokenFetchFailureSurfaces(t *testing.T) {
	c, err := NewClient(&fakeGetter{err: errors.New("ssm unavailable")}, "/clone-agent", "123456789")
	require.NoError(t, err)

	_, err = c.SendText(context.Background(), "4915551234", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
}

func TestSend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(acceptedResponse("wamid.late")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.SendText(context.Background(), "4915551234", "hello")
	require.Error(t, err)
}
