package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"clone-agent/internal/domain"
)

// sendRequest is the Graph API message send shape. Exactly one of Text
// and Audio is set, matching the declared Type.
type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textPayload  `json:"text,omitempty"`
	Audio            *audioPayload `json:"audio,omitempty"`
}

type textPayload struct {
	Body string `json:"body"`
}

type audioPayload struct {
	Link string `json:"link"`
}

// sendResponse is the minimal response shape returned by the send
// endpoint.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// tokenPayload is the expected JSON shape stored in SSM for the access
// token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware
// context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends outbound messages through the WhatsApp Cloud API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	getter        Getter
	paramPrefix   string
	phoneNumberID string

	tokenOnce   sync.Once
	accessToken string
	tokenErr    error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The access token is fetched from the
// parameter store on the first send and reused for the process lifetime.
func NewClient(ps Getter, paramPrefix, phoneNumberID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	if strings.TrimSpace(phoneNumberID) == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	c := &Client{
		baseURL:       "https://graph.facebook.com/v20.0",
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		getter:        ps,
		paramPrefix:   paramPrefix,
		phoneNumberID: phoneNumberID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendText delivers a plain text reply.
func (c *Client) SendText(ctx context.Context, recipient, text string) (domain.DeliveryReceipt, error) {
	if strings.TrimSpace(text) == "" {
		return domain.DeliveryReceipt{}, errors.New("whatsapp: text must not be empty")
	}
	return c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "text",
		Text:             &textPayload{Body: text},
	})
}

// SendAudio delivers a voice reply referencing a fetchable media link.
func (c *Client) SendAudio(ctx context.Context, recipient, mediaLink string) (domain.DeliveryReceipt, error) {
	if strings.TrimSpace(mediaLink) == "" {
		return domain.DeliveryReceipt{}, errors.New("whatsapp: media link must not be empty")
	}
	return c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "audio",
		Audio:            &audioPayload{Link: mediaLink},
	})
}

func (c *Client) send(ctx context.Context, req sendRequest) (domain.DeliveryReceipt, error) {
	if strings.TrimSpace(req.To) == "" {
		return domain.DeliveryReceipt{}, errors.New("whatsapp: recipient must not be empty")
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := c.sendURL()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("whatsapp: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("whatsapp: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.DeliveryReceipt{}, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(raw[:min(len(raw), 4096)]),
		}
	}

	var payload sendResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(payload.Messages) == 0 {
		return domain.DeliveryReceipt{}, errors.New("whatsapp: no message id in response")
	}

	return domain.DeliveryReceipt{
		MessageID: payload.Messages[0].ID,
		Status:    "accepted",
	}, nil
}

func (c *Client) sendURL() string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com/v20.0"
	}
	return base + "/" + c.phoneNumberID + "/messages"
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.accessToken, c.tokenErr = fetchToken(ctx, c.getter, c.paramPrefix+"/whatsapp-token")
	})
	return c.accessToken, c.tokenErr
}

func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("whatsapp: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("whatsapp: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("whatsapp: access token is empty")
	}
	return tp.Token, nil
}
