package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"clone-agent/internal/usecase"
)

const (
	defaultOutputFormat = "mp3_22050_32"
	maxAudioBytes       = 16 << 20
)

// synthesisRequest is the ElevenLabs text-to-speech request shape.
type synthesisRequest struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API key.
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
	return fmt.Sprintf("speech: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client renders answer text to speech through the ElevenLabs streaming
// endpoint using a cloned voice.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	getter       Getter
	paramPrefix  string
	voiceID      string
	outputFormat string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
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

func WithOutputFormat(format string) Option {
	return func(c *Client) {
		c.outputFormat = format
	}
}

// NewClient creates a Client backed by the given parameter getter for
// API key retrieval. The key is fetched on the first synthesis call and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix, voiceID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("speech: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("speech: parameter prefix must not be empty")
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, errors.New("speech: voice id must not be empty")
	}
	c := &Client{
		baseURL:      "https://api.elevenlabs.io/v1",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		getter:       ps,
		paramPrefix:  paramPrefix,
		voiceID:      voiceID,
		outputFormat: defaultOutputFormat,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKey(ctx, c.getter, c.paramPrefix+"/elevenlabs-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) synthesisURL() string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = "https://api.elevenlabs.io/v1"
	}
	return fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s", base, c.voiceID, url.QueryEscape(c.outputFormat))
}

// Synthesize converts text to audio. Voice settings follow the cloned
// voice's calibration.
func (c *Client) Synthesize(ctx context.Context, text string) (usecase.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return usecase.Audio{}, errors.New("speech: text must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return usecase.Audio{}, err
	}

	body, err := json.Marshal(synthesisRequest{
		Text: text,
		VoiceSettings: voiceSettings{
			Stability:       0.48,
			SimilarityBoost: 0.5,
			Style:           0.78,
		},
	})
	if err != nil {
		return usecase.Audio{}, fmt.Errorf("speech: marshal request: %w", err)
	}

	reqURL := c.synthesisURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return usecase.Audio{}, fmt.Errorf("speech: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return usecase.Audio{}, fmt.Errorf("speech: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return usecase.Audio{}, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        reqURL,
			Body:       string(buf),
		}
	}

	audio, err := io.ReadAll(io.LimitReader(res.Body, maxAudioBytes))
	if err != nil {
		return usecase.Audio{}, fmt.Errorf("speech: read audio stream: %w", err)
	}
	if len(audio) == 0 {
		return usecase.Audio{}, errors.New("speech: empty audio stream")
	}

	return usecase.Audio{
		Body:        audio,
		ContentType: "audio/mpeg",
		FileExt:     fileExtFor(c.outputFormat),
	}, nil
}

// fileExtFor derives the artifact extension from the requested output
// format, e.g. mp3_22050_32 becomes mp3.
func fileExtFor(outputFormat string) string {
	if i := strings.IndexByte(outputFormat, '_'); i > 0 {
		return outputFormat[:i]
	}
	return outputFormat
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("speech: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("speech: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("speech: API token is empty")
	}
	return tp.Token, nil
}
