package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"clone-agent/internal/domain"
)

type stubSpeech struct {
	audio Audio
	err   error
	calls int
}

func (s *stubSpeech) Synthesize(_ context.Context, _ string) (Audio, error) {
	s.calls++
	return s.audio, s.err
}

type stubMedia struct {
	link string
	err  error

	gotKey         string
	gotContentType string
	gotBody        []byte
}

func (m *stubMedia) Store(_ context.Context, key string, body []byte, contentType string) (string, error) {
	m.gotKey = key
	m.gotBody = body
	m.gotContentType = contentType
	if m.err != nil {
		return "", m.err
	}
	return m.link, nil
}

type stubGateway struct {
	textReceipt  domain.DeliveryReceipt
	audioReceipt domain.DeliveryReceipt
	textErr      error
	audioErr     error

	textCalls  int
	audioCalls int
	gotText    string
	gotLink    string
}

func (g *stubGateway) SendText(_ context.Context, _ string, text string) (domain.DeliveryReceipt, error) {
	g.textCalls++
	g.gotText = text
	return g.textReceipt, g.textErr
}

func (g *stubGateway) SendAudio(_ context.Context, _ string, link string) (domain.DeliveryReceipt, error) {
	g.audioCalls++
	g.gotLink = link
	return g.audioReceipt, g.audioErr
}

func newTestDispatcher(t *testing.T, speech *stubSpeech, media *stubMedia, gw *stubGateway) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(speech, media, gw, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return d
}

func audioStrategy() domain.ReplyStrategy {
	return domain.ReplyStrategy{Mode: domain.ModeAudio, ComplexityFactor: 0.8}
}

func TestNewDispatcher_ValidatesDependencies(t *testing.T) {
	_, err := NewDispatcher(nil, &stubMedia{}, &stubGateway{}, nil)
	require.Error(t, err)

	_, err = NewDispatcher(&stubSpeech{}, nil, &stubGateway{}, nil)
	require.Error(t, err)

	_, err = NewDispatcher(&stubSpeech{}, &stubMedia{}, nil, nil)
	require.Error(t, err)
}

func TestDispatch_TextMode(t *testing.T) {
	speech := &stubSpeech{}
	gw := &stubGateway{textReceipt: domain.DeliveryReceipt{MessageID: "wamid.t", Status: "accepted"}}
	d := newTestDispatcher(t, speech, &stubMedia{}, gw)

	receipt, delivered, err := d.Dispatch(context.Background(), "4915551234", "hello", domain.DefaultStrategy(), "evt-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModeText, delivered)
	require.Equal(t, "wamid.t", receipt.MessageID)
	require.Equal(t, "hello", gw.gotText)
	require.Zero(t, speech.calls)
	require.Zero(t, gw.audioCalls)
}

func TestDispatch_AudioMode(t *testing.T) {
	speech := &stubSpeech{audio: Audio{Body: []byte("mp3-bytes"), ContentType: "audio/mpeg", FileExt: "mp3"}}
	media := &stubMedia{link: "https://bucket.example/evt-1.mp3?sig=x"}
	gw := &stubGateway{audioReceipt: domain.DeliveryReceipt{MessageID: "wamid.a", Status: "accepted"}}
	d := newTestDispatcher(t, speech, media, gw)

	receipt, delivered, err := d.Dispatch(context.Background(), "4915551234", "hello", audioStrategy(), "evt-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModeAudio, delivered)
	require.Equal(t, "wamid.a", receipt.MessageID)
	require.Equal(t, "evt-1.mp3", media.gotKey)
	require.Equal(t, "audio/mpeg", media.gotContentType)
	require.Equal(t, []byte("mp3-bytes"), media.gotBody)
	require.Equal(t, media.link, gw.gotLink)
	require.Zero(t, gw.textCalls)
}

func TestDispatch_SynthesisFailureFallsBackToText(t *testing.T) {
	speech := &stubSpeech{err: errors.New("tts unavailable")}
	gw := &stubGateway{textReceipt: domain.DeliveryReceipt{MessageID: "wamid.t"}}
	d := newTestDispatcher(t, speech, &stubMedia{}, gw)

	receipt, delivered, err := d.Dispatch(context.Background(), "4915551234", "hello", audioStrategy(), "evt-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModeText, delivered)
	require.Equal(t, "wamid.t", receipt.MessageID)
	require.Equal(t, 1, gw.textCalls)
	require.Zero(t, gw.audioCalls)
}

func TestDispatch_StoreFailureFallsBackToText(t *testing.T) {
	speech := &stubSpeech{audio: Audio{Body: []byte("x"), ContentType: "audio/mpeg", FileExt: "mp3"}}
	media := &stubMedia{err: errors.New("s3 put failed")}
	gw := &stubGateway{textReceipt: domain.DeliveryReceipt{MessageID: "wamid.t"}}
	d := newTestDispatcher(t, speech, media, gw)

	_, delivered, err := d.Dispatch(context.Background(), "4915551234", "hello", audioStrategy(), "evt-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModeText, delivered)
	require.Equal(t, 1, gw.textCalls)
}

func TestDispatch_AudioSendFailureFallsBackToText(t *testing.T) {
	speech := &stubSpeech{audio: Audio{Body: []byte("x"), ContentType: "audio/mpeg", FileExt: "mp3"}}
	media := &stubMedia{link: "https://bucket.example/a.mp3"}
	gw := &stubGateway{audioErr: errors.New("graph api rejected"), textReceipt: domain.DeliveryReceipt{MessageID: "wamid.t"}}
	d := newTestDispatcher(t, speech, media, gw)

	_, delivered, err := d.Dispatch(context.Background(), "4915551234", "hello", audioStrategy(), "evt-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModeText, delivered)
	require.Equal(t, 1, gw.audioCalls)
	require.Equal(t, 1, gw.textCalls)
}

func TestDispatch_TextFailureSurfaces(t *testing.T) {
	gw := &stubGateway{textErr: errors.New("graph api 500")}
	d := newTestDispatcher(t, &stubSpeech{}, &stubMedia{}, gw)

	_, _, err := d.Dispatch(context.Background(), "4915551234", "hello", domain.DefaultStrategy(), "evt-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "text delivery")
}
