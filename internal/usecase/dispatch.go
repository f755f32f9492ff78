package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"clone-agent/internal/domain"
)

// Audio is a synthesized speech artifact ready for storage.
type Audio struct {
	Body        []byte
	ContentType string
	FileExt     string
}

// SpeechSynthesizer renders answer text to audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// MediaStore persists an audio artifact and returns a link the messaging
// gateway can deliver.
type MediaStore interface {
	Store(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MessagingGateway sends the outbound reply to the end user.
type MessagingGateway interface {
	SendText(ctx context.Context, recipient, text string) (domain.DeliveryReceipt, error)
	SendAudio(ctx context.Context, recipient, mediaLink string) (domain.DeliveryReceipt, error)
}

// OutputDispatcher renders the answer in the chosen modality and sends
// it. The returned mode is the modality actually delivered, which may be
// text when an audio dispatch degraded.
type OutputDispatcher interface {
	Dispatch(ctx context.Context, recipient, answer string, strategy domain.ReplyStrategy, artifactKey string) (domain.DeliveryReceipt, domain.ReplyMode, error)
}

// Dispatcher is the production OutputDispatcher: text goes straight to
// the gateway; audio is synthesized, stored, then sent as a media link.
// Audio is an enhancement, not a requirement: any failure on the audio
// path falls back to a text send of the same answer.
type Dispatcher struct {
	speech SpeechSynthesizer
	media  MediaStore
	gw     MessagingGateway
	log    *slog.Logger
}

func NewDispatcher(speech SpeechSynthesizer, media MediaStore, gw MessagingGateway, log *slog.Logger) (*Dispatcher, error) {
	if speech == nil {
		return nil, errors.New("usecase: speech synthesizer must not be nil")
	}
	if media == nil {
		return nil, errors.New("usecase: media store must not be nil")
	}
	if gw == nil {
		return nil, errors.New("usecase: messaging gateway must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{speech: speech, media: media, gw: gw, log: log}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, recipient, answer string, strategy domain.ReplyStrategy, artifactKey string) (domain.DeliveryReceipt, domain.ReplyMode, error) {
	if strategy.Mode == domain.ModeAudio {
		receipt, err := d.dispatchAudio(ctx, recipient, answer, artifactKey)
		if err == nil {
			return receipt, domain.ModeAudio, nil
		}
		d.log.Warn("audio dispatch degraded to text", "recipient", recipient, "err", err)
	}

	receipt, err := d.gw.SendText(ctx, recipient, answer)
	if err != nil {
		return domain.DeliveryReceipt{}, domain.ModeText, fmt.Errorf("usecase: text delivery: %w", err)
	}
	return receipt, domain.ModeText, nil
}

func (d *Dispatcher) dispatchAudio(ctx context.Context, recipient, answer, artifactKey string) (domain.DeliveryReceipt, error) {
	audio, err := d.speech.Synthesize(ctx, answer)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("synthesize: %w", err)
	}
	key := artifactKey
	if audio.FileExt != "" {
		key += "." + audio.FileExt
	}
	link, err := d.media.Store(ctx, key, audio.Body, audio.ContentType)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("store artifact: %w", err)
	}
	receipt, err := d.gw.SendAudio(ctx, recipient, link)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("send audio: %w", err)
	}
	return receipt, nil
}
