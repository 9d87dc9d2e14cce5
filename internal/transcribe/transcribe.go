package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrEmptyAudio = errors.New("empty audio")

type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Provider string    `json:"provider"`
}

// Transcriber turns a finished recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string, recordedAt time.Time) (*Transcript, error)
}

type Option func(*options)

type options struct {
	baseURL string
}

func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

func New(provider, apiKey, model string, opts ...Option) (Transcriber, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAITranscriber(apiKey, model, o), nil
	case "deepgram":
		return newDeepgramTranscriber(apiKey, model, o), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q: supported providers are openai, deepgram", provider)
	}
}
