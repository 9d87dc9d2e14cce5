package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const defaultDeepgramModel = "nova-2"

type deepgramTranscriber struct {
	client *api.Client
	model  string
}

func newDeepgramTranscriber(apiKey, model string, opts *options) *deepgramTranscriber {
	if model == "" {
		model = defaultDeepgramModel
	}
	c := client.NewREST(apiKey, &interfaces.ClientOptions{Host: opts.baseURL})
	return &deepgramTranscriber{client: api.New(c), model: model}
}

func (t *deepgramTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string, recordedAt time.Time) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	if mimeType != "" {
		ctx = context.WithValue(ctx, interfaces.HeadersContext{}, http.Header{"Content-Type": []string{mimeType}})
	}

	res, err := t.client.FromStream(ctx, bytes.NewReader(audio), &interfaces.PreRecordedTranscriptionOptions{
		Model:       t.model,
		Language:    "en-US",
		Diarize:     true,
		Punctuate:   true,
		SmartFormat: true,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram transcription: %w", err)
	}
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		return &Transcript{Provider: "deepgram"}, nil
	}

	alt := res.Results.Channels[0].Alternatives[0]
	words := make([]Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, Word{Speaker: w.Speaker, PunctuatedWord: text, Start: w.Start, End: w.End})
	}

	return &Transcript{
		Text:     strings.TrimSpace(alt.Transcript),
		Segments: GroupWordsBySpeaker(words, recordedAt),
		Provider: "deepgram",
	}, nil
}
