package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sjawhar/sitevoice/internal/capture"
)

type openaiTranscriber struct {
	client *openai.Client
	model  string
}

func newOpenAITranscriber(apiKey, model string, opts *options) *openaiTranscriber {
	config := openai.DefaultConfig(apiKey)
	if opts.baseURL != "" {
		config.BaseURL = opts.baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &openaiTranscriber{client: openai.NewClientWithConfig(config), model: model}
}

func (t *openaiTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string, recordedAt time.Time) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: uploadName(mimeType),
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	transcript := &Transcript{Text: strings.TrimSpace(resp.Text), Provider: "openai"}
	for _, seg := range resp.Segments {
		transcript.Segments = append(transcript.Segments, Segment{
			Speaker:   -1,
			Text:      strings.TrimSpace(seg.Text),
			StartTime: seg.Start,
			EndTime:   seg.End,
			Timestamp: offset(recordedAt, seg.Start),
		})
	}
	return transcript, nil
}

// uploadName picks the upload filename, whose extension the API uses to
// detect the container. Unknown types are sent as webm, the browser default.
func uploadName(mimeType string) string {
	ext := capture.Extension(mimeType)
	if ext == ".bin" {
		ext = ".webm"
	}
	return "recording" + ext
}
