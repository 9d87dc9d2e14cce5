package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sjawhar/sitevoice/internal/config"
	"github.com/sjawhar/sitevoice/internal/llm"
)

var (
	ErrEmptyTranscript = errors.New("transcript is empty")
	ErrUnknownPreset   = errors.New("unknown preset")
)

type ClientFactory func(provider, model string) (llm.Client, error)

// Recommender turns a spoken or typed project description into streamed
// advice using a configured preset.
type Recommender struct {
	cfg     config.Recommendations
	factory ClientFactory
	router  *Router
	sleep   func(time.Duration)
	now     func() time.Time
}

func New(cfg config.Recommendations, factory ClientFactory) *Recommender {
	var router *Router
	if len(cfg.Presets) > 1 {
		router = NewRouter(cfg, factory)
	}
	return &Recommender{
		cfg:     cfg,
		factory: factory,
		router:  router,
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// Stream renders presetName (or a routed preset when empty) for transcript
// and forwards the model's output to onDelta. It returns the preset used.
func (r *Recommender) Stream(ctx context.Context, transcript, presetName string, onDelta llm.DeltaFunc) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", ErrEmptyTranscript
	}

	if presetName == "" {
		chosen, err := r.selectPreset(ctx, transcript)
		if err != nil {
			return "", fmt.Errorf("select preset: %w", err)
		}
		presetName = chosen
	}

	preset, ok := r.cfg.Presets[presetName]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownPreset, presetName)
	}

	modelStr := preset.Model
	if modelStr == "" {
		modelStr = r.cfg.Model
	}

	date := r.now().UTC().Format("2006-01-02")
	userContent := strings.ReplaceAll(preset.UserTemplate, "{{transcript}}", transcript)
	userContent = strings.ReplaceAll(userContent, "{{date}}", date)
	if preset.UserTemplate == "" {
		userContent = transcript
	}

	var messages []llm.Message
	if preset.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: preset.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userContent})

	return presetName, r.stream(ctx, modelStr, messages, onDelta)
}

// StreamMessages sends a caller-built conversation to the default model.
func (r *Recommender) StreamMessages(ctx context.Context, messages []llm.Message, onDelta llm.DeltaFunc) error {
	if len(messages) == 0 {
		return ErrEmptyTranscript
	}
	return r.stream(ctx, r.cfg.Model, messages, onDelta)
}

const maxStreamAttempts = 3

// retryBackoff holds the pause before each retry, one fewer than attempts.
var retryBackoff = [maxStreamAttempts - 1]time.Duration{1 * time.Second, 4 * time.Second}

// stream retries only while nothing has been forwarded; once a delta reaches
// the caller a failure is returned as is.
func (r *Recommender) stream(ctx context.Context, modelStr string, messages []llm.Message, onDelta llm.DeltaFunc) error {
	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		return err
	}

	client, err := r.factory(provider, model)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}

	var lastErr error
	for attempt := range maxStreamAttempts {
		delivered := false
		err := client.Stream(ctx, messages, func(delta string) error {
			delivered = true
			return onDelta(delta)
		})
		if err == nil {
			return nil
		}
		if delivered || ctx.Err() != nil {
			return err
		}

		lastErr = err
		slog.Warn("recommend: stream attempt failed", "attempt", attempt+1, "model", modelStr, "error", err)
		if attempt < len(retryBackoff) {
			r.sleep(retryBackoff[attempt])
		}
	}
	return fmt.Errorf("recommendation failed after retries: %w", lastErr)
}

func (r *Recommender) selectPreset(ctx context.Context, transcript string) (string, error) {
	if r.router == nil {
		return fallbackPreset(r.cfg.Presets), nil
	}
	return r.router.SelectPreset(ctx, transcript)
}

func (r *Recommender) Presets() map[string]config.Preset {
	return r.cfg.Presets
}
