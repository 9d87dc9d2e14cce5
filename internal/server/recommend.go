package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sjawhar/sitevoice/internal/llm"
	"github.com/sjawhar/sitevoice/internal/recommend"
	"github.com/sjawhar/sitevoice/internal/storage"
)

const maxRecommendationBody = 1 << 20

type recommendationRequest struct {
	Transcript string        `json:"transcript"`
	Preset     string        `json:"preset"`
	CaptureID  string        `json:"capture_id"`
	Messages   []llm.Message `json:"messages"`
}

type sseChunk struct {
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Delta sseDelta `json:"delta"`
}

type sseDelta struct {
	Content string `json:"content"`
}

// sseWriter holds back the response header until the first write so a
// failure before any output can still be answered with a JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) start() error {
	if s.started {
		return nil
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	return s.write(": connected\n\n")
}

func (s *sseWriter) content(text string) error {
	if err := s.start(); err != nil {
		return err
	}
	payload, err := json.Marshal(sseChunk{Choices: []sseChoice{{Delta: sseDelta{Content: text}}}})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.write("data: " + string(payload) + "\n\n")
}

func (s *sseWriter) comment(text string) error {
	if err := s.start(); err != nil {
		return err
	}
	return s.write(": " + strings.ReplaceAll(text, "\n", " ") + "\n\n")
}

func (s *sseWriter) done() error {
	if err := s.start(); err != nil {
		return err
	}
	return s.write("data: [DONE]\n\n")
}

func (s *sseWriter) write(text string) error {
	if _, err := io.WriteString(s.w, text); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func recommendationHandler(hub *Hub, store CaptureStore, services Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if services.Recommender == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "recommendations unavailable")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRecommendationBody)
		var req recommendationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
			return
		}

		transcript := strings.TrimSpace(req.Transcript)
		if transcript == "" && req.CaptureID != "" {
			if !validCaptureID(req.CaptureID) {
				writeJSONError(w, http.StatusForbidden, "invalid capture id")
				return
			}
			c, err := store.GetCapture(req.CaptureID)
			if err != nil {
				writeJSONError(w, http.StatusNotFound, "capture not found")
				return
			}
			transcript = strings.TrimSpace(c.Transcript)
		}
		if transcript == "" && len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "transcript is required")
			return
		}
		if req.Preset != "" {
			if _, ok := services.Recommender.Presets()[req.Preset]; !ok {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset %q", req.Preset))
				return
			}
		}

		requestID := strconv.FormatInt(time.Now().UnixNano(), 36)
		sse := newSSEWriter(w)
		var text strings.Builder
		onDelta := func(delta string) error {
			text.WriteString(delta)
			if hub != nil {
				hub.BroadcastRecommendationDelta(requestID, delta, false)
			}
			return sse.content(delta)
		}

		preset := req.Preset
		var err error
		if transcript != "" {
			preset, err = services.Recommender.Stream(r.Context(), transcript, req.Preset, onDelta)
		} else {
			transcript = lastUserMessage(req.Messages)
			err = services.Recommender.StreamMessages(r.Context(), req.Messages, onDelta)
		}

		if err != nil {
			if r.Context().Err() != nil {
				log.Printf("recommendation %s: client went away: %v", requestID, err)
				return
			}
			if !sse.started {
				writeJSONError(w, recommendErrorStatus(err), err.Error())
				return
			}
			log.Printf("recommendation %s: stream failed after %d bytes: %v", requestID, text.Len(), err)
			_ = sse.comment("error: " + err.Error())
			return
		}

		rec := storage.Recommendation{
			CreatedAt:  time.Now().UTC(),
			CaptureID:  req.CaptureID,
			Preset:     preset,
			Transcript: transcript,
			Text:       text.String(),
		}
		if _, err := store.InsertRecommendation(rec); err != nil {
			log.Printf("recommendation %s: store: %v", requestID, err)
		}
		if services.Journal != nil {
			if err := services.Journal.AppendRecommendation(rec); err != nil {
				log.Printf("recommendation %s: journal: %v", requestID, err)
			}
		}
		if hub != nil {
			hub.BroadcastRecommendationDelta(requestID, "", true)
		}

		// Stored before the terminator is written.
		if err := sse.done(); err != nil {
			log.Printf("recommendation %s: write terminator: %v", requestID, err)
		}
	}
}

func recommendErrorStatus(err error) int {
	if errors.Is(err, recommend.ErrEmptyTranscript) || errors.Is(err, recommend.ErrUnknownPreset) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
