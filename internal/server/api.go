package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sjawhar/sitevoice/internal/capture"
	"github.com/sjawhar/sitevoice/internal/storage"
	"github.com/sjawhar/sitevoice/internal/transcribe"
)

const maxUploadBytes = 32 << 20

var captureIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type CaptureStore interface {
	ListCaptures(date string, limit int) ([]storage.Capture, error)
	GetCapture(id string) (storage.Capture, error)
	GetSegments(captureID string) ([]transcribe.Segment, error)
	GetDates() ([]string, error)
	InsertRecommendation(rec storage.Recommendation) (int64, error)
	ListRecommendations(captureID string, limit int) ([]storage.Recommendation, error)
}

// CaptureService drives the host microphone and turns payloads into stored,
// transcribed captures.
type CaptureService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (storage.Capture, error)
	Cancel()
	Status() capture.Snapshot
	Submit(ctx context.Context, payload *capture.Payload, source string) (storage.Capture, error)
}

func registerAPIRoutes(mux *http.ServeMux, hub *Hub, store CaptureStore, services Services) {
	mux.HandleFunc("GET /api/captures", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		captures, err := store.ListCaptures(r.URL.Query().Get("date"), limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list captures: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, captures)
	})

	mux.HandleFunc("GET /api/captures/{id}", func(w http.ResponseWriter, r *http.Request) {
		captureID := r.PathValue("id")
		if !validCaptureID(captureID) {
			writeJSONError(w, http.StatusForbidden, "invalid capture id")
			return
		}

		c, err := store.GetCapture(captureID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get capture: %v", err))
			return
		}

		segments, err := store.GetSegments(captureID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get capture segments: %v", err))
			return
		}

		recs, err := store.ListRecommendations(captureID, 0)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get capture recommendations: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"capture":         c,
			"segments":        segments,
			"recommendations": recs,
		})
	})

	mux.HandleFunc("GET /api/captures/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		captureID := r.PathValue("id")
		if !validCaptureID(captureID) {
			writeJSONError(w, http.StatusForbidden, "invalid capture id")
			return
		}

		c, err := store.GetCapture(captureID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "capture not found")
			return
		}

		if c.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath, ok := audioPathAllowed(c.AudioPath, services.AudioDir)
		if !ok {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", capture.MimeFromPath(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("GET /api/recommendations", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := store.ListRecommendations(r.URL.Query().Get("capture_id"), limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list recommendations: %v", err))
			return
		}
		if recs == nil {
			recs = []storage.Recommendation{}
		}
		writeJSON(w, http.StatusOK, recs)
	})

	mux.HandleFunc("POST /api/recommendations", recommendationHandler(hub, store, services))

	mux.HandleFunc("POST /api/transcribe", func(w http.ResponseWriter, r *http.Request) {
		if services.Capture == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "transcription unavailable")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		var req struct {
			Audio    string `json:"audio"`
			MimeType string `json:"mime_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
			return
		}
		if req.Audio == "" {
			writeJSONError(w, http.StatusBadRequest, "audio is required")
			return
		}

		payload := &capture.Payload{Data: req.Audio, MimeType: req.MimeType}
		c, err := services.Capture.Submit(r.Context(), payload, "upload")
		if err != nil {
			writeJSONError(w, submitErrorStatus(err), err.Error())
			return
		}
		if c.TranscriptStatus == storage.TranscriptFailed {
			writeJSONError(w, http.StatusBadGateway, c.Error)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "text": c.Transcript})
	})

	mux.HandleFunc("POST /api/capture/start", func(w http.ResponseWriter, r *http.Request) {
		if services.Capture == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "microphone unavailable")
			return
		}

		if err := services.Capture.Start(context.WithoutCancel(r.Context())); err != nil {
			status := http.StatusInternalServerError
			var acqErr *capture.DeviceAcquisitionError
			switch {
			case errors.Is(err, capture.ErrAlreadyRecording):
				status = http.StatusConflict
			case errors.Is(err, capture.ErrCancelled):
				status = http.StatusConflict
			case errors.As(err, &acqErr):
				status = http.StatusServiceUnavailable
			}
			writeJSONError(w, status, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, services.Capture.Status())
	})

	mux.HandleFunc("POST /api/capture/stop", func(w http.ResponseWriter, r *http.Request) {
		if services.Capture == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "microphone unavailable")
			return
		}

		c, err := services.Capture.Stop(r.Context())
		if err != nil {
			writeJSONError(w, submitErrorStatus(err), err.Error())
			return
		}

		writeJSON(w, http.StatusOK, c)
	})

	mux.HandleFunc("POST /api/capture/cancel", func(w http.ResponseWriter, r *http.Request) {
		if services.Capture != nil {
			services.Capture.Cancel()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/capture/status", func(w http.ResponseWriter, r *http.Request) {
		if services.Capture == nil {
			writeJSON(w, http.StatusOK, capture.Snapshot{State: capture.StateIdle, Levels: []float64{}})
			return
		}
		writeJSON(w, http.StatusOK, services.Capture.Status())
	})

	mux.HandleFunc("GET /api/presets", func(w http.ResponseWriter, r *http.Request) {
		presets := map[string]string{}
		if services.Recommender != nil {
			for name, preset := range services.Recommender.Presets() {
				presets[name] = preset.Description
			}
		}
		writeJSON(w, http.StatusOK, presets)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if services.Warnings != nil {
			warnings = services.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}

		presets := []string{}
		if services.Recommender != nil {
			for name := range services.Recommender.Presets() {
				presets = append(presets, name)
			}
			sort.Strings(presets)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"microphone": hasMicrophone(services.Capture),
			"presets":    presets,
			"warnings":   warnings,
		})
	})
}

// hasMicrophone reports whether capture control is backed by a device.
// Services that also accept uploads without one implement HasMicrophone.
func hasMicrophone(c CaptureService) bool {
	if c == nil {
		return false
	}
	if m, ok := c.(interface{ HasMicrophone() bool }); ok {
		return m.HasMicrophone()
	}
	return true
}

func submitErrorStatus(err error) int {
	var encErr *capture.EncodingError
	var corrupt base64.CorruptInputError
	switch {
	case errors.As(err, &corrupt):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, capture.ErrNoAudioCaptured), errors.Is(err, transcribe.ErrEmptyAudio):
		return http.StatusUnprocessableEntity
	case errors.As(err, &encErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// audioPathAllowed accepts relative paths without parent references, and
// absolute paths only inside audioDir.
func audioPathAllowed(p, audioDir string) (string, bool) {
	cleanPath := filepath.Clean(p)
	if cleanPath == "" || cleanPath == "." || cleanPath == ".." || strings.Contains(cleanPath, "..") {
		return "", false
	}
	if !filepath.IsAbs(cleanPath) {
		return cleanPath, true
	}
	if audioDir == "" || !filepath.IsAbs(audioDir) {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Clean(audioDir), cleanPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return cleanPath, true
}

func validCaptureID(id string) bool {
	return captureIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
