package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAITranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("expected whisper-1, got %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			return
		}
		defer file.Close()
		if header.Filename != "recording.wav" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "RIFF-audio" {
			t.Errorf("unexpected upload %q", data)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task":     "transcribe",
			"language": "english",
			"duration": 4.2,
			"text":     " The gutter is pulling away from the fascia. ",
			"segments": []map[string]any{
				{"id": 0, "start": 0.0, "end": 2.0, "text": " The gutter is pulling away"},
				{"id": 1, "start": 2.0, "end": 4.2, "text": " from the fascia."},
			},
		})
	}))
	defer server.Close()

	tr, err := New("openai", "test-key", "", WithBaseURL(server.URL+"/v1"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	recordedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	got, err := tr.Transcribe(context.Background(), []byte("RIFF-audio"), "audio/wav", recordedAt)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got.Text != "The gutter is pulling away from the fascia." {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if len(got.Segments) != 2 || got.Segments[1].Text != "from the fascia." {
		t.Fatalf("unexpected segments %#v", got.Segments)
	}
	if !got.Segments[1].Timestamp.Equal(recordedAt.Add(2 * time.Second)) {
		t.Fatalf("unexpected segment timestamp %v", got.Segments[1].Timestamp)
	}
	if got.Provider != "openai" {
		t.Fatalf("unexpected provider %q", got.Provider)
	}
}

func TestOpenAITranscribeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"unsupported format","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	tr, err := New("openai", "test-key", "whisper-1", WithBaseURL(server.URL+"/v1"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = tr.Transcribe(context.Background(), []byte("x"), "audio/webm", time.Now())
	if err == nil || !strings.Contains(err.Error(), "openai transcription") {
		t.Fatalf("expected wrapped transcription error, got %v", err)
	}
}

func TestDeepgramTranscribeSendsContainerType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "audio/webm;codecs=opus" {
			t.Errorf("expected webm content type, got %q", got)
		}
		if got := r.URL.Query().Get("diarize"); got != "true" {
			t.Errorf("expected diarize=true, got %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		if string(data) != "webm-audio" {
			t.Errorf("unexpected upload %q", data)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":{"channels":[{"alternatives":[{
			"transcript":"Deck boards are rotting.",
			"words":[
				{"word":"deck","punctuated_word":"Deck","start":0.1,"end":0.4,"speaker":0},
				{"word":"boards","punctuated_word":"boards","start":0.4,"end":0.8,"speaker":0},
				{"word":"are","punctuated_word":"are","start":0.8,"end":1.0,"speaker":0},
				{"word":"rotting","punctuated_word":"rotting.","start":1.0,"end":1.5,"speaker":0}
			]}]}]}}`)
	}))
	defer server.Close()

	tr, err := New("deepgram", "test-key", "", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := tr.Transcribe(context.Background(), []byte("webm-audio"), "audio/webm;codecs=opus", time.Now())
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got.Text != "Deck boards are rotting." || got.Provider != "deepgram" {
		t.Fatalf("unexpected transcript %#v", got)
	}
	if len(got.Segments) != 1 || got.Segments[0].Text != "Deck boards are rotting." {
		t.Fatalf("unexpected segments %#v", got.Segments)
	}
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	for _, provider := range []string{"openai", "deepgram"} {
		t.Run(provider, func(t *testing.T) {
			tr, err := New(provider, "test-key", "")
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if _, err := tr.Transcribe(context.Background(), nil, "audio/wav", time.Now()); !errors.Is(err, ErrEmptyAudio) {
				t.Fatalf("expected ErrEmptyAudio, got %v", err)
			}
		})
	}
}

func TestNewUnknownProvider(t *testing.T) {
	tr, err := New("whisper.cpp", "", "")
	if err == nil || tr != nil {
		t.Fatalf("expected error for unknown provider, got %v / %#v", err, tr)
	}
	if !strings.Contains(err.Error(), "unknown transcription provider") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestUploadName(t *testing.T) {
	tests := map[string]string{
		"audio/wav":              "recording.wav",
		"audio/flac":             "recording.flac",
		"audio/webm;codecs=opus": "recording.webm",
		"audio/mpeg":             "recording.mp3",
		"audio/x-m4a":            "recording.m4a",
		"":                       "recording.webm",
	}
	for mimeType, want := range tests {
		if got := uploadName(mimeType); got != want {
			t.Errorf("uploadName(%q) = %q, want %q", mimeType, got, want)
		}
	}
}
