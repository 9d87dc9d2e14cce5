package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/sitevoice/internal/capture"
	"github.com/sjawhar/sitevoice/internal/storage"
	"github.com/sjawhar/sitevoice/internal/transcribe"
)

const (
	idLayout          = "20060102150405"
	uploadName        = "audio"
	backgroundTimeout = 2 * time.Minute
)

// Manager turns finished recordings into stored, transcribed captures and
// exposes the host microphone to the HTTP API.
type Manager struct {
	store       Store
	library     AudioLibrary
	transcriber transcribe.Transcriber
	hub         EventBroadcaster
	recorder    Recorder
	journal     Journal
	uploader    Uploader
	now         func() time.Time

	mu     sync.Mutex
	lastID string
	wg     sync.WaitGroup
}

// NewManager wires the recorder callbacks to hub. recorder, transcriber and
// hub may be nil.
func NewManager(store Store, library AudioLibrary, transcriber transcribe.Transcriber, hub EventBroadcaster, recorder Recorder) *Manager {
	m := &Manager{
		store:       store,
		library:     library,
		transcriber: transcriber,
		hub:         hub,
		recorder:    recorder,
		now:         time.Now,
	}

	if recorder != nil {
		maxDuration := recorder.MaxDuration()
		recorder.OnStateChange(func(state capture.State) {
			if m.hub != nil {
				m.hub.BroadcastCaptureState(string(state), maxDuration, "")
			}
		})
		recorder.OnLevels(func(levels []float64) {
			if m.hub != nil {
				m.hub.BroadcastLevels(levels)
			}
		})
		recorder.OnError(func(err error) {
			if m.hub != nil {
				m.hub.BroadcastCaptureState(string(capture.StateIdle), maxDuration, err.Error())
			}
		})
		recorder.OnAutoStop(m.handleAutoStop)
	}

	return m
}

func (m *Manager) SetJournal(j Journal) { m.journal = j }

func (m *Manager) SetUploader(u Uploader) { m.uploader = u }

// HasMicrophone reports whether Start and Stop drive a real device.
func (m *Manager) HasMicrophone() bool { return m.recorder != nil }

func (m *Manager) Start(ctx context.Context) error {
	if m.recorder == nil {
		return &capture.DeviceAcquisitionError{Err: ErrNoRecorder}
	}
	return m.recorder.Start(ctx)
}

// Stop ends the microphone recording and processes it like an upload.
func (m *Manager) Stop(ctx context.Context) (storage.Capture, error) {
	if m.recorder == nil {
		return storage.Capture{}, fmt.Errorf("%w: %w", capture.ErrNotRecording, ErrNoRecorder)
	}
	payload, err := m.recorder.Stop()
	if err != nil {
		return storage.Capture{}, err
	}
	return m.Submit(ctx, payload, "mic")
}

func (m *Manager) Cancel() {
	if m.recorder != nil {
		m.recorder.Cancel()
	}
}

func (m *Manager) Status() capture.Snapshot {
	if m.recorder == nil {
		return capture.Snapshot{State: capture.StateIdle, Levels: []float64{}}
	}
	return m.recorder.Snapshot()
}

// Submit stores payload, transcribes it and announces the result. A failed
// transcription is recorded on the returned capture rather than returned as
// an error.
func (m *Manager) Submit(ctx context.Context, payload *capture.Payload, source string) (storage.Capture, error) {
	blob, err := payload.Bytes()
	if err != nil {
		return storage.Capture{}, err
	}
	if len(blob) == 0 {
		return storage.Capture{}, capture.ErrNoAudioCaptured
	}

	createdAt := m.now().UTC()
	id := m.nextID(createdAt)

	path, err := m.library.Save(id, blob, payload.MimeType)
	if err != nil {
		return storage.Capture{}, fmt.Errorf("save recording: %w", err)
	}

	c := storage.Capture{
		ID:               id,
		CreatedAt:        createdAt,
		MimeType:         payload.MimeType,
		AudioPath:        path,
		Seconds:          payload.Seconds,
		Size:             len(blob),
		Source:           source,
		TranscriptStatus: storage.TranscriptPending,
	}
	if m.transcriber != nil {
		c.TranscriptStatus = storage.TranscriptRunning
	}
	if err := m.store.CreateCapture(c); err != nil {
		return storage.Capture{}, fmt.Errorf("create capture: %w", err)
	}

	if m.transcriber != nil {
		m.transcribe(ctx, &c, blob)
	}

	if m.hub != nil {
		m.hub.BroadcastTranscriptReady(c)
	}
	m.scheduleUpload(c)

	return c, nil
}

func (m *Manager) transcribe(ctx context.Context, c *storage.Capture, blob []byte) {
	tr, err := m.transcriber.Transcribe(ctx, blob, c.MimeType, c.CreatedAt)
	if err != nil {
		slog.Warn("pipeline: transcription failed", "capture", c.ID, "error", err)
		c.TranscriptStatus = storage.TranscriptFailed
		c.Error = err.Error()
		if err := m.store.UpdateTranscript(c.ID, "", storage.TranscriptFailed, c.Error); err != nil {
			slog.Error("pipeline: record transcription failure", "capture", c.ID, "error", err)
		}
		return
	}

	for _, seg := range tr.Segments {
		if err := m.store.AppendSegment(c.ID, seg); err != nil {
			slog.Error("pipeline: append segment", "capture", c.ID, "error", err)
		}
	}

	c.Transcript = tr.Text
	c.TranscriptStatus = storage.TranscriptCompleted
	if err := m.store.UpdateTranscript(c.ID, tr.Text, storage.TranscriptCompleted, ""); err != nil {
		slog.Error("pipeline: store transcript", "capture", c.ID, "error", err)
	}

	if m.journal != nil {
		if err := m.journal.AppendTranscript(c.ID, c.CreatedAt.Local(), tr); err != nil {
			slog.Warn("pipeline: journal append failed", "capture", c.ID, "error", err)
		}
	}
}

func (m *Manager) handleAutoStop(payload *capture.Payload, err error) {
	if err != nil {
		slog.Warn("pipeline: recording hit the duration limit without a payload", "error", err)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if _, err := m.Submit(ctx, payload, "mic"); err != nil {
			slog.Error("pipeline: process auto-stopped recording", "error", err)
		}
	}()
}

func (m *Manager) scheduleUpload(c storage.Capture) {
	if m.uploader == nil || c.AudioPath == "" {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		claimed, err := m.store.ClaimUpload(c.ID, uploadName)
		if err != nil {
			slog.Warn("pipeline: claim upload", "capture", c.ID, "error", err)
			return
		}
		if !claimed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		if _, err := m.uploader.UploadRecording(ctx, c.AudioPath); err != nil {
			slog.Warn("pipeline: upload recording", "capture", c.ID, "error", err)
		}

		if m.journal != nil && c.TranscriptStatus == storage.TranscriptCompleted {
			local := c.CreatedAt.Local()
			if err := m.uploader.SyncJournal(ctx, m.journal.PathFor(local), local.Format("2006-01-02")); err != nil {
				slog.Warn("pipeline: sync journal", "capture", c.ID, "error", err)
			}
		}
	}()
}

// Shutdown cancels an active recording and waits for background processing
// until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextID derives a capture id from at, bumping by a second when two
// captures land in the same second.
func (m *Manager) nextID(at time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := at.UTC().Format(idLayout)
	for id <= m.lastID {
		at = at.Add(time.Second)
		id = at.UTC().Format(idLayout)
	}
	m.lastID = id
	return id
}
