package pipeline

import (
	"context"
	"time"

	"github.com/sjawhar/sitevoice/internal/capture"
	"github.com/sjawhar/sitevoice/internal/storage"
	"github.com/sjawhar/sitevoice/internal/transcribe"
)

type Store interface {
	CreateCapture(c storage.Capture) error
	UpdateTranscript(id, transcript, status, errMsg string) error
	AppendSegment(captureID string, seg transcribe.Segment) error
	ClaimUpload(captureID, name string) (bool, error)
}

type AudioLibrary interface {
	Save(id string, blob []byte, mimeType string) (string, error)
}

type Journal interface {
	AppendTranscript(captureID string, recordedAt time.Time, tr *transcribe.Transcript) error
	PathFor(ts time.Time) string
}

type Uploader interface {
	UploadRecording(ctx context.Context, path string) (string, error)
	SyncJournal(ctx context.Context, path, date string) error
}

type EventBroadcaster interface {
	BroadcastCaptureState(state string, maxDuration time.Duration, errMsg string)
	BroadcastLevels(levels []float64)
	BroadcastTranscriptReady(c storage.Capture)
}

// Recorder is the capture session the manager drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (*capture.Payload, error)
	Cancel()
	Snapshot() capture.Snapshot
	MaxDuration() time.Duration
	OnLevels(callback func([]float64))
	OnError(callback func(error))
	OnAutoStop(callback func(*capture.Payload, error))
	OnStateChange(callback func(capture.State))
}
