package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateCancelled  State = "cancelled"
)

const (
	DefaultMaxDuration      = 60 * time.Second
	DefaultFragmentInterval = 100 * time.Millisecond
	DefaultTickInterval     = time.Second / 60
	DefaultSampleRate       = 16000
	DefaultBands            = 12
	DefaultGain             = 1.5
)

// Constraints describe the input the session asks the provider for.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	FragmentInterval time.Duration
}

// DeviceProvider hands out exclusive capture handles.
type DeviceProvider interface {
	Acquire(ctx context.Context, c Constraints) (Device, error)
}

// Device is an acquired input. Fragments are delivered through the function
// passed to Start, from any goroutine, until Stop returns. Stop flushes the
// final partial fragment before releasing the hardware.
type Device interface {
	Start(onFragment func([]byte)) error
	// Spectrum fills dst with the current magnitude spectrum normalised to
	// [0,1] and returns it, reallocating when dst is too small.
	Spectrum(dst []float64) []float64
	Stop() error
}

// Container concatenates recorded fragments into a single blob.
type Container interface {
	MimeType() string
	Finalize(fragments [][]byte) ([]byte, error)
}

// Payload is a finished recording ready for transport.
type Payload struct {
	Data     string  `json:"data"`
	MimeType string  `json:"mime_type"`
	Size     int     `json:"size"`
	Seconds  float64 `json:"seconds"`
}

func NewPayload(blob []byte, mimeType string, duration time.Duration) *Payload {
	return &Payload{
		Data:     base64.StdEncoding.EncodeToString(blob),
		MimeType: mimeType,
		Size:     len(blob),
		Seconds:  duration.Seconds(),
	}
}

// Bytes decodes the payload back to the raw blob.
func (p *Payload) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return data, nil
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	State       State     `json:"state"`
	Elapsed     float64   `json:"elapsed"`
	MaxDuration float64   `json:"max_duration"`
	Levels      []float64 `json:"levels"`
	Error       string    `json:"error,omitempty"`
}

type Config struct {
	MaxDuration      time.Duration
	FragmentInterval time.Duration
	TickInterval     time.Duration
	SampleRate       int
	Bands            int
	Gain             float64
}

func (c Config) withDefaults() Config {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.FragmentInterval <= 0 {
		c.FragmentInterval = DefaultFragmentInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Bands <= 0 {
		c.Bands = DefaultBands
	}
	if c.Gain <= 0 {
		c.Gain = DefaultGain
	}
	return c
}
