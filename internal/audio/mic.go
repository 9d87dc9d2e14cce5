package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/sitevoice/internal/capture"
)

const framesPerBuffer = 512

// MicProvider opens the default PortAudio input. portaudio.Initialize must
// have been called by the owner of the process.
type MicProvider struct {
	AnalyzerSize int
}

func (p *MicProvider) Acquire(ctx context.Context, c capture.Constraints) (capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Debug("audio: input processing constraints are left to the host audio stack")
	}

	interval := c.FragmentInterval
	if interval <= 0 {
		interval = capture.DefaultFragmentInterval
	}

	d := newMicDevice(c.SampleRate, interval, NewAnalyzer(p.AnalyzerSize))
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.SampleRate), framesPerBuffer, d.process)
	if err != nil {
		return nil, fmt.Errorf("open input stream at %d Hz: %w", c.SampleRate, err)
	}
	d.stream = stream
	return d, nil
}

// ProbeSampleRate returns the first candidate rate the default input accepts.
func ProbeSampleRate(candidates []int) (int, error) {
	var lastErr error
	for _, rate := range candidates {
		if rate <= 0 {
			continue
		}
		stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), framesPerBuffer, func([]int16) {})
		if err != nil {
			slog.Warn("audio: input rejected sample rate", "rate", rate, "error", err)
			lastErr = err
			continue
		}
		_ = stream.Close()
		return rate, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no sample rate candidates")
	}
	return 0, fmt.Errorf("probe input sample rate: %w", lastErr)
}

type streamHandle interface {
	Start() error
	Stop() error
	Close() error
}

// micDevice turns PortAudio callbacks into fixed-cadence PCM16-LE fragments
// and feeds the analyzer.
type micDevice struct {
	stream        streamHandle
	analyzer      *Analyzer
	fragmentBytes int

	mu         sync.Mutex
	onFragment func([]byte)
	pending    []byte
	running    bool
	closed     bool
}

func newMicDevice(sampleRate int, interval time.Duration, analyzer *Analyzer) *micDevice {
	samples := int(float64(sampleRate) * interval.Seconds())
	if samples < 1 {
		samples = 1
	}
	return &micDevice{analyzer: analyzer, fragmentBytes: samples * 2}
}

func (d *micDevice) process(in []int16) {
	d.analyzer.Write(in)

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.pending = appendPCM(d.pending, in)
	var fragments [][]byte
	for len(d.pending) >= d.fragmentBytes {
		fragment := make([]byte, d.fragmentBytes)
		copy(fragment, d.pending)
		d.pending = append(d.pending[:0], d.pending[d.fragmentBytes:]...)
		fragments = append(fragments, fragment)
	}
	emit := d.onFragment
	d.mu.Unlock()

	if emit == nil {
		return
	}
	for _, fragment := range fragments {
		emit(fragment)
	}
}

func (d *micDevice) Start(onFragment func([]byte)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("device already released")
	}
	d.onFragment = onFragment
	d.pending = make([]byte, 0, d.fragmentBytes)
	d.running = true
	d.mu.Unlock()

	if err := d.stream.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("start input stream: %w", err)
	}
	return nil
}

func (d *micDevice) Spectrum(dst []float64) []float64 {
	return d.analyzer.Spectrum(dst)
}

// Stop halts the stream, delivers the partial fragment and releases the
// PortAudio handle. Calling it again is a no-op.
func (d *micDevice) Stop() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	wasRunning := d.running
	d.mu.Unlock()

	var errs []error
	if wasRunning {
		if err := d.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop input stream: %w", err))
		}
	}

	d.mu.Lock()
	d.running = false
	tail := d.pending
	d.pending = nil
	emit := d.onFragment
	d.onFragment = nil
	d.mu.Unlock()

	if len(tail) > 0 && emit != nil {
		emit(tail)
	}

	if err := d.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close input stream: %w", err))
	}
	return errors.Join(errs...)
}

func appendPCM(dst []byte, samples []int16) []byte {
	for _, v := range samples {
		dst = append(dst, byte(v), byte(v>>8))
	}
	return dst
}

func decodePCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm data has odd length %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return samples, nil
}
