package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session drives one microphone at a time through
// idle -> recording -> processing -> idle, with cancelled as a short-lived
// state on the way back to idle after Cancel.
type Session struct {
	provider  DeviceProvider
	container Container
	cfg       Config
	meter     Meter
	clock     Clock

	mu         sync.Mutex
	state      State
	starting   bool
	gen        uint64
	device     Device
	fragments  [][]byte
	levels     []float64
	lastErr    error
	startedAt  time.Time
	ceiling    Timer
	stopTick   chan struct{}
	tickDone   chan struct{}
	onLevels   func([]float64)
	onError    func(error)
	onAutoStop func(*Payload, error)
	onState    func(State)
}

func NewSession(provider DeviceProvider, container Container, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		provider:  provider,
		container: container,
		cfg:       cfg,
		meter:     Meter{Bands: cfg.Bands, Gain: cfg.Gain},
		clock:     systemClock{},
		state:     StateIdle,
		levels:    make([]float64, cfg.Bands),
	}
}

// OnLevels registers the visualizer callback, invoked on every metering tick
// while recording.
func (s *Session) OnLevels(callback func([]float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLevels = callback
}

func (s *Session) OnError(callback func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

// OnAutoStop registers the callback for recordings ended by the duration
// ceiling. It receives the same result Stop would have returned.
func (s *Session) OnAutoStop(callback func(*Payload, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAutoStop = callback
}

func (s *Session) OnStateChange(callback func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = callback
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Levels() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.levels...)
}

// Err returns the last failure reported to the error callback, cleared by the
// next Start.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return 0
	}
	return s.clock.Now().Sub(s.startedAt)
}

func (s *Session) MaxDuration() time.Duration { return s.cfg.MaxDuration }

// Snapshot reports the session for status endpoints.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:       s.state,
		MaxDuration: s.cfg.MaxDuration.Seconds(),
		Levels:      append([]float64(nil), s.levels...),
	}
	if s.state == StateRecording {
		snap.Elapsed = s.clock.Now().Sub(s.startedAt).Seconds()
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting || s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	s.starting = true
	s.lastErr = nil
	s.fragments = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	device, err := s.provider.Acquire(ctx, Constraints{
		SampleRate:       s.cfg.SampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		FragmentInterval: s.cfg.FragmentInterval,
	})
	if err == nil {
		if startErr := device.Start(func(fragment []byte) { s.appendFragment(gen, fragment) }); startErr != nil {
			if stopErr := device.Stop(); stopErr != nil {
				slog.Warn("capture: release device after failed start", "error", stopErr)
			}
			err = fmt.Errorf("start capture: %w", startErr)
		}
	}

	s.mu.Lock()
	s.starting = false
	if err != nil {
		acqErr := &DeviceAcquisitionError{Err: err}
		s.lastErr = acqErr
		onError := s.onError
		s.mu.Unlock()
		slog.Error("capture: device unavailable", "error", err)
		if onError != nil {
			onError(acqErr)
		}
		return acqErr
	}
	if s.gen != gen {
		s.fragments = nil
		s.mu.Unlock()
		if stopErr := device.Stop(); stopErr != nil {
			slog.Warn("capture: release device after cancel", "error", stopErr)
		}
		return ErrCancelled
	}

	s.device = device
	s.state = StateRecording
	s.startedAt = s.clock.Now()
	s.stopTick = make(chan struct{})
	s.tickDone = make(chan struct{})
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	go s.runMeter(gen, device, ticker, s.stopTick, s.tickDone)
	s.ceiling = s.clock.AfterFunc(s.cfg.MaxDuration, func() { s.autoStop(gen) })
	s.mu.Unlock()

	slog.Info("capture: recording started", "max_duration", s.cfg.MaxDuration)
	s.notifyState(StateRecording)
	return nil
}

// Stop ends the recording and returns the encoded payload. The device is
// released and the session is idle again whatever the outcome.
func (s *Session) Stop() (*Payload, error) {
	return s.stop(0, false)
}

func (s *Session) stop(gen uint64, auto bool) (*Payload, error) {
	s.mu.Lock()
	if s.state != StateRecording || (auto && s.gen != gen) {
		var lingering Device
		if s.state == StateIdle && !s.starting {
			lingering = s.device
			s.device = nil
		}
		s.mu.Unlock()
		if lingering != nil {
			_ = lingering.Stop()
		}
		return nil, ErrNotRecording
	}

	s.state = StateProcessing
	device := s.device
	tickDone := s.tickDone
	elapsed := s.clock.Now().Sub(s.startedAt)
	s.haltLocked()
	s.mu.Unlock()
	s.notifyState(StateProcessing)

	<-tickDone
	if err := device.Stop(); err != nil {
		slog.Warn("capture: release device", "error", err)
	}

	s.mu.Lock()
	fragments := s.fragments
	s.fragments = nil
	s.mu.Unlock()

	payload, err := s.finalize(fragments, elapsed)

	s.mu.Lock()
	s.device = nil
	s.levels = make([]float64, s.cfg.Bands)
	s.state = StateIdle
	var onError func(error)
	if err != nil {
		s.lastErr = err
		onError = s.onError
	}
	s.mu.Unlock()

	if err != nil {
		slog.Warn("capture: recording produced no payload", "error", err, "auto", auto)
		if onError != nil {
			onError(err)
		}
	} else {
		slog.Info("capture: recording finished", "bytes", payload.Size, "seconds", payload.Seconds, "auto", auto)
	}
	s.notifyState(StateIdle)
	return payload, err
}

func (s *Session) autoStop(gen uint64) {
	payload, err := s.stop(gen, true)
	if errors.Is(err, ErrNotRecording) {
		return
	}

	s.mu.Lock()
	callback := s.onAutoStop
	s.mu.Unlock()

	if callback != nil {
		callback(payload, err)
	}
}

// Cancel abandons the recording without producing a payload. It is a no-op
// unless the session is recording or acquiring a device, and once it returns
// no further level updates are published.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.starting {
		s.gen++
		s.mu.Unlock()
		return
	}
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}

	s.gen++
	s.state = StateCancelled
	device := s.device
	tickDone := s.tickDone
	s.haltLocked()
	s.mu.Unlock()
	s.notifyState(StateCancelled)

	<-tickDone
	if err := device.Stop(); err != nil {
		slog.Warn("capture: release device", "error", err)
	}

	s.mu.Lock()
	s.device = nil
	s.fragments = nil
	s.levels = make([]float64, s.cfg.Bands)
	s.state = StateIdle
	s.mu.Unlock()

	slog.Info("capture: recording cancelled")
	s.notifyState(StateIdle)
}

// haltLocked stops the ceiling timer and the metering loop. Callers wait on
// tickDone after releasing the lock.
func (s *Session) haltLocked() {
	if s.ceiling != nil {
		s.ceiling.Stop()
		s.ceiling = nil
	}
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
}

func (s *Session) appendFragment(gen uint64, fragment []byte) {
	if len(fragment) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}
	if !s.starting && s.state != StateRecording && s.state != StateProcessing {
		return
	}
	s.fragments = append(s.fragments, append([]byte(nil), fragment...))
}

func (s *Session) runMeter(gen uint64, device Device, ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	var spectrum []float64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}

		spectrum = device.Spectrum(spectrum)
		levels := s.meter.Levels(spectrum)

		s.mu.Lock()
		if s.gen != gen || s.state != StateRecording {
			s.mu.Unlock()
			return
		}
		s.levels = levels
		callback := s.onLevels
		s.mu.Unlock()

		if callback != nil {
			callback(append([]float64(nil), levels...))
		}
	}
}

func (s *Session) finalize(fragments [][]byte, elapsed time.Duration) (*Payload, error) {
	if len(fragments) == 0 {
		return nil, ErrNoAudioCaptured
	}

	blob, err := s.container.Finalize(fragments)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	if len(blob) == 0 {
		return nil, &EncodingError{Err: errors.New("container produced an empty blob")}
	}
	return NewPayload(blob, s.container.MimeType(), elapsed), nil
}

func (s *Session) notifyState(state State) {
	s.mu.Lock()
	callback := s.onState
	s.mu.Unlock()

	if callback != nil {
		callback(state)
	}
}
