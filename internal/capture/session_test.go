package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu       sync.Mutex
	emit     func([]byte)
	spectrum []float64
	flush    []byte
	startErr error
	started  int
	stopped  int
}

func (d *fakeDevice) Start(onFragment func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.emit = onFragment
	d.started++
	return nil
}

func (d *fakeDevice) Spectrum(dst []float64) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(dst[:0], d.spectrum...)
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	emit := d.emit
	flush := d.flush
	d.emit = nil
	d.stopped++
	d.mu.Unlock()

	if emit != nil && flush != nil {
		emit(flush)
	}
	return nil
}

func (d *fakeDevice) send(fragment []byte) {
	d.mu.Lock()
	emit := d.emit
	d.mu.Unlock()
	if emit != nil {
		emit(fragment)
	}
}

func (d *fakeDevice) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

type fakeProvider struct {
	mu       sync.Mutex
	device   *fakeDevice
	err      error
	entered  chan struct{}
	gate     chan struct{}
	acquired int
}

func (p *fakeProvider) Acquire(ctx context.Context, c Constraints) (Device, error) {
	if p.entered != nil {
		close(p.entered)
	}
	if p.gate != nil {
		<-p.gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return p.device, nil
}

type joinContainer struct {
	err error
}

func (joinContainer) MimeType() string { return "audio/test" }

func (c joinContainer) Finalize(fragments [][]byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return bytes.Join(fragments, nil), nil
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	fn    func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.done
	t.done = true
	return wasActive
}

type fakeTicker struct {
	clock   *fakeClock
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward and runs due timers on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

func (c *fakeClock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
	}
}

func newTestSession(device *fakeDevice, container Container) (*Session, *fakeProvider, *fakeClock) {
	provider := &fakeProvider{device: device}
	s := NewSession(provider, container, Config{})
	clock := newFakeClock()
	s.clock = clock
	return s, provider, clock
}

func TestStopImmediatelyReportsNoAudio(t *testing.T) {
	device := &fakeDevice{}
	s, _, _ := newTestSession(device, joinContainer{})

	var reported []error
	s.OnError(func(err error) { reported = append(reported, err) })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload, err := s.Stop()
	if !errors.Is(err, ErrNoAudioCaptured) {
		t.Fatalf("expected ErrNoAudioCaptured, got %v", err)
	}
	if payload != nil {
		t.Fatalf("expected nil payload, got %#v", payload)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	if device.stopCount() != 1 {
		t.Fatalf("expected device released once, got %d", device.stopCount())
	}
	if len(reported) != 1 || !errors.Is(s.Err(), ErrNoAudioCaptured) {
		t.Fatalf("expected error reported, got %v / %v", reported, s.Err())
	}
}

func TestStopReturnsEncodedPayload(t *testing.T) {
	device := &fakeDevice{}
	s, _, clock := newTestSession(device, joinContainer{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.send([]byte("abc"))
	device.send([]byte{})
	device.send([]byte("def"))
	clock.Advance(3 * time.Second)

	payload, err := s.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	data, err := payload.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("unexpected payload %q", data)
	}
	if payload.MimeType != "audio/test" || payload.Size != 6 {
		t.Fatalf("unexpected payload metadata %#v", payload)
	}
	if payload.Seconds != 3 {
		t.Fatalf("expected 3 seconds, got %v", payload.Seconds)
	}
	if s.Err() != nil {
		t.Fatalf("expected no error, got %v", s.Err())
	}
}

func TestStopKeepsFragmentFlushedOnRelease(t *testing.T) {
	device := &fakeDevice{flush: []byte("tail")}
	s, _, _ := newTestSession(device, joinContainer{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.send([]byte("head-"))

	payload, err := s.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	data, _ := payload.Bytes()
	if string(data) != "head-tail" {
		t.Fatalf("expected flushed fragment included, got %q", data)
	}
}

func TestAutoStopAtCeiling(t *testing.T) {
	device := &fakeDevice{}
	s, _, clock := newTestSession(device, joinContainer{})

	var got *Payload
	var gotErr error
	calls := 0
	s.OnAutoStop(func(p *Payload, err error) {
		calls++
		got, gotErr = p, err
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.send([]byte("audio"))

	clock.Advance(DefaultMaxDuration - time.Second)
	if s.State() != StateRecording {
		t.Fatalf("expected recording before ceiling, got %s", s.State())
	}

	clock.Advance(time.Second)
	if calls != 1 {
		t.Fatalf("expected auto-stop callback once, got %d", calls)
	}
	if gotErr != nil || got == nil {
		t.Fatalf("expected payload from auto-stop, got %v / %v", got, gotErr)
	}
	if got.Seconds != DefaultMaxDuration.Seconds() {
		t.Fatalf("expected %v seconds, got %v", DefaultMaxDuration.Seconds(), got.Seconds)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after auto-stop, got %s", s.State())
	}
	if device.stopCount() != 1 {
		t.Fatalf("expected device released, got %d", device.stopCount())
	}

	if _, err := s.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording after auto-stop, got %v", err)
	}
}

func TestManualStopDisarmsCeiling(t *testing.T) {
	device := &fakeDevice{}
	s, _, clock := newTestSession(device, joinContainer{})

	calls := 0
	s.OnAutoStop(func(*Payload, error) { calls++ })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.send([]byte("x"))
	if _, err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	clock.Advance(DefaultMaxDuration / 2)
	if calls != 0 {
		t.Fatalf("first recording's ceiling fired into the second, calls=%d", calls)
	}
	if s.State() != StateRecording {
		t.Fatalf("expected second recording to continue, got %s", s.State())
	}
	s.Cancel()
}

func TestCancelStopsLevelUpdates(t *testing.T) {
	spectrum := make([]float64, 24)
	for i := range spectrum {
		spectrum[i] = 0.5
	}
	device := &fakeDevice{spectrum: spectrum}
	s, _, clock := newTestSession(device, joinContainer{})

	levels := make(chan []float64, 8)
	s.OnLevels(func(l []float64) { levels <- l })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.send([]byte("discarded"))

	clock.Tick()
	select {
	case got := <-levels:
		if len(got) != DefaultBands {
			t.Fatalf("expected %d bands, got %d", DefaultBands, len(got))
		}
		for i, v := range got {
			if v != 0.75 {
				t.Fatalf("band %d = %v, want 0.75", i, v)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("expected a level update")
	}

	s.Cancel()
	if s.State() != StateIdle {
		t.Fatalf("expected idle after cancel, got %s", s.State())
	}
	if device.stopCount() != 1 {
		t.Fatalf("expected device released, got %d", device.stopCount())
	}

	clock.Tick()
	select {
	case got := <-levels:
		t.Fatalf("unexpected level update after cancel: %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	for _, v := range s.Levels() {
		if v != 0 {
			t.Fatalf("expected levels reset to zero, got %v", s.Levels())
		}
	}
	if _, err := s.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording after cancel, got %v", err)
	}

	s.Cancel()
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	device := &fakeDevice{}
	s, _, _ := newTestSession(device, joinContainer{})

	s.Cancel()
	if s.State() != StateIdle || device.stopCount() != 0 {
		t.Fatalf("expected untouched idle session, state=%s stops=%d", s.State(), device.stopCount())
	}
}

func TestStartWhileRecordingRejected(t *testing.T) {
	device := &fakeDevice{}
	s, provider, _ := newTestSession(device, joinContainer{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	if provider.acquired != 1 {
		t.Fatalf("expected a single acquisition, got %d", provider.acquired)
	}
	s.Cancel()
}

func TestAcquisitionFailureLeavesSessionReusable(t *testing.T) {
	device := &fakeDevice{}
	s, provider, _ := newTestSession(device, joinContainer{})

	denied := errors.New("permission denied")
	provider.err = denied

	var reported error
	s.OnError(func(err error) { reported = err })

	err := s.Start(context.Background())
	var acqErr *DeviceAcquisitionError
	if !errors.As(err, &acqErr) || !errors.Is(err, denied) {
		t.Fatalf("expected DeviceAcquisitionError wrapping denial, got %v", err)
	}
	if reported == nil || s.Err() == nil {
		t.Fatal("expected error reported")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}

	provider.err = nil
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("expected error cleared by Start, got %v", s.Err())
	}
	s.Cancel()
}

func TestDeviceStartFailureReleasesDevice(t *testing.T) {
	device := &fakeDevice{startErr: errors.New("stream open failed")}
	s, _, _ := newTestSession(device, joinContainer{})

	err := s.Start(context.Background())
	var acqErr *DeviceAcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("expected DeviceAcquisitionError, got %v", err)
	}
	if device.stopCount() != 1 {
		t.Fatalf("expected device released, got %d", device.stopCount())
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
}

func TestEncodingErrorReleasesDevice(t *testing.T) {
	device := &fakeDevice{}
	s, _, _ := newTestSession(device, joinContainer{err: errors.New("bad frame")})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.send([]byte("x"))

	payload, err := s.Stop()
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
	if err.Error() != "failed to process audio: bad frame" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if payload != nil {
		t.Fatal("expected nil payload")
	}
	if s.State() != StateIdle || device.stopCount() != 1 {
		t.Fatalf("expected released idle session, state=%s stops=%d", s.State(), device.stopCount())
	}
}

func TestCancelDuringAcquisition(t *testing.T) {
	device := &fakeDevice{}
	s, provider, _ := newTestSession(device, joinContainer{})
	provider.entered = make(chan struct{})
	provider.gate = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- s.Start(context.Background()) }()

	<-provider.entered
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected start during acquisition rejected, got %v", err)
	}
	s.Cancel()
	close(provider.gate)

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	if device.stopCount() != 1 {
		t.Fatalf("expected late device released, got %d", device.stopCount())
	}
}

func TestStateChangesAreReported(t *testing.T) {
	device := &fakeDevice{}
	s, _, _ := newTestSession(device, joinContainer{})

	var states []State
	s.OnStateChange(func(st State) { states = append(states, st) })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	device.send([]byte("x"))
	if _, err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []State{StateRecording, StateProcessing, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("unexpected states %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected states %v", states)
		}
	}
}

func TestSnapshotReportsRecordingProgress(t *testing.T) {
	device := &fakeDevice{}
	s, provider, clock := newTestSession(device, joinContainer{})

	if snap := s.Snapshot(); snap.State != StateIdle || snap.Elapsed != 0 || len(snap.Levels) != DefaultBands {
		t.Fatalf("unexpected idle snapshot %#v", snap)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(2 * time.Second)

	snap := s.Snapshot()
	if snap.State != StateRecording || snap.Elapsed != 2 || snap.MaxDuration != 60 {
		t.Fatalf("unexpected recording snapshot %#v", snap)
	}
	s.Cancel()

	provider.mu.Lock()
	provider.err = errors.New("no input device")
	provider.mu.Unlock()
	_ = s.Start(context.Background())

	if snap := s.Snapshot(); snap.Error == "" {
		t.Fatal("expected snapshot to carry the acquisition error")
	}
}
