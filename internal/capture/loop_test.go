package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/motion-data/pose.report/internal/pose"
	"github.com/motion-data/pose.report/internal/timeutil"
)

type fakeSource struct {
	mu    sync.Mutex
	img   image.Image
	err   error
	grabs int
}

func (s *fakeSource) Grab() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grabs++
	return s.img, s.err
}

func readySource() *fakeSource {
	return &fakeSource{img: image.NewRGBA(image.Rect(0, 0, 4, 4))}
}

type fakeEstimator struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{} // if non-nil, Estimate blocks until closed
	frame pose.Frame
	err   error
}

func (e *fakeEstimator) Init(string) error { return nil }
func (e *fakeEstimator) Close() error      { return nil }

func (e *fakeEstimator) Estimate(_ context.Context, _ image.Image, tMs float64) (pose.Frame, error) {
	e.mu.Lock()
	e.calls++
	gate := e.gate
	err := e.err
	frame := e.frame
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return pose.Frame{}, err
	}
	frame.TMs = tMs
	return frame, nil
}

func (e *fakeEstimator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func personFrame(id string) pose.Frame {
	return pose.Frame{
		Mode: pose.ModeSingleDetailed,
		People: []pose.Person{
			{ID: id, Keypoints: []pose.Keypoint{{X: 0.5, Y: 0.5, Name: "nose"}}},
		},
	}
}

func newTestLoop(t *testing.T) (*Loop, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	l := NewLoop(Config{Clock: clock, GridInterval: 1000.0 / 24})
	l.Start()
	t.Cleanup(l.Stop)
	return l, clock
}

func waitFrame(t *testing.T, ch <-chan pose.Frame) pose.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live frame")
		return pose.Frame{}
	}
}

// bufSnapshot copies the recording buffer under the loop lock.
func bufSnapshot(l *Loop) []pose.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pose.Frame, len(l.buf))
	copy(out, l.buf)
	return out
}

func TestRecordingGridIsExactDespiteJitter(t *testing.T) {
	l, clock := newTestLoop(t)
	l.SetEstimator(&fakeEstimator{frame: personFrame("p0")})
	l.SetSource(readySource())

	start := clock.Now()
	if err := l.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	// Jittery tick times: early, late, bunched.
	const interval = 1000.0 / 24
	for _, offsetMs := range []float64{0, 17, 35, 60, 61, 130, 171} {
		l.tick(start.Add(time.Duration(offsetMs * float64(time.Millisecond))))
	}

	buf, err := l.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	// 171ms elapsed covers grid deadlines 0..4*interval (4*41.67 = 166.7).
	wantSamples := 5
	if len(buf) != wantSamples {
		t.Fatalf("got %d samples, want %d", len(buf), wantSamples)
	}
	for i, f := range buf {
		want := float64(i) * interval
		if f.TMs != want {
			t.Errorf("buf[%d].TMs = %v, want exactly %v", i, f.TMs, want)
		}
	}
}

func TestCatchUpEmitsMissedSamplesFromOneSource(t *testing.T) {
	l, clock := newTestLoop(t)

	src := personFrame("held")
	l.mu.Lock()
	l.latest = &src
	l.mu.Unlock()

	start := clock.Now()
	if err := l.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	const interval = 1000.0 / 24
	l.tick(start) // emits the t=0 sample

	// One delayed tick spanning 3.5 grid intervals: exactly 3 catch-up
	// samples, strictly increasing, all sharing the held source people.
	gapMs := 3.5 * interval
	gap := time.Duration(gapMs * float64(time.Millisecond))
	l.tick(start.Add(gap))

	buf := bufSnapshot(l)
	if len(buf) != 4 {
		t.Fatalf("got %d samples, want 4 (1 initial + 3 catch-up)", len(buf))
	}
	for i, f := range buf {
		if want := float64(i) * interval; f.TMs != want {
			t.Errorf("buf[%d].TMs = %v, want %v", i, f.TMs, want)
		}
		if len(f.People) != 1 || &f.People[0] != &src.People[0] {
			t.Errorf("buf[%d] does not share the held source frame's people", i)
		}
	}
}

func TestOverlapGuardBoundsInflightCallsToOne(t *testing.T) {
	l, clock := newTestLoop(t)
	gate := make(chan struct{})
	est := &fakeEstimator{gate: gate, frame: personFrame("p0")}
	l.SetEstimator(est)
	l.SetSource(readySource())

	frames := make(chan pose.Frame, 4)
	l.OnFrame(func(f pose.Frame) { frames <- f })

	now := clock.Now()
	for i := 0; i < 10; i++ {
		l.tick(now.Add(time.Duration(i) * 17 * time.Millisecond))
	}
	if got := est.callCount(); got != 1 {
		t.Fatalf("estimator called %d times with a call in flight, want 1", got)
	}

	close(gate)
	waitFrame(t, frames)

	// Slot is idle again: the next tick issues a fresh call.
	l.tick(now.Add(time.Second))
	waitFrame(t, frames)
	if got := est.callCount(); got != 2 {
		t.Errorf("estimator called %d times after completion, want 2", got)
	}
}

func TestLiveFrameFiresOncePerCompletion(t *testing.T) {
	l, clock := newTestLoop(t)
	l.SetEstimator(&fakeEstimator{frame: personFrame("p0")})
	l.SetSource(readySource())

	frames := make(chan pose.Frame, 4)
	l.OnFrame(func(f pose.Frame) { frames <- f })

	l.tick(clock.Now())
	f := waitFrame(t, frames)
	if len(f.People) != 1 || f.People[0].ID != "p0" {
		t.Errorf("unexpected live frame: %+v", f)
	}
	select {
	case extra := <-frames:
		t.Errorf("live frame fired more than once per completion: %+v", extra)
	default:
	}

	// The sink receives a copy, never the loop's cached frame.
	f.People[0].ID = "mutated"
	if got := l.Latest(); got.People[0].ID != "p0" {
		t.Error("mutating the delivered frame leaked into the loop cache")
	}
}

func TestEstimationErrorKeepsPreviousLatest(t *testing.T) {
	l, _ := newTestLoop(t)
	held := personFrame("keep")
	l.mu.Lock()
	l.latest = &held
	l.callToken++
	l.inferring = true
	tok := l.callToken
	l.mu.Unlock()

	l.finish(tok, pose.Frame{}, errors.New("inference blew up"), 0)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inferring {
		t.Error("slot did not return to idle after a failed call")
	}
	if l.latest == nil || l.latest.People[0].ID != "keep" {
		t.Error("failed estimation clobbered the previous latest frame")
	}
}

func TestSetEstimatorDiscardsStaleCompletion(t *testing.T) {
	l, _ := newTestLoop(t)
	fired := 0
	l.OnFrame(func(pose.Frame) { fired++ })

	l.mu.Lock()
	l.callToken++
	l.inferring = true
	staleTok := l.callToken
	l.mu.Unlock()

	l.SetEstimator(&fakeEstimator{frame: personFrame("new")})

	// The old estimator's call completes after the swap.
	l.finish(staleTok, personFrame("old"), nil, 0)

	if l.Latest() != nil {
		t.Error("stale completion was merged into the new estimator's output")
	}
	if fired != 0 {
		t.Errorf("live-frame sink fired %d times for a stale completion", fired)
	}
}

func TestStopDiscardsInflightCompletion(t *testing.T) {
	l, _ := newTestLoop(t)

	l.mu.Lock()
	l.callToken++
	l.inferring = true
	staleTok := l.callToken
	l.mu.Unlock()

	l.Stop()
	l.finish(staleTok, personFrame("late"), nil, 0)

	if l.Latest() != nil {
		t.Error("completion arriving after Stop was acted upon")
	}
}

func TestEmptySampleAndHoldBeforeFirstCompletion(t *testing.T) {
	l, clock := newTestLoop(t)
	start := clock.Now()
	if err := l.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	l.tick(start)

	buf, err := l.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(buf) != 1 {
		t.Fatalf("got %d samples, want 1", len(buf))
	}
	f := buf[0]
	if f.TMs != 0 {
		t.Errorf("first sample TMs = %v, want 0", f.TMs)
	}
	if f.People == nil || len(f.People) != 0 {
		t.Errorf("pre-estimation sample should have empty people, got %v", f.People)
	}
	if f.Mode != pose.ModeSingleDetailed {
		t.Errorf("empty sample mode = %q", f.Mode)
	}
}

func TestProgressReportsElapsedAndCount(t *testing.T) {
	l, clock := newTestLoop(t)

	type report struct {
		elapsed float64
		count   int
	}
	var reports []report
	l.OnProgress(func(elapsedMs float64, n int) {
		reports = append(reports, report{elapsedMs, n})
	})

	start := clock.Now()
	if err := l.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	l.tick(start)
	l.tick(start.Add(50 * time.Millisecond))

	if len(reports) != 2 {
		t.Fatalf("got %d progress reports, want 2", len(reports))
	}
	if reports[0].elapsed != 0 || reports[0].count != 1 {
		t.Errorf("first report = %+v, want {0 1}", reports[0])
	}
	if reports[1].elapsed != 50 || reports[1].count != 2 {
		t.Errorf("second report = %+v, want {50 2}", reports[1])
	}
}

func TestProgressSilentWhileNotRecording(t *testing.T) {
	l, clock := newTestLoop(t)
	calls := 0
	l.OnProgress(func(float64, int) { calls++ })
	l.tick(clock.Now())
	if calls != 0 {
		t.Errorf("progress sink fired %d times while not recording", calls)
	}
}

func TestRecordingLifecycleErrors(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	l := NewLoop(Config{Clock: clock})

	if err := l.StartRecording(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("StartRecording on stopped loop: %v, want ErrNotRunning", err)
	}
	if _, err := l.StopRecording(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("StopRecording without recording: %v, want ErrNotRecording", err)
	}

	l.Start()
	defer l.Stop()
	if err := l.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := l.StartRecording(); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("double StartRecording: %v, want ErrAlreadyRecording", err)
	}

	if _, err := l.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if _, err := l.StopRecording(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("second StopRecording: %v, want ErrNotRecording", err)
	}
}

func TestStopRecordingTransfersOwnership(t *testing.T) {
	l, clock := newTestLoop(t)
	start := clock.Now()
	if err := l.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	l.tick(start)

	buf, err := l.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(buf) != 1 {
		t.Fatalf("got %d samples, want 1", len(buf))
	}

	// The loop's internal storage is cleared; a later tick must not grow
	// the caller's buffer.
	l.tick(start.Add(time.Second))
	if len(buf) != 1 {
		t.Error("loop mutated a finalized buffer")
	}
	if got := bufSnapshot(l); len(got) != 0 {
		t.Errorf("internal buffer not cleared, %d samples remain", len(got))
	}
}

func TestStartStopIdempotent(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	l := NewLoop(Config{Clock: clock})
	l.Start()
	l.Start()
	l.Stop()
	l.Stop()
	l.Start()
	l.Stop()
}

func TestUnreadySourceSkipsEstimation(t *testing.T) {
	l, clock := newTestLoop(t)
	est := &fakeEstimator{frame: personFrame("p0")}
	l.SetEstimator(est)
	src := &fakeSource{} // nil image, nil error: not ready
	l.SetSource(src)

	l.tick(clock.Now())
	if got := est.callCount(); got != 0 {
		t.Errorf("estimator called %d times with an unready source, want 0", got)
	}
}
