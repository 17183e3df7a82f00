// Package capture bridges an asynchronous, variable-latency pose estimator
// to a live latest-frame signal and a fixed-rate recorded sequence.
//
// The loop ticks at display-refresh cadence regardless of estimation
// latency. At most one estimation call is ever in flight; while recording,
// each tick resamples the most recent result onto a strict grid
// (sample-and-hold), emitting catch-up samples when ticks arrive late so the
// recorded timeline is gap-free and exactly evenly spaced.
package capture

import (
	"context"
	"errors"
	"image"
	"log"
	"sync"
	"time"

	"github.com/motion-data/pose.report/internal/pose"
	"github.com/motion-data/pose.report/internal/timeutil"
)

// DefaultTickInterval approximates a 60Hz display refresh.
const DefaultTickInterval = 16667 * time.Microsecond

// DefaultGridInterval is the recording grid spacing in milliseconds (24fps).
const DefaultGridInterval = 1000.0 / 24

// maxCatchUpMs bounds how much backlog a single tick will resample. A gap
// this large means the host was suspended, not merely slow; the recording is
// finalized where it stands instead of flooding the buffer.
const maxCatchUpMs = 10 * 60 * 1000

var (
	// ErrNotRunning is returned when a recording operation is attempted
	// on a stopped loop.
	ErrNotRunning = errors.New("capture: loop is not running")
	// ErrAlreadyRecording is returned by StartRecording while a recording
	// is in progress.
	ErrAlreadyRecording = errors.New("capture: already recording")
	// ErrNotRecording is returned by StopRecording when there is no
	// recording to finalize.
	ErrNotRecording = errors.New("capture: not recording")
)

// Estimator is the pose-estimation capability the loop drives. The loop
// depends only on this interface, never on a concrete estimator.
type Estimator interface {
	// Init prepares the estimator at the given quality preset.
	Init(quality string) error

	// Estimate runs inference on one image and returns the frame stamped
	// with tMs. It may take arbitrarily long and may fail per-call.
	Estimate(ctx context.Context, img image.Image, tMs float64) (pose.Frame, error)

	// Close releases estimator resources.
	Close() error
}

// ImageSource supplies images for estimation. Grab returns (nil, nil) while
// the source is not ready yet; that is not an error, the tick simply skips
// its estimation attempt.
type ImageSource interface {
	Grab() (image.Image, error)
}

// Config configures a Loop. Zero values select the defaults.
type Config struct {
	Clock        timeutil.Clock // defaults to timeutil.RealClock
	TickInterval time.Duration  // tick driver period, defaults to DefaultTickInterval
	GridInterval float64        // recording grid spacing in ms, defaults to DefaultGridInterval
	Mode         pose.Mode      // mode stamped on empty sample-and-hold frames
}

// Loop is the capture/record loop. All state is guarded by mu; the tick
// driver, estimation completions and the public API serialize on it.
type Loop struct {
	clock        timeutil.Clock
	tickInterval time.Duration
	gridInterval float64
	mode         pose.Mode

	mu      sync.Mutex
	running bool
	started time.Time
	ticker  timeutil.Ticker
	done    chan struct{}

	estimator Estimator
	source    ImageSource

	// Estimation slot: Idle <-> Inferring. callToken identifies the
	// currently awaited call; completions carrying any other token are
	// stale and discarded.
	inferring bool
	callToken uint64

	latest *pose.Frame

	recording bool
	recStart  time.Time
	samples   int
	buf       []pose.Frame

	onFrame    func(pose.Frame)
	onProgress func(elapsedMs float64, sampleCount int)

	lat *latencyRing
}

// NewLoop creates a stopped loop.
func NewLoop(cfg Config) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.GridInterval <= 0 {
		cfg.GridInterval = DefaultGridInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = pose.ModeSingleDetailed
	}
	return &Loop{
		clock:        cfg.Clock,
		tickInterval: cfg.TickInterval,
		gridInterval: cfg.GridInterval,
		mode:         cfg.Mode,
		lat:          newLatencyRing(defaultLatencyWindow),
	}
}

// OnFrame registers the live-frame sink, invoked once per completed
// estimation with a deep copy of the result. The sink must not block.
func (l *Loop) OnFrame(fn func(pose.Frame)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = fn
}

// OnProgress registers the recording-progress sink, invoked once per tick
// while recording with the elapsed recording time and total sample count.
func (l *Loop) OnProgress(fn func(elapsedMs float64, sampleCount int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onProgress = fn
}

// SetEstimator installs the estimation capability. The cached latest frame
// is cleared so results from different estimators are never presented as one
// continuous stream, and any in-flight call is invalidated.
func (l *Loop) SetEstimator(e Estimator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.estimator = e
	l.latest = nil
	l.callToken++
	l.inferring = false
}

// SetSource installs the image source.
func (l *Loop) SetSource(src ImageSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.source = src
}

// Start begins ticking. Idempotent. Start after Stop resumes ticking but
// does not resurrect a recording the caller already finalized.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.started = l.clock.Now()
	l.ticker = l.clock.NewTicker(l.tickInterval)
	l.done = make(chan struct{})
	go l.run(l.ticker, l.done)
}

// Stop cancels future ticks. Idempotent. An estimation call already in
// flight is not aborted; its completion is discarded via the token check.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.ticker.Stop()
	close(l.done)
	l.callToken++
	l.inferring = false
}

func (l *Loop) run(ticker timeutil.Ticker, done chan struct{}) {
	for {
		select {
		case now := <-ticker.C():
			l.tick(now)
		case <-done:
			return
		}
	}
}

// StartRecording arms the fixed-rate resampler. The first emitted sample is
// always stamped t_ms = 0.
func (l *Loop) StartRecording() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return ErrNotRunning
	}
	if l.recording {
		return ErrAlreadyRecording
	}
	l.recording = true
	l.recStart = l.clock.Now()
	l.samples = 0
	l.buf = []pose.Frame{}
	return nil
}

// StopRecording finalizes the recording and transfers ownership of the
// buffer to the caller. The loop keeps ticking; only the recording
// sub-state is cleared.
func (l *Loop) StopRecording() ([]pose.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.recording && l.buf == nil {
		return nil, ErrNotRecording
	}
	buf := l.buf
	l.buf = nil
	l.recording = false
	l.samples = 0
	return buf, nil
}

// Recording reports whether the resampler is currently armed.
func (l *Loop) Recording() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recording
}

// Latest returns a deep copy of the most recent completed estimation, or
// nil if none has completed since start or the last estimator swap.
func (l *Loop) Latest() *pose.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latest == nil {
		return nil
	}
	f := l.latest.Clone()
	return &f
}

// LatencyStats returns summary statistics over recent estimation latencies.
func (l *Loop) LatencyStats() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lat.stats()
}

// tick runs once per display refresh. While holding the lock it resamples
// the recording grid and dispatches an estimation call if the slot is idle;
// sinks are invoked after the lock is released.
func (l *Loop) tick(now time.Time) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}

	l.maybeEstimate(now)

	var progress func(float64, int)
	var elapsedMs float64
	var count int
	if l.recording {
		elapsedMs = durToMs(now.Sub(l.recStart))
		l.resample(elapsedMs)
		progress = l.onProgress
		count = l.samples
	}
	l.mu.Unlock()

	if progress != nil {
		progress(elapsedMs, count)
	}
}

// resample emits one grid sample per elapsed deadline, catching up when the
// tick arrives late. Every sample emitted in one pass is a shallow copy of
// the same source frame with only t_ms rewritten. Caller holds mu.
func (l *Loop) resample(elapsedMs float64) {
	if elapsedMs-float64(l.samples)*l.gridInterval > maxCatchUpMs {
		log.Printf("[capture] resample gap %.0fms exceeds limit; finalizing recording at %d samples", elapsedMs, l.samples)
		l.recording = false
		return
	}
	for deadline := float64(l.samples) * l.gridInterval; elapsedMs >= deadline; deadline = float64(l.samples) * l.gridInterval {
		var f pose.Frame
		if l.latest != nil {
			f = *l.latest // shallow: people are shared across catch-up samples
		} else {
			f = pose.Empty(0, l.mode)
		}
		f.TMs = deadline
		l.buf = append(l.buf, f)
		l.samples++
	}
}

// maybeEstimate dispatches one estimation call if the slot is idle and the
// source has an image. Caller holds mu.
func (l *Loop) maybeEstimate(now time.Time) {
	if l.inferring || l.estimator == nil || l.source == nil {
		return
	}
	img, err := l.source.Grab()
	if err != nil {
		log.Printf("[capture] image source error: %v", err)
		return
	}
	if img == nil {
		// Source not ready yet; not an error.
		return
	}
	l.callToken++
	l.inferring = true
	tok := l.callToken
	est := l.estimator
	tMs := durToMs(now.Sub(l.started))
	go l.estimate(est, tok, img, tMs)
}

// estimate runs one inference call off the tick goroutine and reports its
// completion. The call is never forcibly cancelled; a stale completion is
// discarded by token in finish.
func (l *Loop) estimate(est Estimator, tok uint64, img image.Image, tMs float64) {
	start := l.clock.Now()
	frame, err := est.Estimate(context.Background(), img, tMs)
	l.finish(tok, frame, err, l.clock.Since(start))
}

func (l *Loop) finish(tok uint64, frame pose.Frame, err error, took time.Duration) {
	l.mu.Lock()
	if tok != l.callToken {
		// A swap, stop or newer call superseded this one.
		l.mu.Unlock()
		return
	}
	l.inferring = false
	if err != nil {
		l.mu.Unlock()
		log.Printf("[capture] estimation failed: %v", err)
		return
	}
	l.lat.add(durToMs(took))
	f := frame
	l.latest = &f
	sink := l.onFrame
	l.mu.Unlock()

	if sink != nil {
		sink(frame.Clone())
	}
}

func durToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
