// Package playback replays a finite, ascending frame sequence against a
// virtual clock with play, pause and random-access seek.
package playback

import (
	"sort"
	"sync"
	"time"

	"github.com/motion-data/pose.report/internal/pose"
	"github.com/motion-data/pose.report/internal/timeutil"
)

// DefaultTickInterval approximates a 60Hz display refresh.
const DefaultTickInterval = 16667 * time.Microsecond

// Config configures a Controller. Zero values select the defaults.
type Config struct {
	Clock        timeutil.Clock // defaults to timeutil.RealClock
	TickInterval time.Duration  // advance driver period, defaults to DefaultTickInterval
}

// Controller replays a loaded sequence. The frame sink receives
// (frame, currentTimeMs) on every advance and seek; frame is nil when the
// virtual time precedes the first entry or nothing is loaded. Sinks must not
// block.
type Controller struct {
	clock        timeutil.Clock
	tickInterval time.Duration

	mu       sync.Mutex
	frames   []pose.Frame // ascending by TMs
	duration float64      // ms, last frame's TMs (0 if empty)
	current  float64      // ms, virtual clock position in [0, duration]
	playing  bool
	lastTick time.Time
	ticker   timeutil.Ticker
	done     chan struct{}

	onFrame func(f *pose.Frame, tMs float64)
	onEnd   func()
}

// NewController creates a paused controller with nothing loaded.
func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Controller{
		clock:        cfg.Clock,
		tickInterval: cfg.TickInterval,
	}
}

// OnFrame registers the frame/time sink.
func (c *Controller) OnFrame(fn func(f *pose.Frame, tMs float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// OnEnd registers the end-of-playback sink, fired exactly once each time the
// virtual clock reaches the end of the sequence.
func (c *Controller) OnEnd(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = fn
}

// Load installs a sequence, sorting it by t_ms defensively, resets the
// virtual clock to 0 and immediately notifies with the frame active at 0.
// Any playback in progress stops.
func (c *Controller) Load(frames []pose.Frame) {
	c.mu.Lock()
	c.stopDriver()
	c.frames = make([]pose.Frame, len(frames))
	copy(c.frames, frames)
	pose.SortByTime(c.frames)
	c.duration = pose.Duration(c.frames)
	c.current = 0
	f, sink := c.lookup(), c.onFrame
	c.mu.Unlock()

	if sink != nil {
		sink(f, 0)
	}
}

// Duration returns the loaded sequence's duration in milliseconds.
func (c *Controller) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// CurrentTime returns the virtual clock position in milliseconds.
func (c *Controller) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Playing reports whether the advance driver is running.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Play starts advancing the virtual clock. No-op if already playing or if
// nothing is loaded. Playing from the end restarts at 0.
func (c *Controller) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing || len(c.frames) == 0 {
		return
	}
	if c.current >= c.duration {
		c.current = 0
	}
	c.playing = true
	c.lastTick = c.clock.Now()
	c.ticker = c.clock.NewTicker(c.tickInterval)
	c.done = make(chan struct{})
	go c.run(c.ticker, c.done)
}

// Pause stops the advance driver, preserving the virtual clock position.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopDriver()
}

// stopDriver cancels future advance steps. Caller holds mu.
func (c *Controller) stopDriver() {
	if !c.playing {
		return
	}
	c.playing = false
	c.ticker.Stop()
	close(c.done)
}

// Seek clamps t to [0, duration], moves the virtual clock there and
// synchronously notifies the frame sink. Works while paused.
func (c *Controller) Seek(tMs float64) {
	c.mu.Lock()
	if tMs < 0 {
		tMs = 0
	}
	if tMs > c.duration {
		tMs = c.duration
	}
	c.current = tMs
	// Re-anchor the wall-clock reference so a seek during playback does
	// not fold the pre-seek elapsed time into the next step.
	c.lastTick = c.clock.Now()
	f, sink, cur := c.lookup(), c.onFrame, c.current
	c.mu.Unlock()

	if sink != nil {
		sink(f, cur)
	}
}

// FrameAt returns a copy of the frame active at t without moving the
// virtual clock, or nil if t precedes the first entry.
func (c *Controller) FrameAt(tMs float64) *pose.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := c.current
	c.current = tMs
	f := c.lookup()
	c.current = saved
	return f
}

func (c *Controller) run(ticker timeutil.Ticker, done chan struct{}) {
	for {
		select {
		case now := <-ticker.C():
			c.step(now)
		case <-done:
			return
		}
	}
}

// step advances the virtual clock by the wall-clock time since the last
// step, then notifies. Reaching the end clamps, pauses and fires the end
// sink exactly once.
func (c *Controller) step(now time.Time) {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	dt := now.Sub(c.lastTick)
	c.lastTick = now
	c.current += float64(dt) / float64(time.Millisecond)

	var endSink func()
	if c.current >= c.duration {
		c.current = c.duration
		c.stopDriver()
		endSink = c.onEnd
	}
	f, sink, cur := c.lookup(), c.onFrame, c.current
	c.mu.Unlock()

	if sink != nil {
		sink(f, cur)
	}
	if endSink != nil {
		endSink()
	}
}

// lookup binary-searches for the last frame whose t_ms is not later than the
// virtual clock and returns a copy, or nil if the clock precedes the first
// entry. Caller holds mu.
func (c *Controller) lookup() *pose.Frame {
	if len(c.frames) == 0 {
		return nil
	}
	// First index with TMs > current; the active frame sits just before it.
	idx := sort.Search(len(c.frames), func(i int) bool {
		return c.frames[i].TMs > c.current
	})
	if idx == 0 {
		return nil
	}
	f := c.frames[idx-1].Clone()
	return &f
}
