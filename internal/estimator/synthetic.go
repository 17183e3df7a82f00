// Package estimator provides pose-estimation capabilities for the capture
// loop. The synthetic estimators generate plausible moving skeletons for
// demos and tests; they are interchangeable with any real adapter through
// the capture.Estimator interface.
package estimator

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand"
	"time"

	"github.com/motion-data/pose.report/internal/pose"
)

// Quality presets accepted by Init.
const (
	QualityLite = "lite"
	QualityFull = "full"
)

// detailedKeypoints is the 33-landmark set produced in single-person mode.
var detailedKeypoints = []string{
	"nose", "left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear", "mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_pinky", "right_pinky",
	"left_index", "right_index", "left_thumb", "right_thumb",
	"left_hip", "right_hip", "left_knee", "right_knee",
	"left_ankle", "right_ankle", "left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// basicKeypoints is the 17-landmark set produced in multi-person mode.
var basicKeypoints = []string{
	"nose", "left_eye", "right_eye", "left_ear", "right_ear",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_hip", "right_hip",
	"left_knee", "right_knee", "left_ankle", "right_ankle",
}

// Synthetic is a deterministic single-person estimator producing the
// detailed keypoint set. The skeleton sways on a sine path over time.
type Synthetic struct {
	Latency time.Duration // artificial per-call inference delay

	seed        int64
	rng         *rand.Rand
	quality     string
	initialized bool
}

// NewSynthetic creates a single-person synthetic estimator. The same seed
// reproduces the same sequence of frames.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{seed: seed}
}

// Init prepares the estimator. Estimate before Init is a contract violation
// and fails hard.
func (s *Synthetic) Init(quality string) error {
	if quality != QualityLite && quality != QualityFull {
		return fmt.Errorf("estimator: unknown quality %q", quality)
	}
	s.quality = quality
	s.rng = rand.New(rand.NewSource(s.seed))
	s.initialized = true
	return nil
}

// Estimate produces one single-person frame stamped with tMs.
func (s *Synthetic) Estimate(ctx context.Context, _ image.Image, tMs float64) (pose.Frame, error) {
	if !s.initialized {
		return pose.Frame{}, fmt.Errorf("estimator: Estimate called before Init")
	}
	if err := simulateLatency(ctx, s.Latency); err != nil {
		return pose.Frame{}, err
	}
	return pose.Frame{
		TMs:    tMs,
		Mode:   pose.ModeSingleDetailed,
		People: []pose.Person{syntheticPerson("p0", detailedKeypoints, tMs, 0, s.rng)},
	}, nil
}

// Close releases the estimator; Init is required before further use.
func (s *Synthetic) Close() error {
	s.initialized = false
	return nil
}

// MultiSynthetic is a deterministic multi-person estimator producing the
// basic keypoint set for a fixed number of people.
type MultiSynthetic struct {
	Latency time.Duration

	seed        int64
	people      int
	rng         *rand.Rand
	initialized bool
}

// NewMultiSynthetic creates a multi-person synthetic estimator.
func NewMultiSynthetic(seed int64, people int) *MultiSynthetic {
	if people < 1 {
		people = 1
	}
	return &MultiSynthetic{seed: seed, people: people}
}

func (m *MultiSynthetic) Init(quality string) error {
	if quality != QualityLite && quality != QualityFull {
		return fmt.Errorf("estimator: unknown quality %q", quality)
	}
	m.rng = rand.New(rand.NewSource(m.seed))
	m.initialized = true
	return nil
}

func (m *MultiSynthetic) Estimate(ctx context.Context, _ image.Image, tMs float64) (pose.Frame, error) {
	if !m.initialized {
		return pose.Frame{}, fmt.Errorf("estimator: Estimate called before Init")
	}
	if err := simulateLatency(ctx, m.Latency); err != nil {
		return pose.Frame{}, err
	}
	people := make([]pose.Person, m.people)
	for i := range people {
		phase := float64(i) * 2 * math.Pi / float64(m.people)
		people[i] = syntheticPerson(fmt.Sprintf("p%d", i), basicKeypoints, tMs, phase, m.rng)
	}
	return pose.Frame{TMs: tMs, Mode: pose.ModeMulti, People: people}, nil
}

func (m *MultiSynthetic) Close() error {
	m.initialized = false
	return nil
}

// syntheticPerson lays keypoints out on a vertical body axis that sways
// horizontally over time, with a little per-keypoint noise.
func syntheticPerson(id string, names []string, tMs, phase float64, rng *rand.Rand) pose.Person {
	sway := 0.15 * math.Sin(tMs/800+phase)
	cx := clamp01(0.5 + sway)
	score := 0.7 + 0.25*rng.Float64()

	kps := make([]pose.Keypoint, len(names))
	for i, name := range names {
		frac := float64(i) / float64(len(names)-1) // head at top, feet at bottom
		kps[i] = pose.Keypoint{
			X:     clamp01(cx + 0.04*(rng.Float64()-0.5)),
			Y:     clamp01(0.1 + 0.8*frac + 0.02*(rng.Float64()-0.5)),
			Score: ptr(score),
			Name:  name,
		}
	}
	return pose.Person{ID: id, Keypoints: kps, Score: ptr(score)}
}

func simulateLatency(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ptr(v float64) *float64 { return &v }
