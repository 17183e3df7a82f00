// Package pose defines the frame data model shared by the capture loop,
// the playback controller and the recordings store.
package pose

import "sort"

// Mode identifies which estimation pipeline produced a frame.
type Mode string

const (
	// ModeSingleDetailed is single-person estimation with the detailed
	// keypoint set.
	ModeSingleDetailed Mode = "single-person-detailed"
	// ModeMulti is multi-person estimation with the basic keypoint set.
	ModeMulti Mode = "multi-person"
)

// Keypoint is one detected landmark in normalised [0,1] image space.
type Keypoint struct {
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Z     *float64 `json:"z,omitempty"`
	Score *float64 `json:"score,omitempty"`
	Name  string   `json:"name,omitempty"`
}

// Person is one detected person within a frame. The ID is stable only
// within that frame; nothing in this package tracks identity across frames.
type Person struct {
	ID             string     `json:"id"`
	Keypoints      []Keypoint `json:"keypoints"`
	WorldKeypoints []Keypoint `json:"world_keypoints,omitempty"`
	Score          *float64   `json:"score,omitempty"`
}

// Frame is the estimator output captured (or resampled) at one instant.
// TMs is milliseconds since the start of the sequence the frame belongs to.
type Frame struct {
	TMs    float64  `json:"t_ms"`
	Mode   Mode     `json:"mode"`
	People []Person `json:"people"`
}

// Empty returns a frame with no people at the given timestamp. Used for
// sample-and-hold before the first estimation has completed.
func Empty(tMs float64, mode Mode) Frame {
	return Frame{TMs: tMs, Mode: mode, People: []Person{}}
}

// Clone returns a deep copy of the frame. Callback consumers receive clones
// so they can never mutate loop-owned state.
func (f Frame) Clone() Frame {
	out := f
	if f.People != nil {
		out.People = make([]Person, len(f.People))
		for i, p := range f.People {
			out.People[i] = p.clone()
		}
	}
	return out
}

func (p Person) clone() Person {
	out := p
	out.Keypoints = cloneKeypoints(p.Keypoints)
	out.WorldKeypoints = cloneKeypoints(p.WorldKeypoints)
	if p.Score != nil {
		s := *p.Score
		out.Score = &s
	}
	return out
}

func cloneKeypoints(kps []Keypoint) []Keypoint {
	if kps == nil {
		return nil
	}
	out := make([]Keypoint, len(kps))
	for i, kp := range kps {
		out[i] = kp
		if kp.Z != nil {
			z := *kp.Z
			out[i].Z = &z
		}
		if kp.Score != nil {
			s := *kp.Score
			out[i].Score = &s
		}
	}
	return out
}

// SortByTime sorts frames ascending by TMs. The sort is stable so frames
// sharing a timestamp keep their relative order.
func SortByTime(frames []Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].TMs < frames[j].TMs
	})
}

// Duration returns the timestamp of the last frame of an ascending
// sequence, or 0 for an empty sequence.
func Duration(frames []Frame) float64 {
	if len(frames) == 0 {
		return 0
	}
	return frames[len(frames)-1].TMs
}
