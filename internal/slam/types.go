// Package slam holds the domain model shared by the SLAM service: frames fed
// to the tracking engine, the poses and map snapshots it produces, and the
// contract the service uses to talk to the engine.
package slam

import (
	"fmt"
	"image"
	"strings"
)

// SensorMode selects which images make up a frame.
type SensorMode string

const (
	// ModeMono feeds a single colour image per frame.
	ModeMono SensorMode = "mono"
	// ModeRGBD feeds a registered colour + depth pair per frame.
	ModeRGBD SensorMode = "rgbd"
)

// ParseSensorMode parses a mode name case-insensitively.
func ParseSensorMode(s string) (SensorMode, error) {
	switch m := SensorMode(strings.ToLower(s)); m {
	case ModeMono, ModeRGBD:
		return m, nil
	default:
		return "", fmt.Errorf("invalid slam mode %q", s)
	}
}

// Paired reports whether frames in this mode need a companion depth image.
func (m SensorMode) Paired() bool { return m == ModeRGBD }

// Frame is one timestamped sensor capture. Depth is nil in mono mode.
type Frame struct {
	ID        string
	SensorID  string
	Timestamp float64 // seconds, relative to the first frame of the session
	Color     image.Image
	Depth     image.Image
}

// TrackingState mirrors the engine's tracker status.
type TrackingState int

const (
	TrackingNotInitialized TrackingState = iota
	TrackingOK
	TrackingLost
	TrackingRecentlyLost
)

func (s TrackingState) String() string {
	switch s {
	case TrackingNotInitialized:
		return "not_initialized"
	case TrackingOK:
		return "ok"
	case TrackingLost:
		return "lost"
	case TrackingRecentlyLost:
		return "recently_lost"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TrackingResult is what the engine returns for a single pushed frame.
type TrackingResult struct {
	Pose  Pose
	State TrackingState
}

// MapPoint is a landmark position in the world frame.
type MapPoint struct {
	X, Y, Z float32
}

// MapSnapshot is an immutable copy of the engine's map points taken when the
// keyframe count or the active map changed. Holders may keep a reference
// indefinitely; publication of a newer snapshot never touches an older one.
type MapSnapshot struct {
	Points        []MapPoint
	KeyframeCount int
	MapID         int
}

// Len returns the number of points, treating a nil snapshot as empty.
func (s *MapSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}
