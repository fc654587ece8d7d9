package sensorfeed

import (
	"fmt"

	"github.com/banshee-data/slamserver/internal/slam"
)

// Method is the frame selection policy.
type Method int

const (
	// Closest returns the earliest frame newer than the reference time. Used
	// to find where an offline replay starts.
	Closest Method = iota
	// Recent returns the newest complete frame, for live tailing.
	Recent
)

func (m Method) String() string {
	switch m {
	case Closest:
		return "closest"
	case Recent:
		return "recent"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Companion reports whether the paired-modality file for a frame exists.
// A nil Companion means single-stream frames.
type Companion func(frameID string) bool

// SelectNext picks the next frame index from a sorted list of frame ids and
// returns it with the frame's timestamp. It returns slam.ErrNoFrame when no
// frame qualifies.
//
// The last element of frames is never returned: the capture process may
// still be writing it.
func SelectNext(frames []string, method Method, companion Companion, ref float64) (int, float64, error) {
	switch method {
	case Closest:
		for i := 0; i < len(frames)-1; i++ {
			t, err := ParseTimestamp(frames[i])
			if err != nil {
				return -1, 0, err
			}
			if t > ref {
				return i, t, nil
			}
		}
		return -1, 0, slam.ErrNoFrame

	case Recent:
		i := len(frames) - 2
		if i < 0 {
			return -1, 0, slam.ErrNoFrame
		}
		if companion == nil {
			t, err := ParseTimestamp(frames[i])
			if err != nil {
				return -1, 0, err
			}
			if t <= ref {
				return -1, 0, slam.ErrNoFrame
			}
			return i, t, nil
		}
		for ; i >= 0; i-- {
			t, err := ParseTimestamp(frames[i])
			if err != nil {
				return -1, 0, err
			}
			if t <= ref {
				return -1, 0, slam.ErrNoFrame
			}
			if companion(frames[i]) {
				return i, t, nil
			}
		}
		return -1, 0, slam.ErrNoFrame

	default:
		return -1, 0, fmt.Errorf("%w: unknown selection method %d", slam.ErrInvalidArgument, int(method))
	}
}
