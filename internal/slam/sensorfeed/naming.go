// Package sensorfeed lists timestamped frame files written by the sensor
// capture process and decides which frame the tracking engine sees next.
//
// Frame files are named {sensor}_data_{timestamp}.{ext}. The timestamp is
// fixed width and zero padded, so sorting names lexicographically sorts
// frames chronologically. Changing TimeFormat breaks that property.
package sensorfeed

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/slamserver/internal/slam"
)

const (
	// TimeFormat is the timestamp embedded in frame, settings and archive
	// file names. Archives are written with whole-second resolution.
	TimeFormat = "2006-01-02T15:04:05.0000Z"

	dataMarker = "_data_"
	// secondsLayout is the mandatory part of an embedded timestamp.
	secondsLayout = "2006-01-02T15:04:05"
)

// ParseTimestamp extracts the capture time, in seconds since the Unix epoch,
// from a frame id (a file name without extension).
func ParseTimestamp(frameID string) (float64, error) {
	idx := strings.Index(frameID, dataMarker)
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q has no %q marker", slam.ErrMalformedTimestamp, frameID, dataMarker)
	}
	return ParseTimestampString(frameID[idx+len(dataMarker):])
}

// ParseTimestampString parses YYYY-MM-DDThh:mm:ss with an optional
// fractional-second suffix and an optional trailing Z. Times are UTC.
func ParseTimestampString(s string) (float64, error) {
	if len(s) < len(secondsLayout) {
		return 0, fmt.Errorf("%w: %q is too short", slam.ErrMalformedTimestamp, s)
	}
	t, err := time.ParseInLocation(secondsLayout, s[:len(secondsLayout)], time.UTC)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", slam.ErrMalformedTimestamp, s, err)
	}
	secs := float64(t.Unix())

	rest := strings.TrimSuffix(s[len(secondsLayout):], "Z")
	if rest == "" {
		return secs, nil
	}
	if rest[0] != '.' || len(rest) == 1 {
		return 0, fmt.Errorf("%w: %q has unexpected suffix %q", slam.ErrMalformedTimestamp, s, rest)
	}
	frac, err := strconv.ParseFloat("0"+rest, 64)
	if err != nil || strings.ContainsAny(rest[1:], "eE+-.") {
		return 0, fmt.Errorf("%w: %q has bad fractional seconds %q", slam.ErrMalformedTimestamp, s, rest)
	}
	return secs + frac, nil
}

// SensorOf returns the sensor name prefix of a frame id, or the whole id if
// it has no data marker.
func SensorOf(frameID string) string {
	if idx := strings.Index(frameID, dataMarker); idx >= 0 {
		return frameID[:idx]
	}
	return frameID
}

// FrameID builds the id of a frame captured at t.
func FrameID(sensor string, t time.Time) string {
	return sensor + dataMarker + t.UTC().Format(TimeFormat)
}

// ArchivePath names a persisted engine-state file. Sub-second digits are
// always zero.
func ArchivePath(dir, sensor string, t time.Time) string {
	return filepath.Join(dir, sensor+dataMarker+t.UTC().Truncate(time.Second).Format(TimeFormat)+".osa")
}
