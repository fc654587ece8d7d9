package sensorfeed

import (
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/slamserver/internal/fsutil"
	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam"
)

const (
	colorSubdir = "rgb"
	depthSubdir = "depth"
	frameExt    = ".png"
)

// Feed reads frames for one sensor from {dataDir}/rgb and, in paired mode,
// {dataDir}/depth.
type Feed struct {
	fs       fsutil.FileSystem
	colorDir string
	depthDir string
	sensor   string
	mode     slam.SensorMode

	mu       sync.Mutex
	rejected map[string]bool
}

// New creates a feed rooted at dataDir.
func New(fs fsutil.FileSystem, dataDir, sensor string, mode slam.SensorMode) *Feed {
	return &Feed{
		fs:       fs,
		colorDir: filepath.Join(dataDir, colorSubdir),
		depthDir: filepath.Join(dataDir, depthSubdir),
		sensor:   sensor,
		mode:     mode,
		rejected: make(map[string]bool),
	}
}

// Sensor returns the sensor name frames are filtered on.
func (f *Feed) Sensor() string { return f.sensor }

// Mode returns the sensor mode.
func (f *Feed) Mode() slam.SensorMode { return f.mode }

// ListFrames returns the sorted ids of the sensor's colour frames. Files
// whose timestamp does not parse are left out and logged once each.
func (f *Feed) ListFrames() ([]string, error) {
	ids, bad, err := listFrames(f.fs, f.colorDir, f.sensor)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range bad {
		if !f.rejected[id] {
			f.rejected[id] = true
			monitoring.Logf("[Feed] Ignoring %s: malformed timestamp", id)
		}
	}
	return ids, nil
}

// ListFrames returns the ids (file names without extension) of every frame
// file in dir that belongs to sensor, in lexicographic order. Ids without a
// parsable timestamp are logged and dropped.
func ListFrames(fs fsutil.FileSystem, dir, sensor string) ([]string, error) {
	ids, bad, err := listFrames(fs, dir, sensor)
	for _, id := range bad {
		monitoring.Logf("[Feed] Ignoring %s: malformed timestamp", id)
	}
	return ids, err
}

func listFrames(fs fsutil.FileSystem, dir, sensor string) (ids, bad []string, err error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list frames in %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != frameExt {
			continue
		}
		id := strings.TrimSuffix(e.Name(), frameExt)
		if SensorOf(id) != sensor {
			continue
		}
		if _, err := ParseTimestamp(id); err != nil {
			bad = append(bad, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, bad, nil
}

// SelectNext applies SelectNext with the companion check implied by the
// feed's mode.
func (f *Feed) SelectNext(frames []string, method Method, ref float64) (int, float64, error) {
	var companion Companion
	if f.mode.Paired() && method == Recent {
		companion = f.hasDepth
	}
	return SelectNext(frames, method, companion, ref)
}

func (f *Feed) hasDepth(frameID string) bool {
	return f.fs.Exists(f.depthPath(frameID))
}

func (f *Feed) colorPath(frameID string) string {
	return filepath.Join(f.colorDir, frameID+frameExt)
}

func (f *Feed) depthPath(frameID string) string {
	return filepath.Join(f.depthDir, frameID+frameExt)
}

// Load decodes a frame. ts is the timestamp handed to the engine.
func (f *Feed) Load(frameID string, ts float64) (slam.Frame, error) {
	frame := slam.Frame{ID: frameID, SensorID: f.sensor, Timestamp: ts}

	color, err := f.decode(f.colorPath(frameID))
	if err != nil {
		return slam.Frame{}, err
	}
	frame.Color = color

	if f.mode.Paired() {
		depth, err := f.decode(f.depthPath(frameID))
		if err != nil {
			return slam.Frame{}, err
		}
		frame.Depth = depth
	}
	return frame, nil
}

func (f *Feed) decode(path string) (image.Image, error) {
	r, err := f.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer r.Close()

	img, err := png.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Prune removes processed frame files: those from firstProcessed up to but
// excluding current, and never any of the newest keep entries of frames.
func (f *Feed) Prune(frames []string, firstProcessed, current string, keep int) int {
	removed := 0
	for i := 0; i < len(frames)-keep; i++ {
		id := frames[i]
		if id < firstProcessed {
			continue
		}
		if id >= current {
			break
		}
		if err := f.fs.Remove(f.colorPath(id)); err != nil {
			monitoring.Logf("[Feed] Error removing file %s: %v", f.colorPath(id), err)
			continue
		}
		if f.mode.Paired() {
			if err := f.fs.Remove(f.depthPath(id)); err != nil {
				monitoring.Logf("[Feed] Error removing file %s: %v", f.depthPath(id), err)
			}
		}
		removed++
	}
	return removed
}
