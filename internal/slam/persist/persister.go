// Package persist periodically dumps the engine's full state to disk so a
// later session can resume from the map built so far.
package persist

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/banshee-data/slamserver/internal/fsutil"
	"github.com/banshee-data/slamserver/internal/mapdb"
	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam"
	"github.com/banshee-data/slamserver/internal/slam/sensorfeed"
	"github.com/banshee-data/slamserver/internal/timeutil"
)

// DefaultQuantum bounds how long the loop sleeps between cancellation checks.
const DefaultQuantum = 100 * time.Millisecond

const zstdExt = ".zst"

// ErrNoArchive is returned by LatestArchive when the directory holds no
// archive for the sensor.
var ErrNoArchive = errors.New("no archive found")

// Index records written archives.
type Index interface {
	RecordArchive(ctx context.Context, a mapdb.Archive) error
}

// Config controls the persister.
type Config struct {
	// Interval between dumps. Zero disables persistence (pure localization).
	Interval time.Duration
	// MapDir receives the archives.
	MapDir string
	Sensor string
	// Compress writes zstd-compressed archives with a .zst suffix.
	Compress bool
	// Quantum overrides DefaultQuantum when positive.
	Quantum time.Duration
	// SessionID is stored with every indexed archive.
	SessionID string
}

// Persister is the periodic state-dump loop.
type Persister struct {
	guard *slam.EngineGuard
	fs    fsutil.FileSystem
	clock timeutil.Clock
	cfg   Config

	index      Index
	replayDone <-chan struct{}
	saved      atomic.Int64
}

// New creates a persister. A nil clock uses the real clock.
func New(guard *slam.EngineGuard, fs fsutil.FileSystem, clock timeutil.Clock, cfg Config) *Persister {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultQuantum
	}
	return &Persister{guard: guard, fs: fs, clock: clock, cfg: cfg}
}

// SetIndex records every archive in idx. Call before Run.
func (p *Persister) SetIndex(idx Index) { p.index = idx }

// SetReplayDone makes Run write a final dump and return once done is closed.
// Call before Run.
func (p *Persister) SetReplayDone(done <-chan struct{}) { p.replayDone = done }

// Saved returns how many archives have been written.
func (p *Persister) Saved() int { return int(p.saved.Load()) }

// Run dumps the engine state every Interval until ctx is cancelled or the
// offline replay finishes.
func (p *Persister) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		monitoring.Logf("[Persist] map_rate_sec is 0, running in pure localization mode")
		return nil
	}

	for ctx.Err() == nil {
		start := p.clock.Now()
		if p.finished() {
			if _, err := p.SaveFinal(ctx, start); err != nil {
				monitoring.Logf("[Persist] Final save failed: %v", err)
			}
			monitoring.Logf("Finished saving final map")
			return nil
		}

		if _, err := p.Save(ctx, start); err != nil {
			monitoring.Logf("[Persist] %v", err)
		}

		for p.clock.Since(start) < p.cfg.Interval {
			if p.finished() {
				break
			}
			if !timeutil.Sleep(ctx, p.clock, p.cfg.Quantum) {
				return nil
			}
		}
	}
	return nil
}

func (p *Persister) finished() bool {
	if p.replayDone == nil {
		return false
	}
	select {
	case <-p.replayDone:
		return true
	default:
		return false
	}
}

// Save writes one archive named after at if the engine is tracking and has
// built a map. It returns the archive path, or "" when nothing was written.
func (p *Persister) Save(ctx context.Context, at time.Time) (string, error) {
	var buf bytes.Buffer
	st, ok, err := p.guard.DumpIfHealthy(&buf)
	if err != nil {
		return "", fmt.Errorf("failed to dump engine state: %w", err)
	}
	if !ok {
		monitoring.Debugf("[Persist] Engine not tracking, skipping save")
		return "", nil
	}
	return p.write(ctx, at, buf.Bytes(), st)
}

// SaveFinal writes the last archive of an offline session whatever the
// tracking state.
func (p *Persister) SaveFinal(ctx context.Context, at time.Time) (string, error) {
	var buf bytes.Buffer
	st, err := p.guard.DumpWithStructure(&buf)
	if err != nil {
		return "", fmt.Errorf("failed to dump engine state: %w", err)
	}
	if !st.Healthy() {
		monitoring.Logf("[Persist] Saving final map while tracking is %s", st.State)
	}
	return p.write(ctx, at, buf.Bytes(), st)
}

func (p *Persister) write(ctx context.Context, at time.Time, data []byte, st slam.Structure) (string, error) {
	path := sensorfeed.ArchivePath(p.cfg.MapDir, p.cfg.Sensor, at)
	if p.cfg.Compress {
		path += zstdExt
		data = zstdEncoder.EncodeAll(data, nil)
	}

	if err := p.fs.MkdirAll(p.cfg.MapDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create map directory: %w", err)
	}
	if err := writeFile(p.fs, path, data); err != nil {
		return "", err
	}
	p.saved.Add(1)
	monitoring.Logf("[Persist] Saved map to %s (%d bytes)", path, len(data))

	if p.index != nil {
		sum := blake3.Sum256(data)
		rec := mapdb.Archive{
			SessionID:     p.cfg.SessionID,
			Path:          path,
			Sensor:        p.cfg.Sensor,
			CreatedAt:     at.UTC(),
			SizeBytes:     int64(len(data)),
			Checksum:      hex.EncodeToString(sum[:]),
			Compressed:    p.cfg.Compress,
			KeyframeCount: st.KeyframeCount,
		}
		if err := p.index.RecordArchive(ctx, rec); err != nil {
			monitoring.Logf("[Persist] Failed to index %s: %v", path, err)
		}
	}
	return path, nil
}

func writeFile(fs fsutil.FileSystem, path string, data []byte) error {
	w, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// LatestArchive returns the newest archive for sensor in dir, compressed or
// not. Archive names sort chronologically.
func LatestArchive(fs fsutil.FileSystem, dir, sensor string) (string, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list archives in %s: %w", dir, err)
	}
	var best, bestKey string
	for _, e := range entries {
		name := e.Name()
		key := name
		if filepath.Ext(key) == zstdExt {
			key = key[:len(key)-len(zstdExt)]
		}
		if e.IsDir() || filepath.Ext(key) != ".osa" || sensorfeed.SensorOf(key) != sensor {
			continue
		}
		if key > bestKey || (key == bestKey && name > best) {
			best, bestKey = name, key
		}
	}
	if best == "" {
		return "", fmt.Errorf("no archive for sensor %s in %s: %w", sensor, dir, ErrNoArchive)
	}
	return filepath.Join(dir, best), nil
}

// OpenArchive returns a reader over the decoded contents of an archive.
func OpenArchive(fs fsutil.FileSystem, path string) (io.Reader, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if filepath.Ext(path) == zstdExt {
		data, err = zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress %s: %w", path, err)
		}
	}
	return bytes.NewReader(data), nil
}
