// Package ingest drives frames from the sensor feed into the tracking engine
// and publishes the results to the state cache.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam"
	"github.com/banshee-data/slamserver/internal/slam/sensorfeed"
	"github.com/banshee-data/slamserver/internal/slam/statecache"
	"github.com/banshee-data/slamserver/internal/timeutil"
)

// DefaultRetention is the number of newest frames left on disk when
// processed frames are deleted.
const DefaultRetention = 4

// Config holds the ingestion parameters.
type Config struct {
	// StartTime is the session start, in seconds since the epoch. Online
	// mode only picks frames newer than it; offline mode starts at the first
	// frame after it.
	StartTime float64
	// FrameDelay is the wait between polls when no new frame is available.
	FrameDelay time.Duration
	// DeleteProcessed removes processed frame files in online mode.
	DeleteProcessed bool
	// Retention overrides DefaultRetention when positive.
	Retention int
}

// Recorder receives every published pose.
type Recorder interface {
	Record(t float64, p slam.Pose)
}

// Loop feeds frames to the engine. Exactly one Loop should run per engine:
// it is the only caller of PushFrame.
type Loop struct {
	feed     *sensorfeed.Feed
	guard    *slam.EngineGuard
	cache    *statecache.Cache
	clock    timeutil.Clock
	cfg      Config
	recorder Recorder

	finished chan struct{}
	once     sync.Once
	pushed   atomic.Int64
}

// New creates a loop. A nil clock uses the real clock.
func New(feed *sensorfeed.Feed, guard *slam.EngineGuard, cache *statecache.Cache, clock timeutil.Clock, cfg Config) *Loop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Loop{
		feed:     feed,
		guard:    guard,
		cache:    cache,
		clock:    clock,
		cfg:      cfg,
		finished: make(chan struct{}),
	}
}

// SetRecorder attaches a pose recorder. Call before Run.
func (l *Loop) SetRecorder(r Recorder) { l.recorder = r }

// Finished is closed when an offline pass has consumed every frame.
func (l *Loop) Finished() <-chan struct{} { return l.finished }

// Pushed returns how many frames have been handed to the engine.
func (l *Loop) Pushed() int { return int(l.pushed.Load()) }

// Run starts online or offline ingestion and blocks until it ends.
func (l *Loop) Run(ctx context.Context, online bool) error {
	if online {
		return l.Online(ctx)
	}
	return l.Offline(ctx)
}

// Online tails the frame directory, always jumping to the newest complete
// frame, until ctx is cancelled.
func (l *Loop) Online(ctx context.Context) error {
	ref := l.cfg.StartTime
	var (
		origin     float64
		firstFrame string
	)
	monitoring.Logf("[Ingest] Online ingestion started for sensor %s", l.feed.Sensor())

	for ctx.Err() == nil {
		frames, err := l.feed.ListFrames()
		if err != nil {
			monitoring.Logf("[Ingest] %v", err)
			if !timeutil.Sleep(ctx, l.clock, l.cfg.FrameDelay) {
				break
			}
			continue
		}

		idx, t, err := l.feed.SelectNext(frames, sensorfeed.Recent, ref)
		if err != nil {
			if !errors.Is(err, slam.ErrNoFrame) {
				monitoring.Logf("[Ingest] Frame selection failed: %v", err)
			}
			if !timeutil.Sleep(ctx, l.clock, l.cfg.FrameDelay) {
				break
			}
			continue
		}

		if firstFrame == "" {
			origin = t
			firstFrame = frames[idx]
		}
		// A frame that fails to decode is not retried.
		ref = t

		frame, err := l.feed.Load(frames[idx], t-origin)
		if err != nil {
			monitoring.Logf("[Ingest] Skipping frame %s: %v", frames[idx], err)
			continue
		}
		if l.cfg.DeleteProcessed {
			l.feed.Prune(frames, firstFrame, frames[idx], l.cfg.Retention)
		}
		l.track(ctx, frame)
	}

	monitoring.Logf("[Ingest] Online ingestion stopped")
	return nil
}

// Offline replays every frame after the session start exactly once, then
// closes Finished.
func (l *Loop) Offline(ctx context.Context) error {
	defer l.finish()

	frames, err := l.feed.ListFrames()
	if err != nil {
		return err
	}
	start, t0, err := l.feed.SelectNext(frames, sensorfeed.Closest, l.cfg.StartTime)
	if errors.Is(err, slam.ErrNoFrame) {
		monitoring.Logf("[Ingest] No frames found after the session start")
		return nil
	}
	if err != nil {
		return err
	}
	monitoring.Logf("[Ingest] Offline replay of %d frames for sensor %s", len(frames)-start, l.feed.Sensor())

	for _, id := range frames[start:] {
		if ctx.Err() != nil {
			monitoring.Logf("[Ingest] Offline replay cancelled")
			return nil
		}
		t, err := sensorfeed.ParseTimestamp(id)
		if err != nil {
			monitoring.Logf("[Ingest] Skipping frame: %v", err)
			continue
		}
		l.process(ctx, id, t-t0)
	}
	monitoring.Logf("Finished processing offline images")
	return nil
}

func (l *Loop) finish() {
	l.once.Do(func() { close(l.finished) })
}

// process decodes, tracks and publishes one frame. Failures are logged and
// the frame is dropped.
func (l *Loop) process(ctx context.Context, frameID string, ts float64) {
	frame, err := l.feed.Load(frameID, ts)
	if err != nil {
		monitoring.Logf("[Ingest] Skipping frame %s: %v", frameID, err)
		return
	}
	l.track(ctx, frame)
}

// track pushes a decoded frame and publishes the result.
func (l *Loop) track(ctx context.Context, frame slam.Frame) {
	frameID, ts := frame.ID, frame.Timestamp
	res, err := l.guard.PushFrame(ctx, frame)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		monitoring.Logf("[Ingest] Tracking failed for %s: %v", frameID, err)
		return
	}
	l.pushed.Add(1)

	// The engine reports world-to-camera; callers want the camera in the map.
	res.Pose = res.Pose.Inverse()

	st, err := l.guard.Structure()
	if err != nil {
		monitoring.Logf("[Ingest] %v", err)
		return
	}
	if err := l.cache.Publish(res, st.KeyframeCount, st.MapID, l.guard.MapPoints); err != nil {
		monitoring.Logf("[Ingest] Map snapshot failed: %v", err)
	}
	if l.recorder != nil && res.State == slam.TrackingOK {
		l.recorder.Record(ts, res.Pose)
	}
	monitoring.Debugf("Passed image to SLAM: %s (state %s)", frameID, res.State)
}
