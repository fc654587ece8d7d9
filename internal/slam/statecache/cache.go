// Package statecache holds the latest published pose and map snapshot and
// hands them to concurrent readers.
package statecache

import (
	"sync"

	"github.com/banshee-data/slamserver/internal/slam"
)

// PointsProvider copies the engine's current map points. It is only called
// when the map structure changed.
type PointsProvider func() ([]slam.MapPoint, error)

// Cache is the single source of truth for tracking output. Publish is called
// by the ingestion loop; Read may be called from any number of goroutines.
//
// Readers hold the lock only long enough to copy the pose and take a
// reference to the current snapshot. Snapshots are never mutated after
// capture, so the reference stays valid after the lock is released.
type Cache struct {
	mu       sync.RWMutex
	pose     slam.Pose
	snapshot *slam.MapSnapshot
	updated  uint64

	// publishMu serialises publishers and guards the change-detection state.
	publishMu     sync.Mutex
	lastKeyframes int
	lastMapID     int
	captures      uint64
}

// New returns an empty cache: identity pose, no map points.
func New() *Cache {
	return &Cache{
		pose:     slam.IdentityPose(),
		snapshot: &slam.MapSnapshot{},
	}
}

// Publish records a tracking result. Nothing changes unless the result is
// TrackingOK. The map snapshot is replaced only when keyframes or mapID
// differ from the values seen at the previous capture; otherwise provider is
// not called.
//
// If provider fails the pose is still published and the previous snapshot
// is kept; the next publish retries the capture.
func (c *Cache) Publish(res slam.TrackingResult, keyframes, mapID int, provider PointsProvider) error {
	if res.State != slam.TrackingOK {
		return nil
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	var next *slam.MapSnapshot
	var err error
	if keyframes != c.lastKeyframes || mapID != c.lastMapID {
		var pts []slam.MapPoint
		pts, err = provider()
		if err == nil {
			next = &slam.MapSnapshot{Points: pts, KeyframeCount: keyframes, MapID: mapID}
		}
	}

	c.mu.Lock()
	c.pose = res.Pose
	if next != nil {
		c.snapshot = next
	}
	c.updated++
	c.mu.Unlock()

	if next != nil {
		c.lastKeyframes = keyframes
		c.lastMapID = mapID
		c.captures++
	}
	return err
}

// Read returns the current pose and snapshot as a consistent pair. The
// returned snapshot must not be modified.
func (c *Cache) Read() (slam.Pose, *slam.MapSnapshot) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pose, c.snapshot
}

// Pose returns a copy of the current pose.
func (c *Cache) Pose() slam.Pose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pose
}

// Updates returns how many results have been published.
func (c *Cache) Updates() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Captures returns how many map snapshots have been captured.
func (c *Cache) Captures() uint64 {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.captures
}

// Seed replaces the pose and snapshot directly, bypassing change detection.
// Used to serve a fixed map (test fixtures, restored archives).
func (c *Cache) Seed(pose slam.Pose, snap *slam.MapSnapshot) {
	if snap == nil {
		snap = &slam.MapSnapshot{}
	}
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.mu.Lock()
	c.pose = pose
	c.snapshot = snap
	c.updated++
	c.mu.Unlock()
	c.lastKeyframes = snap.KeyframeCount
	c.lastMapID = snap.MapID
}
