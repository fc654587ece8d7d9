package statecache

import (
	"errors"
	"sync"
	"testing"

	"github.com/banshee-data/slamserver/internal/slam"
)

func okResult(x float64) slam.TrackingResult {
	return slam.TrackingResult{Pose: slam.Pose{X: x}, State: slam.TrackingOK}
}

func countingProvider(calls *int, pts ...slam.MapPoint) PointsProvider {
	return func() ([]slam.MapPoint, error) {
		*calls++
		return pts, nil
	}
}

func mustPublish(t *testing.T, c *Cache, res slam.TrackingResult, keyframes, mapID int, provider PointsProvider) {
	t.Helper()
	if err := c.Publish(res, keyframes, mapID, provider); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestNew_Empty(t *testing.T) {
	pose, snap := New().Read()
	if pose != slam.IdentityPose() {
		t.Errorf("pose = %v, want identity", pose)
	}
	if snap == nil {
		t.Fatal("snapshot is nil")
	}
	if snap.Len() != 0 {
		t.Errorf("snapshot has %d points, want 0", snap.Len())
	}
}

func TestPublish_IgnoresNonOK(t *testing.T) {
	c := New()
	calls := 0
	for _, st := range []slam.TrackingState{slam.TrackingNotInitialized, slam.TrackingLost, slam.TrackingRecentlyLost} {
		mustPublish(t, c, slam.TrackingResult{Pose: slam.Pose{X: 9}, State: st}, 5, 1, countingProvider(&calls))
	}
	if calls != 0 || c.Updates() != 0 {
		t.Errorf("provider calls = %d, updates = %d, want none", calls, c.Updates())
	}
	if c.Pose() != slam.IdentityPose() {
		t.Errorf("pose = %v, want identity", c.Pose())
	}
}

func TestPublish_SnapshotOnlyOnStructuralChange(t *testing.T) {
	c := New()
	calls := 0
	provider := countingProvider(&calls, slam.MapPoint{X: 1, Y: 2, Z: 3})

	// Same (0, 0) as the initial state: pose only.
	mustPublish(t, c, okResult(1), 0, 0, provider)
	if calls != 0 {
		t.Fatalf("captured %d times for an unchanged structure", calls)
	}

	mustPublish(t, c, okResult(2), 3, 0, provider)
	if calls != 1 {
		t.Fatalf("captured %d times after a keyframe change, want 1", calls)
	}
	_, first := c.Read()

	for i := 0; i < 50; i++ {
		mustPublish(t, c, okResult(float64(3+i)), 3, 0, provider)
	}
	if calls != 1 {
		t.Errorf("unchanged keyframes and map id recaptured: %d calls", calls)
	}
	pose, snap := c.Read()
	if snap != first {
		t.Error("snapshot replaced without a structural change")
	}
	if pose.X != 52 {
		t.Errorf("pose.X = %v, want 52", pose.X)
	}

	mustPublish(t, c, okResult(100), 3, 1, provider)
	if calls != 2 || c.Captures() != 2 {
		t.Errorf("map id change: %d calls and %d captures, want 2", calls, c.Captures())
	}
}

func TestPublish_OldSnapshotUnaffected(t *testing.T) {
	c := New()
	mustPublish(t, c, okResult(0), 1, 0, func() ([]slam.MapPoint, error) {
		return []slam.MapPoint{{X: 1}}, nil
	})
	_, held := c.Read()

	mustPublish(t, c, okResult(0), 2, 0, func() ([]slam.MapPoint, error) {
		return []slam.MapPoint{{X: 7}, {X: 8}}, nil
	})

	if held.Len() != 1 || held.Points[0].X != 1 {
		t.Errorf("held snapshot changed: %+v", held.Points)
	}
	if _, cur := c.Read(); cur.Len() != 2 {
		t.Errorf("current snapshot has %d points, want 2", cur.Len())
	}
}

func TestPublish_ProviderErrorKeepsSnapshotAndRetries(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	err := c.Publish(okResult(5), 1, 0, func() ([]slam.MapPoint, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Publish error = %v, want %v", err, boom)
	}
	if c.Pose().X != 5 {
		t.Errorf("pose.X = %v, want 5", c.Pose().X)
	}
	if c.Captures() != 0 {
		t.Errorf("Captures() = %d after a failed capture", c.Captures())
	}

	calls := 0
	mustPublish(t, c, okResult(6), 1, 0, countingProvider(&calls, slam.MapPoint{}))
	if calls != 1 {
		t.Errorf("failed capture not retried on the next publish: %d calls", calls)
	}
}

func TestSeed(t *testing.T) {
	c := New()
	c.Seed(slam.Pose{X: 1}, &slam.MapSnapshot{Points: []slam.MapPoint{{}}, KeyframeCount: 4, MapID: 2})

	calls := 0
	mustPublish(t, c, okResult(2), 4, 2, countingProvider(&calls))
	if calls != 0 {
		t.Errorf("seeded structure recaptured: %d calls", calls)
	}
	if _, snap := c.Read(); snap.Len() != 1 {
		t.Errorf("snapshot has %d points, want the seeded 1", snap.Len())
	}

	c.Seed(slam.Pose{}, nil)
	_, snap := c.Read()
	if snap == nil {
		t.Fatal("nil seed left a nil snapshot")
	}
	if snap.Len() != 0 {
		t.Errorf("snapshot has %d points after a nil seed", snap.Len())
	}
}

// Every publish changes the keyframe count, so a consistent reader always sees
// a snapshot whose keyframe count matches the pose it is paired with.
func TestReadIsConsistentUnderConcurrentPublish(t *testing.T) {
	c := New()
	const n = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				pose, snap := c.Read()
				if int(pose.X) != snap.KeyframeCount {
					t.Errorf("torn read: pose %v with snapshot keyframes %d", pose.X, snap.KeyframeCount)
					return
				}
			}
		}()
	}

	for i := 1; i <= n; i++ {
		kf := i
		if err := c.Publish(okResult(float64(kf)), kf, 0, func() ([]slam.MapPoint, error) {
			return make([]slam.MapPoint, kf%7), nil
		}); err != nil {
			t.Errorf("Publish %d: %v", i, err)
			break
		}
	}
	close(stop)
	wg.Wait()
	if c.Captures() != n {
		t.Errorf("Captures() = %d, want %d", c.Captures(), n)
	}
}
