package slam

import (
	"context"
	"io"
	"sync"
)

// Engine is the tracking/mapping black box. Implementations are not required
// to be safe for concurrent use; the service serialises every call through an
// EngineGuard.
type Engine interface {
	// PushFrame tracks one frame. It may block for a long and variable time.
	PushFrame(ctx context.Context, f Frame) (TrackingResult, error)

	// TrackingState reports the tracker status after the last frame.
	TrackingState() TrackingState

	// KeyframeCount is the number of keyframes in the active map.
	KeyframeCount() int

	// CurrentMapID identifies the active map.
	CurrentMapID() int

	// AllMapPoints returns every point of the active map. Expensive.
	AllMapPoints() []MapPoint

	// DumpState serialises the full engine state.
	DumpState(w io.Writer) error

	// Shutdown stops engine background work.
	Shutdown() error
}

// Structure is the cheap structural summary used to decide whether a new map
// snapshot is needed.
type Structure struct {
	State         TrackingState
	KeyframeCount int
	MapID         int
}

// Healthy reports whether the engine is tracking and has built any map.
func (s Structure) Healthy() bool {
	return s.State == TrackingOK && s.KeyframeCount > 0
}

// EngineGuard owns the engine pointer and the mutex that serialises all
// access to it. The ingestion loop, the persister and RPC handlers all go
// through the same guard.
type EngineGuard struct {
	mu     sync.Mutex
	engine Engine
}

// NewEngineGuard returns a guard with no engine attached.
func NewEngineGuard() *EngineGuard {
	return &EngineGuard{}
}

// Attach makes e available to callers. Passing nil detaches.
func (g *EngineGuard) Attach(e Engine) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.engine = e
}

// Detach removes the engine and returns it so the caller can shut it down.
func (g *EngineGuard) Detach() Engine {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.engine
	g.engine = nil
	return e
}

// Attached reports whether an engine is present.
func (g *EngineGuard) Attached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine != nil
}

// PushFrame forwards a frame to the engine.
func (g *EngineGuard) PushFrame(ctx context.Context, f Frame) (TrackingResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return TrackingResult{}, ErrNotInitialized
	}
	return g.engine.PushFrame(ctx, f)
}

// Structure reads tracking state, keyframe count and map id in one critical
// section.
func (g *EngineGuard) Structure() (Structure, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return Structure{}, ErrNotInitialized
	}
	return g.structureLocked(), nil
}

// MapPoints copies the active map's points out of the engine.
func (g *EngineGuard) MapPoints() ([]MapPoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return nil, ErrNotInitialized
	}
	src := g.engine.AllMapPoints()
	pts := make([]MapPoint, len(src))
	copy(pts, src)
	return pts, nil
}

// DumpState writes the engine state to w.
func (g *EngineGuard) DumpState(w io.Writer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return ErrNotInitialized
	}
	return g.engine.DumpState(w)
}

// DumpWithStructure writes the engine state to w and returns the structure
// it was taken at, both under one lock.
func (g *EngineGuard) DumpWithStructure(w io.Writer) (Structure, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return Structure{}, ErrNotInitialized
	}
	st := g.structureLocked()
	return st, g.engine.DumpState(w)
}

// DumpIfHealthy writes the engine state only when the engine is tracking and
// has at least one keyframe. It reports whether a dump was written.
func (g *EngineGuard) DumpIfHealthy(w io.Writer) (Structure, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return Structure{}, false, ErrNotInitialized
	}
	st := g.structureLocked()
	if !st.Healthy() {
		return st, false, nil
	}
	return st, true, g.engine.DumpState(w)
}

func (g *EngineGuard) structureLocked() Structure {
	return Structure{
		State:         g.engine.TrackingState(),
		KeyframeCount: g.engine.KeyframeCount(),
		MapID:         g.engine.CurrentMapID(),
	}
}
