// Package synthetic implements a deterministic tracking engine. It stands in
// for a real visual SLAM engine when none is linked into the binary and
// gives tests a predictable engine to drive.
//
// The camera orbits the origin at a fixed radius; every KeyframeInterval
// tracked frames a keyframe is added with a ring of landmarks around the
// camera. Poses are reported world-to-camera, like a real tracker.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/slamserver/internal/slam"
)

const (
	orbitRadius   = 2.0
	orbitRate     = 0.1 // rad/s
	landmarkRange = 3.0
	stateVersion  = 1
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("synthetic: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("synthetic: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrShutdown is returned by PushFrame after Shutdown.
var ErrShutdown = errors.New("synthetic engine is shut down")

// Options configures a synthetic engine.
type Options struct {
	// Localization disables map growth: no keyframes or points are added.
	Localization bool
	// InitFrames is the number of frames reported as not initialised before
	// tracking starts.
	InitFrames int
	// KeyframeInterval is the number of tracked frames per keyframe. Default 5.
	KeyframeInterval int
	// PointsPerKeyframe is the number of landmarks added per keyframe. Default 24.
	PointsPerKeyframe int
	// Map preloads landmarks. A non-empty map counts as one keyframe.
	Map []slam.MapPoint
	// State restores a previous DumpState output. Takes precedence over Map.
	State io.Reader
	// Settings are the session settings handed to the engine at startup.
	Settings map[string]any
}

// Engine is a synthetic slam.Engine.
type Engine struct {
	mu        sync.Mutex
	opts      Options
	frames    int
	keyframes int
	mapID     int
	points    []slam.MapPoint
	state     slam.TrackingState
	pose      slam.Pose
	lastTime  float64
	closed    bool
}

var _ slam.Engine = (*Engine)(nil)

// state is the serialised form written by DumpState.
type state struct {
	Version   int                `cbor:"1,keyasint"`
	Frames    int                `cbor:"2,keyasint"`
	Keyframes int                `cbor:"3,keyasint"`
	MapID     int                `cbor:"4,keyasint"`
	Points    [][3]float32       `cbor:"5,keyasint"`
	Pose      [7]float64         `cbor:"6,keyasint"`
	Time      float64            `cbor:"7,keyasint"`
	Settings  map[string]any     `cbor:"8,keyasint,omitempty"`
	Extra     map[string]float64 `cbor:"9,keyasint,omitempty"`
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.KeyframeInterval <= 0 {
		opts.KeyframeInterval = 5
	}
	if opts.PointsPerKeyframe <= 0 {
		opts.PointsPerKeyframe = 24
	}
	e := &Engine{opts: opts, pose: slam.IdentityPose()}

	switch {
	case opts.State != nil:
		if err := e.load(opts.State); err != nil {
			return nil, err
		}
	case len(opts.Map) > 0:
		e.points = append([]slam.MapPoint(nil), opts.Map...)
		e.keyframes = 1
	}
	return e, nil
}

func (e *Engine) load(r io.Reader) error {
	var st state
	if err := decMode.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode engine state: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("unsupported engine state version %d", st.Version)
	}
	e.frames = st.Frames
	e.keyframes = st.Keyframes
	e.mapID = st.MapID
	e.lastTime = st.Time
	e.points = make([]slam.MapPoint, len(st.Points))
	for i, p := range st.Points {
		e.points[i] = slam.MapPoint{X: p[0], Y: p[1], Z: p[2]}
	}
	e.pose = slam.NewPose(st.Pose[0], st.Pose[1], st.Pose[2],
		quat.Number{Real: st.Pose[3], Imag: st.Pose[4], Jmag: st.Pose[5], Kmag: st.Pose[6]})
	return nil
}

// PushFrame tracks one frame.
func (e *Engine) PushFrame(ctx context.Context, f slam.Frame) (slam.TrackingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return slam.TrackingResult{}, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return slam.TrackingResult{}, err
	}
	if f.Color == nil {
		return slam.TrackingResult{}, fmt.Errorf("%w: frame %s has no colour image", slam.ErrInvalidArgument, f.ID)
	}

	e.frames++
	if e.frames <= e.opts.InitFrames {
		e.state = slam.TrackingNotInitialized
		return slam.TrackingResult{Pose: slam.IdentityPose(), State: e.state}, nil
	}

	e.lastTime = f.Timestamp
	camera := CameraPose(f.Timestamp)
	e.pose = camera.Inverse()
	e.state = slam.TrackingOK

	tracked := e.frames - e.opts.InitFrames
	if !e.opts.Localization && (tracked-1)%e.opts.KeyframeInterval == 0 {
		e.addKeyframe(camera)
	}
	return slam.TrackingResult{Pose: e.pose, State: e.state}, nil
}

// CameraPose is the camera-to-world pose the engine tracks at time t.
func CameraPose(t float64) slam.Pose {
	theta := orbitRate * t
	// Yaw about Y so the camera keeps facing along the orbit.
	half := -theta / 2
	q := quat.Number{Real: math.Cos(half), Jmag: math.Sin(half)}
	return slam.NewPose(orbitRadius*math.Cos(theta), 0, orbitRadius*math.Sin(theta), q)
}

func (e *Engine) addKeyframe(camera slam.Pose) {
	n := e.opts.PointsPerKeyframe
	phase := float64(e.keyframes) * 0.37
	for i := 0; i < n; i++ {
		a := 2*math.Pi*float64(i)/float64(n) + phase
		e.points = append(e.points, slam.MapPoint{
			X: float32(camera.X + landmarkRange*math.Cos(a)),
			Y: float32(i%3-1) * 0.5,
			Z: float32(camera.Z + landmarkRange*math.Sin(a)),
		})
	}
	e.keyframes++
}

func (e *Engine) TrackingState() slam.TrackingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) KeyframeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyframes
}

func (e *Engine) CurrentMapID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mapID
}

// AllMapPoints returns the engine's own slice. Callers must copy it before
// releasing the engine lock.
func (e *Engine) AllMapPoints() []slam.MapPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.points
}

// DumpState writes the engine state as CBOR. It fails until at least one
// frame has been tracked or a map was preloaded.
func (e *Engine) DumpState(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != slam.TrackingOK && e.keyframes == 0 {
		return slam.ErrNotInitialized
	}

	st := state{
		Version:   stateVersion,
		Frames:    e.frames,
		Keyframes: e.keyframes,
		MapID:     e.mapID,
		Points:    make([][3]float32, len(e.points)),
		Time:      e.lastTime,
		Settings:  e.opts.Settings,
	}
	for i, p := range e.points {
		st.Points[i] = [3]float32{p.X, p.Y, p.Z}
	}
	q := e.pose.Orientation
	st.Pose = [7]float64{e.pose.X, e.pose.Y, e.pose.Z, q.Real, q.Imag, q.Jmag, q.Kmag}
	if e.opts.Localization {
		st.Extra = map[string]float64{"localization": 1}
	}
	return encMode.NewEncoder(w).Encode(st)
}

// NewMap starts a fresh map, as a real engine does after losing track for
// too long. Existing points are dropped.
func (e *Engine) NewMap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mapID++
	e.keyframes = 0
	e.points = nil
}

// Shutdown stops the engine. Subsequent frames are rejected.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
