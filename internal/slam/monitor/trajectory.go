// Package monitor records debug diagnostics of a SLAM session.
package monitor

import (
	"fmt"
	"image/color"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/slamserver/internal/fsutil"
	"github.com/banshee-data/slamserver/internal/security"
	"github.com/banshee-data/slamserver/internal/slam"
)

// TrajectorySample is one published pose.
type TrajectorySample struct {
	Time    float64 // seconds since the session's first frame
	X, Y, Z float64
}

// TrajectoryRecorder accumulates published poses so the path can be plotted
// at the end of a session.
type TrajectoryRecorder struct {
	fs      fsutil.FileSystem
	mu      sync.Mutex
	sensor  string
	samples []TrajectorySample
}

// NewTrajectoryRecorder creates an empty recorder for sensor whose plots are
// written through fs. A nil fs uses the OS filesystem.
func NewTrajectoryRecorder(fs fsutil.FileSystem, sensor string) *TrajectoryRecorder {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &TrajectoryRecorder{fs: fs, sensor: sensor}
}

// Record appends a pose. p is expected in the map frame.
func (r *TrajectoryRecorder) Record(t float64, p slam.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, TrajectorySample{Time: t, X: p.X, Y: p.Y, Z: p.Z})
}

// Len returns the number of recorded poses.
func (r *TrajectoryRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Samples returns a copy of the recorded poses.
func (r *TrajectoryRecorder) Samples() []TrajectorySample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TrajectorySample(nil), r.samples...)
}

// Save writes a top-down X/Z path plot and a position-over-time plot into
// dir. It returns the files written; nothing is written when no pose was
// recorded.
func (r *TrajectoryRecorder) Save(dir string, at time.Time) ([]string, error) {
	samples := r.Samples()
	if len(samples) == 0 {
		return nil, nil
	}
	if err := r.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	ts := FormatTimestamp(at)
	name := security.SanitizeFilename(r.sensor)
	pathFile := filepath.Join(dir, fmt.Sprintf("trajectory_%s_%s.png", name, ts))
	pp, err := pathPlot(samples, r.sensor)
	if err == nil {
		err = r.writePlot(pathFile, 8*vg.Inch, 8*vg.Inch, pp)
	}
	if err != nil {
		return nil, fmt.Errorf("save trajectory plot: %w", err)
	}

	posFile := filepath.Join(dir, fmt.Sprintf("position_%s_%s.png", name, ts))
	pp, err = positionPlot(samples, r.sensor)
	if err == nil {
		err = r.writePlot(posFile, 14*vg.Inch, 6*vg.Inch, pp)
	}
	if err != nil {
		return []string{pathFile}, fmt.Errorf("save position plot: %w", err)
	}
	return []string{pathFile, posFile}, nil
}

// writePlot renders p as a PNG into file.
func (r *TrajectoryRecorder) writePlot(file string, w, h vg.Length, p *plot.Plot) error {
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return err
	}
	f, err := r.fs.Create(file)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func pathPlot(samples []TrajectorySample, sensor string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Trajectory (top down)", sensor)
	p.X.Label.Text = "Z (m)"
	p.Y.Label.Text = "X (m)"

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: s.Z, Y: s.X}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)

	start, err := plotter.NewScatter(pts[:1])
	if err != nil {
		return nil, err
	}
	start.Color = color.RGBA{G: 160, A: 255}
	start.Radius = vg.Points(3)
	p.Add(start)
	p.Legend.Add("start", start)

	end, err := plotter.NewScatter(pts[len(pts)-1:])
	if err != nil {
		return nil, err
	}
	end.Color = color.RGBA{R: 220, A: 255}
	end.Radius = vg.Points(3)
	p.Add(end)
	p.Legend.Add("latest", end)

	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	return p, nil
}

func positionPlot(samples []TrajectorySample, sensor string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Position", sensor)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Position (m)"

	axes := []struct {
		name  string
		value func(TrajectorySample) float64
		color color.Color
	}{
		{"x", func(s TrajectorySample) float64 { return s.X }, color.RGBA{R: 200, A: 255}},
		{"y", func(s TrajectorySample) float64 { return s.Y }, color.RGBA{G: 150, A: 255}},
		{"z", func(s TrajectorySample) float64 { return s.Z }, color.RGBA{B: 200, A: 255}},
	}
	for _, axis := range axes {
		pts := make(plotter.XYs, len(samples))
		for i, s := range samples {
			pts[i] = plotter.XY{X: s.Time, Y: axis.value(s)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = axis.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(axis.name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// FormatTimestamp generates a timestamp string for file naming.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("20060102_150405")
}
