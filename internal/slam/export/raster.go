package export

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam"
)

const (
	// ImageSize is the side of the square raster map in pixels.
	ImageSize = 300
	// sigmaLevel bounds the raster extent to mean ± sigmaLevel·σ per axis.
	sigmaLevel   = 7.0
	markerRadius = 5
	jpegQuality  = 90
)

var (
	pointColor  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	markerColor = color.RGBA{R: 255, A: 255}
)

// RasterOptions controls RenderJPEG.
type RasterOptions struct {
	// IncludeRobotMarker widens the extent to contain the robot and draws it.
	IncludeRobotMarker bool
}

// extent is the world rectangle mapped onto the canvas. The map is projected
// onto the X/Z plane: Y is the camera's vertical axis.
type extent struct {
	minX, maxX, minZ, maxZ float64
}

// RenderJPEG projects the snapshot onto the ground plane and encodes it as a
// JPEG. Points are white on black; the robot marker is a red disc.
func RenderJPEG(pose slam.Pose, snap *slam.MapSnapshot, opts RasterOptions) ([]byte, error) {
	img, err := Rasterize(pose, snap, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("%w: error encoding image: %v", slam.ErrUnavailable, err)
	}
	return buf.Bytes(), nil
}

// Rasterize draws the snapshot onto an ImageSize×ImageSize canvas.
func Rasterize(pose slam.Pose, snap *slam.MapSnapshot, opts RasterOptions) (*image.RGBA, error) {
	if snap.Len() == 0 {
		return nil, slam.ErrNoMapPoints
	}

	ext, err := computeExtent(pose, snap, opts.IncludeRobotMarker)
	if err != nil {
		return nil, err
	}

	width := ext.maxX - ext.minX
	height := ext.maxZ - ext.minZ
	if !finite(width) || !finite(height) {
		return nil, fmt.Errorf("%w: cannot create image from map with min X: %g, max X: %g, min Z: %g, and max Z: %g",
			slam.ErrUnavailable, ext.minX, ext.maxX, ext.minZ, ext.maxZ)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: cannot create image from map with width: %g and height: %g",
			slam.ErrUnavailable, width, height)
	}

	widthScale := (ImageSize - 2) / width
	heightScale := (ImageSize - 2) / height
	if !finite(widthScale) || !finite(heightScale) || widthScale == 0 || heightScale == 0 {
		return nil, fmt.Errorf("%w: cannot create image from map with original width: %g, original height: %g, and image size: %dx%d",
			slam.ErrUnavailable, width, height, ImageSize, ImageSize)
	}

	img := image.NewRGBA(image.Rect(0, 0, ImageSize, ImageSize))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)

	monitoring.Debugf("[Export] Adding %d points to image", len(snap.Points))
	for _, p := range snap.Points {
		row := widthScale * (float64(p.X) - ext.minX)
		col := heightScale * (float64(p.Z) - ext.minZ)
		if !finite(row) || !finite(col) {
			return nil, fmt.Errorf("%w: cannot scale point with X: %g and Z: %g", slam.ErrUnavailable, p.X, p.Z)
		}
		if !onCanvas(row, col) {
			continue
		}
		img.SetRGBA(int(col), int(row), pointColor)
	}

	if opts.IncludeRobotMarker {
		row := widthScale * (pose.X - ext.minX)
		col := heightScale * (pose.Z - ext.minZ)
		if finite(row) && finite(col) && onCanvas(row, col) {
			fillCircle(img, int(col), int(row), markerRadius, markerColor)
		} else {
			monitoring.Debugf("[Export] Cannot include robot marker at (%g, %g) on %dx%d image", col, row, ImageSize, ImageSize)
		}
	}
	return img, nil
}

func computeExtent(pose slam.Pose, snap *slam.MapSnapshot, includeRobot bool) (extent, error) {
	ext := extent{
		minX: math.Inf(1), maxX: math.Inf(-1),
		minZ: math.Inf(1), maxZ: math.Inf(-1),
	}
	xs := make([]float64, len(snap.Points))
	zs := make([]float64, len(snap.Points))
	for i, p := range snap.Points {
		xs[i], zs[i] = float64(p.X), float64(p.Z)
		ext.minX = math.Min(ext.minX, xs[i])
		ext.maxX = math.Max(ext.maxX, xs[i])
		ext.minZ = math.Min(ext.minZ, zs[i])
		ext.maxZ = math.Max(ext.maxZ, zs[i])
	}

	// Clip to mean ± kσ so a handful of outliers do not shrink the rest of
	// the map to a few pixels.
	if len(snap.Points) > 1 {
		meanX, sdX := stat.PopMeanStdDev(xs, nil)
		meanZ, sdZ := stat.PopMeanStdDev(zs, nil)
		lowX, highX := meanX-sigmaLevel*sdX, meanX+sigmaLevel*sdX
		lowZ, highZ := meanZ-sigmaLevel*sdZ, meanZ+sigmaLevel*sdZ
		for _, v := range []float64{lowX, highX, lowZ, highZ} {
			if !finite(v) {
				return extent{}, fmt.Errorf("%w: cannot calculate mean and standard deviation from image due to over/underflow",
					slam.ErrUnavailable)
			}
		}
		ext.minX = math.Max(ext.minX, lowX)
		ext.maxX = math.Min(ext.maxX, highX)
		ext.minZ = math.Max(ext.minZ, lowZ)
		ext.maxZ = math.Min(ext.maxZ, highZ)
	}

	if includeRobot {
		ext.minX = math.Min(ext.minX, pose.X)
		ext.maxX = math.Max(ext.maxX, pose.X)
		ext.minZ = math.Min(ext.minZ, pose.Z)
		ext.maxZ = math.Max(ext.maxZ, pose.Z)
	}
	return ext, nil
}

func onCanvas(row, col float64) bool {
	return row >= 0 && row < ImageSize && col >= 0 && col < ImageSize
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	b := img.Bounds()
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > r*r || !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			img.SetRGBA(x, y, c)
		}
	}
}
