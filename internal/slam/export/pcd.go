// Package export encodes map snapshots into the wire formats served by the
// query service and splits large payloads into stream chunks.
package export

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/banshee-data/slamserver/internal/slam"
)

const pcdHeaderTemplate = "VERSION .7\n" +
	"FIELDS x y z\n" +
	"SIZE 4 4 4\n" +
	"TYPE F F F\n" +
	"COUNT 1 1 1\n" +
	"WIDTH %d\n" +
	"HEIGHT 1\n" +
	"VIEWPOINT 0 0 0 1 0 0 0\n" +
	"POINTS %d\n" +
	"DATA binary\n"

const colorPCDHeaderTemplate = "VERSION .7\n" +
	"FIELDS x y z rgb\n" +
	"SIZE 4 4 4 4\n" +
	"TYPE F F F I\n" +
	"COUNT 1 1 1 1\n" +
	"WIDTH %d\n" +
	"HEIGHT 1\n" +
	"VIEWPOINT 0 0 0 1 0 0 0\n" +
	"POINTS %d\n" +
	"DATA binary\n"

// Height colouring maps the vertical axis onto a band of hues. Values are in
// 8-bit hue units (half degrees): the map midpoint sits at hueOffset and the
// full height range spans hueSpan.
const (
	hueOffset = 90
	hueSpan   = 70
)

// PCDHeader returns the ASCII header for an n-point binary x/y/z cloud.
func PCDHeader(n int) string {
	return fmt.Sprintf(pcdHeaderTemplate, n, n)
}

// EncodePCD writes the snapshot as a binary PCD: header followed by one
// little-endian float32 x, y, z triple per point, in snapshot order.
func EncodePCD(snap *slam.MapSnapshot) ([]byte, error) {
	if snap.Len() == 0 {
		return nil, slam.ErrNoMapPoints
	}
	header := PCDHeader(len(snap.Points))
	buf := make([]byte, 0, len(header)+12*len(snap.Points))
	buf = append(buf, header...)
	for _, p := range snap.Points {
		buf = appendFloat(buf, p.X)
		buf = appendFloat(buf, p.Y)
		buf = appendFloat(buf, p.Z)
	}
	return buf, nil
}

// EncodeColorPCD writes an x/y/z/rgb binary PCD. Each point is coloured by
// its height (Y, which points along the camera's vertical axis) relative to
// the snapshot's extent.
func EncodeColorPCD(snap *slam.MapSnapshot) ([]byte, error) {
	if snap.Len() == 0 {
		return nil, slam.ErrNoMapPoints
	}

	minY, maxY := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, p := range snap.Points {
		minY = min(minY, p.Y)
		maxY = max(maxY, p.Y)
	}
	mid := (float64(maxY) + float64(minY)) / 2
	span := float64(maxY) - float64(minY)

	var buf bytes.Buffer
	buf.Grow(len(colorPCDHeaderTemplate) + 16*len(snap.Points))
	fmt.Fprintf(&buf, colorPCDHeaderTemplate, len(snap.Points), len(snap.Points))

	var scratch [16]byte
	for _, p := range snap.Points {
		rec := scratch[:0]
		rec = appendFloat(rec, p.X)
		rec = appendFloat(rec, p.Y)
		rec = appendFloat(rec, p.Z)
		rec = binary.LittleEndian.AppendUint32(rec, heightColor(float64(p.Y), mid, span))
		buf.Write(rec)
	}
	return buf.Bytes(), nil
}

// heightColor returns 0x00RRGGBB for a height value.
func heightColor(y, mid, span float64) uint32 {
	ratio := 0.0
	if span > 0 {
		ratio = (y - mid) / span
	}
	hue := int(hueOffset + ratio*hueSpan)
	r, g, b := colorful.Hsv(float64(hue)*2, 1, 1).RGB255()
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

func appendFloat(buf []byte, f float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
}
