package synthetic

import "github.com/banshee-data/slamserver/internal/slam"

// Prism returns points along the twelve edges of an axis-aligned box centred
// on the origin, perEdge points per edge. Used as a fixed map fixture.
func Prism(width, height, depth float32, perEdge int) []slam.MapPoint {
	if perEdge < 2 {
		perEdge = 2
	}
	hx, hy, hz := width/2, height/2, depth/2
	corners := [8][3]float32{
		{-hx, -hy, -hz}, {hx, -hy, -hz}, {hx, hy, -hz}, {-hx, hy, -hz},
		{-hx, -hy, hz}, {hx, -hy, hz}, {hx, hy, hz}, {-hx, hy, hz},
	}
	edges := [12][2]int{
		{0, 1}, {1, 2}, {2, 3}, {3, 0},
		{4, 5}, {5, 6}, {6, 7}, {7, 4},
		{0, 4}, {1, 5}, {2, 6}, {3, 7},
	}

	pts := make([]slam.MapPoint, 0, 12*perEdge)
	for _, e := range edges {
		a, b := corners[e[0]], corners[e[1]]
		for i := 0; i < perEdge; i++ {
			t := float32(i) / float32(perEdge-1)
			pts = append(pts, slam.MapPoint{
				X: a[0] + (b[0]-a[0])*t,
				Y: a[1] + (b[1]-a[1])*t,
				Z: a[2] + (b[2]-a[2])*t,
			})
		}
	}
	return pts
}
