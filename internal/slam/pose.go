package slam

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: rotation by Orientation (a unit quaternion)
// followed by translation by (X, Y, Z).
type Pose struct {
	X, Y, Z     float64
	Orientation quat.Number
}

// IdentityPose is the zero rotation at the origin.
func IdentityPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// NewPose builds a pose and normalises the orientation. A zero quaternion is
// treated as identity.
func NewPose(x, y, z float64, q quat.Number) Pose {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		q = quat.Number{Real: 1}
	} else {
		q = quat.Scale(1/n, q)
	}
	return Pose{X: x, Y: y, Z: z, Orientation: q}
}

// Rotate applies the pose's rotation to a vector.
func (p Pose) Rotate(x, y, z float64) (float64, float64, float64) {
	q := p.orientation()
	v := quat.Number{Imag: x, Jmag: y, Kmag: z}
	r := quat.Mul(quat.Mul(q, v), quat.Conj(q))
	return r.Imag, r.Jmag, r.Kmag
}

// Apply transforms a point by the pose.
func (p Pose) Apply(x, y, z float64) (float64, float64, float64) {
	rx, ry, rz := p.Rotate(x, y, z)
	return rx + p.X, ry + p.Y, rz + p.Z
}

// Inverse returns the transform that undoes p. The engine reports
// world-to-camera poses; the service publishes their inverse so callers see
// the sensor's position in the map frame.
func (p Pose) Inverse() Pose {
	inv := Pose{Orientation: quat.Conj(p.orientation())}
	x, y, z := inv.Rotate(-p.X, -p.Y, -p.Z)
	inv.X, inv.Y, inv.Z = x, y, z
	return inv
}

// Quaternion returns the orientation, treating the zero value as identity.
func (p Pose) Quaternion() quat.Number { return p.orientation() }

func (p Pose) orientation() quat.Number {
	if p.Orientation == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return p.Orientation
}
