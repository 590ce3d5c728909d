// Package pose derives pointing information from the robot's TCP pose.
//
// The UR controller reports TCP orientation as a rotation vector (axis-angle,
// magnitude = rotation angle in radians). The tool's forward direction is the
// TCP frame's +Z axis rotated by that vector.
package pose

import "math"

// smallAngle is the rotation magnitude below which the rotation is treated
// as identity to avoid dividing by a near-zero axis norm.
const smallAngle = 1e-8

// DirectionFromRotVec rotates the TCP +Z axis by the rotation vector
// (rx, ry, rz) using Rodrigues' formula and returns the resulting unit
// direction vector.
func DirectionFromRotVec(rx, ry, rz float64) [3]float64 {
	angle := math.Sqrt(rx*rx + ry*ry + rz*rz)
	if angle < smallAngle {
		return [3]float64{0, 0, 1}
	}

	// Unit rotation axis.
	kx := rx / angle
	ky := ry / angle
	kz := rz / angle

	// v = +Z. Rodrigues: v' = v cosθ + (k×v) sinθ + k (k·v)(1−cosθ).
	cos := math.Cos(angle)
	sin := math.Sin(angle)

	// k·v = kz and k×v = (ky, −kx, 0) for v = (0,0,1).
	kDotV := kz
	crossX := ky
	crossY := -kx

	return [3]float64{
		crossX*sin + kx*kDotV*(1-cos),
		crossY*sin + ky*kDotV*(1-cos),
		cos + kz*kDotV*(1-cos),
	}
}

// AzimuthElevation converts a direction vector to spherical angles in
// degrees: azimuth is the bearing in the XY plane from +X (90° = +Y),
// elevation is the angle above the horizontal plane (90° = straight up).
func AzimuthElevation(dir [3]float64) (azimuth, elevation float64) {
	dx, dy, dz := dir[0], dir[1], dir[2]

	azimuth = math.Atan2(dy, dx) * 180 / math.Pi

	horizontal := math.Sqrt(dx*dx + dy*dy)
	elevation = math.Atan2(dz, horizontal) * 180 / math.Pi
	return azimuth, elevation
}
