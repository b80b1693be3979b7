package utils

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Marker geometry is measured in centimeters internally, published poses are in meters
// and the Viam frame system works in millimeters.
const (
	CentimetersPerMeter = 100.0
	MillimetersPerMeter = 1000.0
)

// ExternalQuaternion is the published quaternion layout, ordered {x, y, z, w}.
type ExternalQuaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// ExternalPose is a pose as seen by consumers: meters and an {x, y, z, w} quaternion.
type ExternalPose struct {
	Position    r3.Vector          `json:"position"`
	Orientation ExternalQuaternion `json:"orientation"`
}

// CentimetersToMeters scales a position reported by the detector to the published unit.
func CentimetersToMeters(v r3.Vector) r3.Vector {
	return v.Mul(1.0 / CentimetersPerMeter)
}

func MillimetersToMeters(v r3.Vector) r3.Vector {
	return v.Mul(1.0 / MillimetersPerMeter)
}

// ScalePose returns a copy of pose with its translation multiplied by factor.
// Orientation is untouched.
func ScalePose(pose spatialmath.Pose, factor float64) spatialmath.Pose {
	return spatialmath.NewPose(pose.Point().Mul(factor), pose.Orientation())
}

// PoseCentimetersToMeters converts an internal marker pose to the published unit.
func PoseCentimetersToMeters(pose spatialmath.Pose) spatialmath.Pose {
	return ScalePose(pose, 1.0/CentimetersPerMeter)
}

// ToExternalPose maps the internal {w, x, y, z} quaternion order to {x, y, z, w}.
func ToExternalPose(pose spatialmath.Pose) ExternalPose {
	q := pose.Orientation().Quaternion()
	return ExternalPose{
		Position: pose.Point(),
		Orientation: ExternalQuaternion{
			X: q.Imag,
			Y: q.Jmag,
			Z: q.Kmag,
			W: q.Real,
		},
	}
}

// FromExternalPose is the inverse of ToExternalPose.
func FromExternalPose(p ExternalPose) spatialmath.Pose {
	return spatialmath.NewPose(p.Position, &spatialmath.Quaternion{
		Real: p.Orientation.W,
		Imag: p.Orientation.X,
		Jmag: p.Orientation.Y,
		Kmag: p.Orientation.Z,
	})
}

// PoseToMap converts a pose to a DoCommand friendly map using the external layout.
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	if pose == nil {
		return nil
	}
	ext := ToExternalPose(pose)
	return map[string]interface{}{
		"position": map[string]interface{}{
			"x": ext.Position.X,
			"y": ext.Position.Y,
			"z": ext.Position.Z,
		},
		"orientation": map[string]interface{}{
			"x": ext.Orientation.X,
			"y": ext.Orientation.Y,
			"z": ext.Orientation.Z,
			"w": ext.Orientation.W,
		},
	}
}

// PoseFromMap parses the layout written by PoseToMap. Quaternions are renormalized;
// a missing orientation means identity.
func PoseFromMap(m map[string]interface{}) (spatialmath.Pose, error) {
	position, ok := m["position"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("pose position is not a map")
	}
	var pt r3.Vector
	var err error
	if pt.X, err = FloatField(position, "x"); err != nil {
		return nil, err
	}
	if pt.Y, err = FloatField(position, "y"); err != nil {
		return nil, err
	}
	if pt.Z, err = FloatField(position, "z"); err != nil {
		return nil, err
	}

	orientation, ok := m["orientation"].(map[string]interface{})
	if !ok {
		return spatialmath.NewPoseFromPoint(pt), nil
	}
	var q ExternalQuaternion
	if q.X, err = FloatField(orientation, "x"); err != nil {
		return nil, err
	}
	if q.Y, err = FloatField(orientation, "y"); err != nil {
		return nil, err
	}
	if q.Z, err = FloatField(orientation, "z"); err != nil {
		return nil, err
	}
	if q.W, err = FloatField(orientation, "w"); err != nil {
		return nil, err
	}
	norm := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if norm == 0 {
		return nil, fmt.Errorf("pose orientation has zero norm")
	}
	q.X, q.Y, q.Z, q.W = q.X/norm, q.Y/norm, q.Z/norm, q.W/norm
	return FromExternalPose(ExternalPose{Position: pt, Orientation: q}), nil
}

// FloatField reads a numeric DoCommand field, which may arrive as any Go number type.
func FloatField(m map[string]interface{}, key string) (float64, error) {
	v, ok := Float(m[key])
	if !ok {
		return 0, fmt.Errorf("field %q is not a number", key)
	}
	return v, nil
}

// IntField reads a whole number from a DoCommand map. Fractional values are rejected.
func IntField(m map[string]interface{}, key string) (int, error) {
	v, err := FloatField(m, key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("field %q is not a whole number: %v", key, v)
	}
	return int(v), nil
}

// Float converts a decoded DoCommand value to float64.
func Float(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// QuaternionFromAxes builds the orientation whose rotation matrix has the given
// orthonormal axes as columns.
func QuaternionFromAxes(x, y, z r3.Vector) *spatialmath.Quaternion {
	m00, m01, m02 := x.X, y.X, z.X
	m10, m11, m12 := x.Y, y.Y, z.Y
	m20, m21, m22 := x.Z, y.Z, z.Z

	var w, qx, qy, qz float64
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1.0)
		w = 0.25 / s
		qx = (m21 - m12) * s
		qy = (m02 - m20) * s
		qz = (m10 - m01) * s
	case m00 > m11 && m00 > m22:
		s := 2.0 * math.Sqrt(1.0+m00-m11-m22)
		w = (m21 - m12) / s
		qx = 0.25 * s
		qy = (m01 + m10) / s
		qz = (m02 + m20) / s
	case m11 > m22:
		s := 2.0 * math.Sqrt(1.0+m11-m00-m22)
		w = (m02 - m20) / s
		qx = (m01 + m10) / s
		qy = 0.25 * s
		qz = (m12 + m21) / s
	default:
		s := 2.0 * math.Sqrt(1.0+m22-m00-m11)
		w = (m10 - m01) / s
		qx = (m02 + m20) / s
		qy = (m12 + m21) / s
		qz = 0.25 * s
	}
	if w < 0 {
		w, qx, qy, qz = -w, -qx, -qy, -qz
	}
	return &spatialmath.Quaternion{Real: w, Imag: qx, Jmag: qy, Kmag: qz}
}

// Clamp clamps a value between min and max
func Clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}
