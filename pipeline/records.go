package pipeline

import (
	"fmt"
	"image/color"
	"time"

	"go.viam.com/rdk/spatialmath"

	"arbundletracker/frames"
	"arbundletracker/utils"
)

// Role says why a visualization record was emitted.
type Role int

const (
	// RoleMain is the fused pose of a visible bundle.
	RoleMain Role = iota
	// RoleVisible is a freshly detected non-master marker.
	RoleVisible
	// RoleGhost is a non-master marker only found by the recovery pass.
	RoleGhost
)

func (r Role) String() string {
	switch r {
	case RoleVisible:
		return "visible"
	case RoleGhost:
		return "ghost"
	default:
		return "main"
	}
}

// RecordLifetime is how long a consumer should keep showing a record.
const RecordLifetime = time.Second

// UnknownObjectNamespace labels records of markers that are not a bundle master.
const UnknownObjectNamespace = "unknown object"

// RGBA components are in [0, 1].
type RGBA struct {
	R, G, B, A float64
}

// NRGBA converts to the image/color form used by the overlay camera.
func (c RGBA) NRGBA() color.NRGBA {
	return color.NRGBA{
		R: uint8(utils.Clamp(c.R, 0, 1) * 255),
		G: uint8(utils.Clamp(c.G, 0, 1) * 255),
		B: uint8(utils.Clamp(c.B, 0, 1) * 255),
		A: uint8(utils.Clamp(c.A, 0, 1) * 255),
	}
}

// ColorFor returns the record color of a role.
func ColorFor(r Role) RGBA {
	switch r {
	case RoleVisible:
		return RGBA{G: 1, A: 0.7}
	case RoleGhost:
		return RGBA{B: 1, A: 0.5}
	default:
		return RGBA{R: 1, A: 1}
	}
}

// ResolvedPoseRecord is a bundle pose ready to publish: output frame, meters.
type ResolvedPoseRecord struct {
	MasterID    int
	DisplayName string
	Pose        spatialmath.Pose
	Role        Role
}

// VisualizationRecord is a marker box for display consumers.
type VisualizationRecord struct {
	ID        int
	Namespace string
	Frame     string
	Stamp     time.Time
	// Pose is in Frame, meters.
	Pose spatialmath.Pose
	// CameraPose is the same marker in the camera frame, meters, for image overlays.
	CameraPose spatialmath.Pose
	Scale      [3]float64
	Color      RGBA
	Lifetime   time.Duration
	Role       Role
}

// MarkerScale returns the box extents in meters for a marker edge length in centimeters.
func MarkerScale(sizeCm float64) [3]float64 {
	edge := sizeCm / utils.CentimetersPerMeter
	return [3]float64{edge, edge, 0.2 * edge}
}

// MarkerFrameName is the child frame a bundle transform is published under.
func MarkerFrameName(id int) string {
	return fmt.Sprintf("ar_marker_%d", id)
}

func newRecord(id int, namespace, frame string, stamp time.Time, pose, cameraPose spatialmath.Pose, sizeCm float64, role Role) VisualizationRecord {
	return VisualizationRecord{
		ID:         id,
		Namespace:  namespace,
		Frame:      frame,
		Stamp:      stamp,
		Pose:       pose,
		CameraPose: cameraPose,
		Scale:      MarkerScale(sizeCm),
		Color:      ColorFor(role),
		Lifetime:   RecordLifetime,
		Role:       role,
	}
}

// ToMap renders a record for DoCommand replies.
func (r VisualizationRecord) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":          r.ID,
		"namespace":   r.Namespace,
		"frame":       r.Frame,
		"stamp":       r.Stamp.Format(time.RFC3339Nano),
		"pose":        utils.PoseToMap(r.Pose),
		"camera_pose": utils.PoseToMap(r.CameraPose),
		"scale":       []interface{}{r.Scale[0], r.Scale[1], r.Scale[2]},
		"color":       map[string]interface{}{"r": r.Color.R, "g": r.Color.G, "b": r.Color.B, "a": r.Color.A},
		"lifetime_ms": r.Lifetime.Milliseconds(),
		"role":        r.Role.String(),
	}
}

// Output is everything one processed frame publishes.
type Output struct {
	Stamp      time.Time
	Transforms []frames.StampedTransform
	Records    []VisualizationRecord
	Poses      []ResolvedPoseRecord
}
