// Package bundles describes rigid groups of fiducial markers and loads them from
// bundle files.
package bundles

import (
	"fmt"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"arbundletracker/utils"
)

// Definition is an immutable bundle description. Offsets hold the pose of every member
// marker expressed in the master marker frame, translations in centimeters.
type Definition struct {
	Index      int
	MasterID   int
	MemberIDs  []int
	MarkerSize float64
	Offsets    map[int]spatialmath.Pose
	Source     string
}

// NewDefinition builds and validates a definition. Members without an offset are
// assumed to coincide with the master frame.
func NewDefinition(index, masterID int, memberIDs []int, markerSize float64, offsets map[int]spatialmath.Pose) (*Definition, error) {
	def := &Definition{
		Index:      index,
		MasterID:   masterID,
		MemberIDs:  append([]int(nil), memberIDs...),
		MarkerSize: markerSize,
		Offsets:    make(map[int]spatialmath.Pose, len(memberIDs)),
	}
	for _, id := range memberIDs {
		if off, ok := offsets[id]; ok && off != nil {
			def.Offsets[id] = off
		} else {
			def.Offsets[id] = spatialmath.NewZeroPose()
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the bundle invariants: a positive marker size, distinct member ids,
// the master among the members and an offset for every member.
func (d *Definition) Validate() error {
	if d.MarkerSize <= 0 {
		return fmt.Errorf("%w: bundle %d (%s): marker size must be positive, got %v", utils.ErrConfig, d.Index, d.Source, d.MarkerSize)
	}
	if len(d.MemberIDs) == 0 {
		return fmt.Errorf("%w: bundle %d (%s): no member markers", utils.ErrConfig, d.Index, d.Source)
	}
	seen := make(map[int]struct{}, len(d.MemberIDs))
	for _, id := range d.MemberIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: bundle %d (%s): duplicate member id %d", utils.ErrConfig, d.Index, d.Source, id)
		}
		seen[id] = struct{}{}
		if _, ok := d.Offsets[id]; !ok {
			return fmt.Errorf("%w: bundle %d (%s): missing geometry for member %d", utils.ErrConfig, d.Index, d.Source, id)
		}
	}
	if _, ok := seen[d.MasterID]; !ok {
		return fmt.Errorf("%w: bundle %d (%s): master id %d is not a member", utils.ErrConfig, d.Index, d.Source, d.MasterID)
	}
	return nil
}

// Contains reports whether id is a member of the bundle.
func (d *Definition) Contains(id int) bool {
	_, ok := d.Offsets[id]
	return ok
}

// MasterFromMember converts an observed camera to member pose into the camera to
// master pose implied by the bundle geometry.
func (d *Definition) MasterFromMember(id int, cameraToMember spatialmath.Pose) (spatialmath.Pose, bool) {
	off, ok := d.Offsets[id]
	if !ok {
		return nil, false
	}
	return spatialmath.Compose(cameraToMember, spatialmath.PoseInverse(off)), true
}

// MemberFromMaster predicts where a member should be given a camera to master pose.
func (d *Definition) MemberFromMaster(id int, cameraToMaster spatialmath.Pose) (spatialmath.Pose, bool) {
	off, ok := d.Offsets[id]
	if !ok {
		return nil, false
	}
	return spatialmath.Compose(cameraToMaster, off), true
}

// markerGeometry is one marker read from a bundle file, in bundle coordinates.
type markerGeometry struct {
	id   int
	pose spatialmath.Pose
	size float64
}

// poseFromCorners derives a marker pose from its four corners, ordered
// bottom-left, bottom-right, top-right, top-left.
func poseFromCorners(corners [4]r3.Vector) (spatialmath.Pose, float64, error) {
	center := corners[0].Add(corners[1]).Add(corners[2]).Add(corners[3]).Mul(0.25)
	xAxis := corners[1].Sub(corners[0])
	yAxis := corners[3].Sub(corners[0])
	size := xAxis.Norm()
	if size == 0 || yAxis.Norm() == 0 {
		return nil, 0, fmt.Errorf("degenerate marker corners")
	}
	xAxis = xAxis.Normalize()
	yAxis = yAxis.Sub(xAxis.Mul(yAxis.Dot(xAxis)))
	if yAxis.Norm() == 0 {
		return nil, 0, fmt.Errorf("collinear marker corners")
	}
	yAxis = yAxis.Normalize()
	zAxis := xAxis.Cross(yAxis)
	return spatialmath.NewPose(center, utils.QuaternionFromAxes(xAxis, yAxis, zAxis)), size, nil
}

// fromGeometry turns markers in bundle coordinates into a definition anchored on the
// master marker. A non positive size falls back to the master's edge length.
func fromGeometry(index int, source string, masterID int, markers []markerGeometry, size float64) (*Definition, error) {
	if len(markers) == 0 {
		return nil, fmt.Errorf("%w: bundle file %s declares no markers", utils.ErrConfig, source)
	}
	var master *markerGeometry
	for i := range markers {
		if markers[i].id == masterID {
			master = &markers[i]
			break
		}
	}
	if master == nil {
		return nil, fmt.Errorf("%w: bundle file %s: master id %d is not a member", utils.ErrConfig, source, masterID)
	}
	if size <= 0 {
		size = master.size
	}

	masterInverse := spatialmath.PoseInverse(master.pose)
	def := &Definition{
		Index:      index,
		MasterID:   masterID,
		MarkerSize: size,
		Offsets:    make(map[int]spatialmath.Pose, len(markers)),
		Source:     source,
	}
	for _, m := range markers {
		def.MemberIDs = append(def.MemberIDs, m.id)
		if _, dup := def.Offsets[m.id]; !dup {
			def.Offsets[m.id] = spatialmath.Compose(masterInverse, m.pose)
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
