package trackers

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/optimize"

	"arbundletracker/bundles"
	"arbundletracker/detector"
)

// cornerResidual scores a candidate camera to master pose by how far the corners it
// predicts for every observed member lie from the observed corners.
type cornerResidual struct {
	def          *bundles.Definition
	observations []detector.MarkerObservation
	initial      spatialmath.Pose
	corners      []r3.Vector
}

func newCornerResidual(def *bundles.Definition, observations []detector.MarkerObservation, initial spatialmath.Pose) *cornerResidual {
	half := def.MarkerSize / 2
	return &cornerResidual{
		def:          def,
		observations: observations,
		initial:      initial,
		corners:      []r3.Vector{{X: -half, Y: -half}, {X: half, Y: -half}, {X: half, Y: half}, {X: -half, Y: half}},
	}
}

// candidate applies params [tx, ty, tz, rx, ry, rz] (rotation vector in radians) to the
// initial pose, in the master frame.
func (c *cornerResidual) candidate(params []float64) spatialmath.Pose {
	rot := r3.Vector{X: params[3], Y: params[4], Z: params[5]}
	var orientation spatialmath.Orientation = spatialmath.NewZeroOrientation()
	if theta := rot.Norm(); theta > 1e-12 {
		orientation = &spatialmath.R4AA{Theta: theta, RX: rot.X / theta, RY: rot.Y / theta, RZ: rot.Z / theta}
	}
	delta := spatialmath.NewPose(r3.Vector{X: params[0], Y: params[1], Z: params[2]}, orientation)
	return spatialmath.Compose(c.initial, delta)
}

// Func is the summed squared corner distance in cm².
func (c *cornerResidual) Func(params []float64) float64 {
	master := c.candidate(params)
	sum := 0.0
	for _, obs := range c.observations {
		predicted, ok := c.def.MemberFromMaster(obs.ID, master)
		if !ok {
			continue
		}
		for _, corner := range c.corners {
			p := spatialmath.Compose(predicted, spatialmath.NewPoseFromPoint(corner)).Point()
			o := spatialmath.Compose(obs.Pose, spatialmath.NewPoseFromPoint(corner)).Point()
			sum += p.Sub(o).Norm2()
		}
	}
	return sum
}

// RefineBundlePose polishes a fused pose by minimizing the corner distance between
// the bundle model and every member observation. The initial pose is returned when the
// search does not improve on it.
func RefineBundlePose(def *bundles.Definition, observations []detector.MarkerObservation, initial spatialmath.Pose) (spatialmath.Pose, error) {
	if initial == nil {
		return nil, errNoEstimates
	}
	rf := newCornerResidual(def, observations, initial)
	x0 := make([]float64, 6)
	start := rf.Func(x0)
	if start == 0 {
		return initial, nil
	}

	problem := optimize.Problem{Func: rf.Func}
	settings := &optimize.Settings{
		FuncEvaluations: 5000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-9,
			Iterations: 50,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return initial, fmt.Errorf("bundle pose refinement failed: %w", err)
	}
	if math.IsNaN(result.F) || result.F >= start {
		return initial, nil
	}
	return rf.candidate(result.X), nil
}
