package trackers

import (
	"errors"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"arbundletracker/bundles"
	"arbundletracker/detector"
)

var errNoEstimates = errors.New("no pose estimates to fuse")

// FuseBundle combines every member observation of a bundle into one camera to master
// pose. Observations of markers outside the bundle are ignored.
func FuseBundle(def *bundles.Definition, observations []detector.MarkerObservation) (spatialmath.Pose, error) {
	estimates := make([]spatialmath.Pose, 0, len(observations))
	for _, obs := range observations {
		if est, ok := def.MasterFromMember(obs.ID, obs.Pose); ok {
			estimates = append(estimates, est)
		}
	}
	return FusePoses(estimates)
}

// FusePoses returns the rigid pose closest to all estimates: the mean translation and
// the quaternion maximizing the summed squared dot product with every estimate.
// A single estimate is returned unchanged.
func FusePoses(estimates []spatialmath.Pose) (spatialmath.Pose, error) {
	switch len(estimates) {
	case 0:
		return nil, errNoEstimates
	case 1:
		return estimates[0], nil
	}

	var translation r3.Vector
	accum := mat.NewSymDense(4, nil)
	first := estimates[0].Orientation().Quaternion()
	for _, est := range estimates {
		translation = translation.Add(est.Point())

		q := est.Orientation().Quaternion()
		v := [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag}
		for i := 0; i < 4; i++ {
			for j := i; j < 4; j++ {
				accum.SetSym(i, j, accum.At(i, j)+v[i]*v[j])
			}
		}
	}
	translation = translation.Mul(1.0 / float64(len(estimates)))

	var eig mat.EigenSym
	if ok := eig.Factorize(accum, true); !ok {
		return nil, errors.New("failed to average bundle orientations")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	w, x, y, z := vectors.At(0, best), vectors.At(1, best), vectors.At(2, best), vectors.At(3, best)
	// q and -q are the same rotation; keep the sign of the first estimate.
	if w*first.Real+x*first.Imag+y*first.Jmag+z*first.Kmag < 0 {
		w, x, y, z = -w, -x, -y, -z
	}
	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	orientation := &spatialmath.Quaternion{Real: w / norm, Imag: x / norm, Jmag: y / norm, Kmag: z / norm}
	return spatialmath.NewPose(translation, orientation), nil
}
