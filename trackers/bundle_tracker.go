// Package trackers runs the per-frame detect, fuse and recover cycle for marker
// bundles and decides which bundles are visible.
package trackers

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"arbundletracker/bundles"
	"arbundletracker/detector"
	"arbundletracker/utils"
)

// VisibilityPolicy selects which detections make a bundle visible in a frame.
type VisibilityPolicy int

const (
	// VisibilityIncludeRecovered counts markers found by either pass.
	VisibilityIncludeRecovered VisibilityPolicy = iota
	// VisibilityPrimaryOnly counts only freshly detected markers. Bundles kept alive by
	// the recovery pass still get a pose update but are not published.
	VisibilityPrimaryOnly
)

func (p VisibilityPolicy) String() string {
	switch p {
	case VisibilityPrimaryOnly:
		return "primary-only"
	default:
		return "include-recovered"
	}
}

// ParseVisibilityPolicy accepts "include-recovered", "primary-only" or "" (default).
func ParseVisibilityPolicy(s string) (VisibilityPolicy, error) {
	switch s {
	case "", "include-recovered":
		return VisibilityIncludeRecovered, nil
	case "primary-only":
		return VisibilityPrimaryOnly, nil
	default:
		return 0, fmt.Errorf("visibility_policy must be either 'include-recovered' or 'primary-only', got %q", s)
	}
}

// Frame is a captured image that has not been decoded yet.
type Frame struct {
	Decode      func(ctx context.Context) (image.Image, error)
	CapturedAt  time.Time
	CameraFrame string
}

// BundleState is the mutable per-bundle tracking state. FusedPose is nil until the
// bundle has been seen once and is kept, stale, while the bundle is out of view.
type BundleState struct {
	Definition       *bundles.Definition
	FusedPose        spatialmath.Pose
	VisibleThisFrame bool
	LastFusedAt      time.Time
}

// Options tune a BundleTracker.
type Options struct {
	Visibility VisibilityPolicy
	// DetectionMarkerSize is the edge length in centimeters handed to the primary
	// detection. Observations are rescaled to each bundle's own marker size.
	DetectionMarkerSize float64
	Thresholds          detector.Thresholds
	// Refine polishes multi-marker fusions with a corner-distance least squares search.
	Refine bool
}

// BundleTracker owns one BundleState per configured bundle. It is not safe for
// concurrent use; a single loop is expected to drive it.
type BundleTracker struct {
	logger   logging.Logger
	detector detector.FiducialDetector
	opts     Options

	states   []*BundleState
	masters  map[int]int
	detected []detector.MarkerObservation
}

// NewBundleTracker validates the definitions and allocates their state.
func NewBundleTracker(defs []*bundles.Definition, det detector.FiducialDetector, opts Options, logger logging.Logger) (*BundleTracker, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: at least one bundle is required", utils.ErrConfig)
	}
	if det == nil {
		return nil, fmt.Errorf("%w: no fiducial detector", utils.ErrConfig)
	}
	t := &BundleTracker{
		logger:   logger,
		detector: det,
		opts:     opts,
		states:   make([]*BundleState, 0, len(defs)),
		masters:  make(map[int]int, len(defs)),
	}
	for i, def := range defs {
		if def == nil {
			return nil, fmt.Errorf("%w: bundle %d is empty", utils.ErrConfig, i)
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if prev, dup := t.masters[def.MasterID]; dup {
			return nil, fmt.Errorf("%w: master id %d is used by bundles %d and %d", utils.ErrConfig, def.MasterID, prev, i)
		}
		t.masters[def.MasterID] = i
		t.states = append(t.states, &BundleState{Definition: def})
	}
	det.SetThresholds(opts.Thresholds)
	return t, nil
}

// SetDetectionMarkerSize changes the marker size used for the next primary detection.
func (t *BundleTracker) SetDetectionMarkerSize(cm float64) {
	t.opts.DetectionMarkerSize = cm
}

// SetThresholds forwards new acceptance limits to the detector.
func (t *BundleTracker) SetThresholds(th detector.Thresholds) {
	t.opts.Thresholds = th
	t.detector.SetThresholds(th)
}

func (t *BundleTracker) Visibility() VisibilityPolicy {
	return t.opts.Visibility
}

// MasterIDs returns the configured master ids in bundle order.
func (t *BundleTracker) MasterIDs() []int {
	ids := make([]int, len(t.states))
	for i, st := range t.states {
		ids[i] = st.Definition.MasterID
	}
	return ids
}

// IsMaster reports whether id is the master marker of any bundle.
func (t *BundleTracker) IsMaster(id int) bool {
	_, ok := t.masters[id]
	return ok
}

// States returns a copy of every bundle state in bundle order.
func (t *BundleTracker) States() []BundleState {
	out := make([]BundleState, len(t.states))
	for i, st := range t.states {
		out[i] = *st
	}
	return out
}

// Observations returns the markers examined in the last processed frame, fresh
// detections first, then recovered ones.
func (t *BundleTracker) Observations() []detector.MarkerObservation {
	return append([]detector.MarkerObservation(nil), t.detected...)
}

// Reset forgets every fused pose.
func (t *BundleTracker) Reset() {
	for _, st := range t.states {
		st.FusedPose = nil
		st.VisibleThisFrame = false
		st.LastFusedAt = time.Time{}
	}
	t.detected = nil
}

type bundleFrameResult struct {
	primary   []detector.MarkerObservation
	recovered []detector.MarkerObservation
	pose      spatialmath.Pose
}

// ProcessFrame runs the primary detection, per-bundle fusion, the recovery pass and the
// visibility decision for one frame, and returns the visible master ids in bundle
// order. On error no bundle state is modified.
func (t *BundleTracker) ProcessFrame(ctx context.Context, frame Frame, cam detector.CameraModel) ([]int, error) {
	if frame.Decode == nil {
		return nil, fmt.Errorf("%w: frame has no image", utils.ErrImageConversion)
	}
	img, err := frame.Decode(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrImageConversion, err)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: decoded image is empty", utils.ErrImageConversion)
	}

	detected, err := t.detector.Detect(ctx, img, cam, t.opts.DetectionMarkerSize)
	if err != nil {
		return nil, fmt.Errorf("marker detection failed: %w", err)
	}
	for i := range detected {
		detected[i].CapturedAt = frame.CapturedAt
		detected[i].Tracked = false
	}

	results := make([]bundleFrameResult, len(t.states))
	for i, st := range t.states {
		res := &results[i]
		res.primary = t.membersOf(st.Definition, detected)
		if len(res.primary) == 0 {
			continue
		}
		if res.pose, err = t.fuse(st.Definition, res.primary); err != nil {
			t.logger.Warnf("Failed to fuse bundle %d: %v", st.Definition.MasterID, err)
		}
	}

	examined := append([]detector.MarkerObservation(nil), detected...)
	if len(detected) > 0 {
		for i, st := range t.states {
			recovered := t.recover(ctx, img, cam, st, &results[i])
			for j := range recovered {
				recovered[j].CapturedAt = frame.CapturedAt
				recovered[j].Tracked = true
			}
			examined = append(examined, recovered...)
		}
	}

	visible := make([]int, 0, len(t.states))
	for i, st := range t.states {
		res := results[i]
		st.VisibleThisFrame = res.visible(t.opts.Visibility)
		if res.pose != nil {
			st.FusedPose = res.pose
			st.LastFusedAt = frame.CapturedAt
		}
		if st.VisibleThisFrame && st.FusedPose != nil {
			visible = append(visible, st.Definition.MasterID)
		} else {
			st.VisibleThisFrame = false
		}
	}
	t.detected = examined
	t.logger.Debugf("Frame at %v: %d markers detected, %d bundles visible", frame.CapturedAt, len(detected), len(visible))
	return visible, nil
}

// visible reports whether the bundle counts as seen in this frame. A bundle whose
// fusion failed is not visible, whatever was detected.
func (r bundleFrameResult) visible(policy VisibilityPolicy) bool {
	if r.pose == nil {
		return false
	}
	return len(r.primary) > 0 || (policy == VisibilityIncludeRecovered && len(r.recovered) > 0)
}

// recover asks the detector to re-locate the members of one bundle around its last
// known pose and re-fuses the bundle when anything new turns up.
func (t *BundleTracker) recover(ctx context.Context, img image.Image, cam detector.CameraModel, st *BundleState, res *bundleFrameResult) []detector.MarkerObservation {
	def := st.Definition
	last := res.pose
	if last == nil {
		last = st.FusedPose
	}
	if last == nil {
		return nil
	}

	exclude := make(map[int]struct{}, len(res.primary))
	for _, obs := range res.primary {
		exclude[obs.ID] = struct{}{}
	}
	if len(exclude) == len(def.MemberIDs) {
		return nil
	}
	predicted := make(map[int]spatialmath.Pose, len(def.MemberIDs))
	for _, id := range def.MemberIDs {
		if p, ok := def.MemberFromMaster(id, last); ok {
			predicted[id] = p
		}
	}

	tracked, err := t.detector.Track(ctx, img, cam, detector.TrackRequest{
		MarkerSize: def.MarkerSize,
		MasterID:   def.MasterID,
		Predicted:  predicted,
		Exclude:    exclude,
	})
	if err != nil {
		t.logger.Warnf("Recovery pass failed for bundle %d: %v", def.MasterID, err)
		return nil
	}

	for _, obs := range tracked {
		if _, dup := exclude[obs.ID]; dup || !def.Contains(obs.ID) {
			continue
		}
		exclude[obs.ID] = struct{}{}
		res.recovered = append(res.recovered, obs)
	}
	if len(res.recovered) == 0 {
		return nil
	}

	all := append(append([]detector.MarkerObservation(nil), res.primary...), res.recovered...)
	pose, err := t.fuse(def, all)
	if err != nil {
		t.logger.Warnf("Failed to fuse recovered bundle %d: %v", def.MasterID, err)
		return res.recovered
	}
	res.pose = pose
	return res.recovered
}

func (t *BundleTracker) fuse(def *bundles.Definition, observations []detector.MarkerObservation) (spatialmath.Pose, error) {
	pose, err := FuseBundle(def, observations)
	if err != nil || !t.opts.Refine || len(observations) < 2 {
		return pose, err
	}
	refined, err := RefineBundlePose(def, observations, pose)
	if err != nil {
		t.logger.Debugf("Keeping averaged pose of bundle %d: %v", def.MasterID, err)
		return pose, nil
	}
	return refined, nil
}

// membersOf picks the observations belonging to def and rescales them from the
// detection marker size to the bundle's marker size.
func (t *BundleTracker) membersOf(def *bundles.Definition, detected []detector.MarkerObservation) []detector.MarkerObservation {
	factor := 1.0
	if t.opts.DetectionMarkerSize > 0 && def.MarkerSize != t.opts.DetectionMarkerSize {
		factor = def.MarkerSize / t.opts.DetectionMarkerSize
	}
	var out []detector.MarkerObservation
	for _, obs := range detected {
		if !def.Contains(obs.ID) {
			continue
		}
		if factor != 1.0 {
			obs.Pose = utils.ScalePose(obs.Pose, factor)
		}
		out = append(out, obs)
	}
	return out
}
