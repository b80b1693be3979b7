package trackers

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"arbundletracker/bundles"
	"arbundletracker/detector"
	"arbundletracker/utils"
)

var captureTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testFrame() Frame {
	return Frame{
		Decode: func(ctx context.Context) (image.Image, error) {
			return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
		},
		CapturedAt:  captureTime,
		CameraFrame: "camera",
	}
}

// twoBundles returns bundle 1 {1, 2, 3} and bundle 2 {11, 12}, with members 10cm apart
// along x in each master frame.
func twoBundles(t *testing.T) []*bundles.Definition {
	t.Helper()
	b1, err := bundles.NewDefinition(0, 1, []int{1, 2, 3}, 4.4, map[int]spatialmath.Pose{
		2: spatialmath.NewPoseFromPoint(r3.Vector{X: 10}),
		3: spatialmath.NewPose(r3.Vector{Y: 10}, &spatialmath.OrientationVectorDegrees{OZ: 1, Theta: 90}),
	})
	require.NoError(t, err)
	b2, err := bundles.NewDefinition(1, 11, []int{11, 12}, 4.4, map[int]spatialmath.Pose{
		12: spatialmath.NewPoseFromPoint(r3.Vector{X: 10}),
	})
	require.NoError(t, err)
	return []*bundles.Definition{b1, b2}
}

func newTracker(t *testing.T, det detector.FiducialDetector, policy VisibilityPolicy) *BundleTracker {
	t.Helper()
	tr, err := NewBundleTracker(twoBundles(t), det, Options{Visibility: policy, DetectionMarkerSize: 4.4}, logging.NewTestLogger(t))
	require.NoError(t, err)
	return tr
}

func TestNewBundleTrackerRejectsMalformedDefinitions(t *testing.T) {
	t.Parallel()
	logger := logging.NewTestLogger(t)

	bad := &bundles.Definition{
		MasterID:   9,
		MemberIDs:  []int{1, 2},
		MarkerSize: 4.4,
		Offsets:    map[int]spatialmath.Pose{1: spatialmath.NewZeroPose(), 2: spatialmath.NewZeroPose()},
	}
	_, err := NewBundleTracker([]*bundles.Definition{bad}, &detector.Scripted{}, Options{}, logger)
	assert.ErrorIs(t, err, utils.ErrConfig)

	_, err = NewBundleTracker(nil, &detector.Scripted{}, Options{}, logger)
	assert.ErrorIs(t, err, utils.ErrConfig)

	defs := twoBundles(t)
	_, err = NewBundleTracker(defs, nil, Options{}, logger)
	assert.ErrorIs(t, err, utils.ErrConfig)

	dupMaster, err := bundles.NewDefinition(2, 1, []int{1, 40}, 4.4, nil)
	require.NoError(t, err)
	_, err = NewBundleTracker(append(defs, dupMaster), &detector.Scripted{}, Options{}, logger)
	assert.ErrorIs(t, err, utils.ErrConfig)
}

func TestProcessFrameSingleMemberIdentityFusion(t *testing.T) {
	t.Parallel()

	memberPose := spatialmath.NewPose(r3.Vector{X: 3, Y: -2, Z: 75}, &spatialmath.OrientationVectorDegrees{OX: 0.2, OZ: 1, Theta: 15})
	det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 2, Pose: memberPose}}}
	tr := newTracker(t, det, VisibilityIncludeRecovered)

	visible, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, visible)

	states := tr.States()
	require.NotNil(t, states[0].FusedPose)
	expected := spatialmath.Compose(memberPose, spatialmath.PoseInverse(spatialmath.NewPoseFromPoint(r3.Vector{X: 10})))
	assert.True(t, spatialmath.PoseAlmostEqual(states[0].FusedPose, expected), "got %v want %v", states[0].FusedPose, expected)
	assert.True(t, states[0].VisibleThisFrame)
	assert.Equal(t, captureTime, states[0].LastFusedAt)

	assert.Nil(t, states[1].FusedPose)
	assert.False(t, states[1].VisibleThisFrame)
}

func TestProcessFrameMasterOnlyEqualsObservation(t *testing.T) {
	t.Parallel()

	masterPose := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 60}, &spatialmath.OrientationVectorDegrees{OY: 1, Theta: 40})
	det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 1, Pose: masterPose}}}
	tr := newTracker(t, det, VisibilityIncludeRecovered)

	_, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.NoError(t, err)
	assert.True(t, spatialmath.PoseAlmostEqual(tr.States()[0].FusedPose, masterPose))
}

func TestProcessFrameFusesConsistentMembers(t *testing.T) {
	t.Parallel()

	truth := spatialmath.NewPose(r3.Vector{X: -5, Y: 4, Z: 90}, &spatialmath.OrientationVectorDegrees{OX: 1, OZ: 1, Theta: 25})
	defs := twoBundles(t)
	var observed []detector.MarkerObservation
	for _, id := range []int{1, 2, 3} {
		p, ok := defs[0].MemberFromMaster(id, truth)
		require.True(t, ok)
		observed = append(observed, detector.MarkerObservation{ID: id, Pose: p})
	}
	det := &detector.Scripted{Detected: observed}
	tr, err := NewBundleTracker(defs, det, Options{DetectionMarkerSize: 4.4}, logging.NewTestLogger(t))
	require.NoError(t, err)

	_, err = tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.NoError(t, err)
	assert.True(t, spatialmath.PoseAlmostEqual(tr.States()[0].FusedPose, truth), "got %v want %v", tr.States()[0].FusedPose, truth)
}

func TestProcessFrameNothingDetectedKeepsStalePose(t *testing.T) {
	t.Parallel()

	masterPose := spatialmath.NewPoseFromPoint(r3.Vector{Z: 50})
	det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 1, Pose: masterPose}}}
	tr := newTracker(t, det, VisibilityIncludeRecovered)

	_, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.NoError(t, err)

	det.Detected = nil
	later := testFrame()
	later.CapturedAt = captureTime.Add(time.Second)
	visible, err := tr.ProcessFrame(context.Background(), later, detector.CameraModel{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	st := tr.States()[0]
	assert.False(t, st.VisibleThisFrame)
	assert.True(t, spatialmath.PoseAlmostEqual(st.FusedPose, masterPose), "stale pose must be retained")
	assert.Equal(t, captureTime, st.LastFusedAt)
	// No marker anywhere in frame: the recovery pass is skipped.
	assert.Equal(t, 0, det.TrackCalls)
}

func TestProcessFrameRecoveryPolicies(t *testing.T) {
	t.Parallel()

	for _, policy := range []VisibilityPolicy{VisibilityIncludeRecovered, VisibilityPrimaryOnly} {
		policy := policy
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()

			masterPose := spatialmath.NewPoseFromPoint(r3.Vector{Z: 50})
			det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 1, Pose: masterPose}}}
			tr := newTracker(t, det, policy)
			_, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
			require.NoError(t, err)

			// Bundle 1 is gone from the fresh detection but the recovery pass finds
			// member 2; bundle 2 keeps a marker in frame so recovery runs.
			movedMember := spatialmath.NewPoseFromPoint(r3.Vector{X: 12, Z: 52})
			det.Detected = []detector.MarkerObservation{{ID: 11, Pose: spatialmath.NewPoseFromPoint(r3.Vector{Z: 120})}}
			det.Recovered = map[int][]detector.MarkerObservation{1: {{ID: 2, Pose: movedMember}}}

			visible, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
			require.NoError(t, err)

			st := tr.States()[0]
			expected := spatialmath.NewPoseFromPoint(r3.Vector{X: 2, Z: 52})
			assert.True(t, spatialmath.PoseAlmostEqual(st.FusedPose, expected), "recovered pose must overwrite: got %v", st.FusedPose)

			switch policy {
			case VisibilityIncludeRecovered:
				assert.Equal(t, []int{1, 11}, visible)
				assert.True(t, st.VisibleThisFrame)
			case VisibilityPrimaryOnly:
				assert.Equal(t, []int{11}, visible)
				assert.False(t, st.VisibleThisFrame)
			}

			var tracked []int
			for _, obs := range tr.Observations() {
				if obs.Tracked {
					tracked = append(tracked, obs.ID)
				}
			}
			assert.Equal(t, []int{2}, tracked)
		})
	}
}

func TestProcessFrameRecoveryUsesBundleMarkerSize(t *testing.T) {
	t.Parallel()

	b1, err := bundles.NewDefinition(0, 1, []int{1, 2}, 8.8, nil)
	require.NoError(t, err)
	det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 1, Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Z: 40})}}}
	tr, err := NewBundleTracker([]*bundles.Definition{b1}, det, Options{DetectionMarkerSize: 4.4}, logging.NewTestLogger(t))
	require.NoError(t, err)

	_, err = tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.NoError(t, err)

	// Detected at 4.4cm, bundle markers are 8.8cm: the marker is twice as far away.
	assert.InDelta(t, 80.0, tr.States()[0].FusedPose.Point().Z, 1e-9)
	assert.InDelta(t, 2.0, tr.States()[0].FusedPose.Point().X, 1e-9)
	assert.Equal(t, []float64{8.8}, det.TrackSizes)
}

func TestProcessFrameImageConversionError(t *testing.T) {
	t.Parallel()

	det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 1, Pose: spatialmath.NewZeroPose()}}}
	tr := newTracker(t, det, VisibilityIncludeRecovered)

	frame := testFrame()
	frame.Decode = func(ctx context.Context) (image.Image, error) {
		return nil, errors.New("unsupported encoding 'yuyv'")
	}
	_, err := tr.ProcessFrame(context.Background(), frame, detector.CameraModel{})
	assert.ErrorIs(t, err, utils.ErrImageConversion)
	assert.Equal(t, 0, det.DetectCalls)
	for _, st := range tr.States() {
		assert.Nil(t, st.FusedPose)
		assert.False(t, st.VisibleThisFrame)
	}

	_, err = tr.ProcessFrame(context.Background(), Frame{}, detector.CameraModel{})
	assert.ErrorIs(t, err, utils.ErrImageConversion)
}

func TestProcessFrameDetectorErrorLeavesState(t *testing.T) {
	t.Parallel()

	masterPose := spatialmath.NewPoseFromPoint(r3.Vector{Z: 50})
	det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 1, Pose: masterPose}}}
	tr := newTracker(t, det, VisibilityIncludeRecovered)
	_, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.NoError(t, err)

	det.Err = errors.New("detector crashed")
	_, err = tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.Error(t, err)
	st := tr.States()[0]
	assert.True(t, st.VisibleThisFrame)
	assert.True(t, spatialmath.PoseAlmostEqual(st.FusedPose, masterPose))
}

func TestVisibleBundlesAlwaysHavePose(t *testing.T) {
	t.Parallel()

	det := &detector.Scripted{}
	tr := newTracker(t, det, VisibilityIncludeRecovered)
	frames := [][]detector.MarkerObservation{
		{{ID: 3, Pose: spatialmath.NewPoseFromPoint(r3.Vector{Z: 30})}},
		{},
		{{ID: 12, Pose: spatialmath.NewPoseFromPoint(r3.Vector{Z: 70})}, {ID: 99, Pose: spatialmath.NewZeroPose()}},
		{{ID: 99, Pose: spatialmath.NewZeroPose()}},
	}
	configured := map[int]bool{1: true, 11: true}
	for _, detected := range frames {
		det.Detected = detected
		visible, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
		require.NoError(t, err)
		for _, id := range visible {
			assert.True(t, configured[id], "visible id %d is not configured", id)
		}
		for _, st := range tr.States() {
			if st.VisibleThisFrame {
				assert.NotNil(t, st.FusedPose)
			}
		}
	}
}

func TestResetForgetsPoses(t *testing.T) {
	t.Parallel()

	det := &detector.Scripted{Detected: []detector.MarkerObservation{{ID: 1, Pose: spatialmath.NewZeroPose()}}}
	tr := newTracker(t, det, VisibilityIncludeRecovered)
	_, err := tr.ProcessFrame(context.Background(), testFrame(), detector.CameraModel{})
	require.NoError(t, err)

	tr.Reset()
	for _, st := range tr.States() {
		assert.Nil(t, st.FusedPose)
		assert.False(t, st.VisibleThisFrame)
	}
	assert.Empty(t, tr.Observations())
	assert.True(t, tr.IsMaster(11))
	assert.False(t, tr.IsMaster(12))
	assert.Equal(t, []int{1, 11}, tr.MasterIDs())
}

func TestParseVisibilityPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseVisibilityPolicy("")
	require.NoError(t, err)
	assert.Equal(t, VisibilityIncludeRecovered, p)

	p, err = ParseVisibilityPolicy("primary-only")
	require.NoError(t, err)
	assert.Equal(t, VisibilityPrimaryOnly, p)

	_, err = ParseVisibilityPolicy("sometimes")
	assert.Error(t, err)
}

func TestBundleFrameResultVisibility(t *testing.T) {
	t.Parallel()

	obs := []detector.MarkerObservation{{ID: 1, Pose: spatialmath.NewZeroPose()}}
	pose := spatialmath.NewZeroPose()

	failed := bundleFrameResult{primary: obs}
	assert.False(t, failed.visible(VisibilityIncludeRecovered), "members without a fused pose")

	assert.True(t, bundleFrameResult{primary: obs, pose: pose}.visible(VisibilityPrimaryOnly))

	recoveredOnly := bundleFrameResult{recovered: obs, pose: pose}
	assert.True(t, recoveredOnly.visible(VisibilityIncludeRecovered))
	assert.False(t, recoveredOnly.visible(VisibilityPrimaryOnly))

	assert.False(t, bundleFrameResult{pose: pose}.visible(VisibilityIncludeRecovered))
}
