package frames

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/robot/framesystem"
	"go.viam.com/rdk/spatialmath"

	"arbundletracker/utils"
)

var t0 = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

func TestBufferLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := NewBuffer(0)
	require.NoError(t, b.Set(StampedTransform{Parent: "world", Child: "camera", Stamp: t0, Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 0})}))
	require.NoError(t, b.Set(StampedTransform{Parent: "world", Child: "camera", Stamp: t0.Add(time.Second), Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 2})}))

	t.Run("exact stamp", func(t *testing.T) {
		p, err := b.Lookup(ctx, "world", "camera", t0.Add(time.Second), 10*time.Millisecond)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, p.Point().X, 1e-9)
	})

	t.Run("interpolated", func(t *testing.T) {
		p, err := b.Lookup(ctx, "world", "camera", t0.Add(250*time.Millisecond), 10*time.Millisecond)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, p.Point().X, 1e-9)
	})

	t.Run("inverse", func(t *testing.T) {
		p, err := b.Lookup(ctx, "camera", "world", t0.Add(time.Second), 10*time.Millisecond)
		require.NoError(t, err)
		assert.InDelta(t, -2.0, p.Point().X, 1e-9)
	})

	t.Run("identity", func(t *testing.T) {
		p, err := b.Lookup(ctx, "camera", "camera", t0, 0)
		require.NoError(t, err)
		assert.True(t, spatialmath.PoseAlmostEqual(spatialmath.NewZeroPose(), p))
	})

	t.Run("older than history", func(t *testing.T) {
		start := time.Now()
		_, err := b.Lookup(ctx, "world", "camera", t0.Add(-time.Second), time.Second)
		assert.ErrorIs(t, err, utils.ErrTransformUnavailable)
		assert.Less(t, time.Since(start), 500*time.Millisecond, "past data can never arrive, no wait expected")
	})

	t.Run("unknown frame times out", func(t *testing.T) {
		_, err := b.Lookup(ctx, "world", "gripper", t0, 20*time.Millisecond)
		assert.ErrorIs(t, err, utils.ErrTransformUnavailable)
	})
}

func TestBufferLookupWaitsForNewerData(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0)
	require.NoError(t, b.Set(StampedTransform{Parent: "world", Child: "camera", Stamp: t0, Pose: spatialmath.NewZeroPose()}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Set(StampedTransform{Parent: "world", Child: "camera", Stamp: t0.Add(time.Second), Pose: spatialmath.NewPoseFromPoint(r3.Vector{Z: 1})})
	}()
	p, err := b.Lookup(context.Background(), "world", "camera", t0.Add(time.Second), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Point().Z, 1e-9)
}

func TestBufferStaticAndValidation(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0)
	mount := spatialmath.NewPose(r3.Vector{Y: 0.3}, &spatialmath.OrientationVectorDegrees{OZ: 1, Theta: 90})
	require.NoError(t, b.Set(StampedTransform{Parent: "base", Child: "camera", Pose: mount}))

	p, err := b.Lookup(context.Background(), "base", "camera", time.Now(), 0)
	require.NoError(t, err)
	assert.True(t, spatialmath.PoseAlmostEqual(mount, p))

	assert.Error(t, b.Set(StampedTransform{Parent: "a", Child: "a", Pose: mount}))
	assert.Error(t, b.Set(StampedTransform{Parent: "a", Child: "b"}))
}

func TestBufferPrunesHistory(t *testing.T) {
	t.Parallel()

	b := NewBuffer(2 * time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Set(StampedTransform{Parent: "world", Child: "camera", Stamp: t0.Add(time.Duration(i) * time.Second), Pose: spatialmath.NewZeroPose()}))
	}
	_, err := b.Lookup(context.Background(), "world", "camera", t0, 0)
	assert.ErrorIs(t, err, utils.ErrTransformUnavailable)
	_, err = b.Lookup(context.Background(), "world", "camera", t0.Add(2*time.Second), 0)
	assert.NoError(t, err)
}

func TestResolverResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := NewBuffer(0)
	outputToCamera := spatialmath.NewPose(r3.Vector{X: 1}, &spatialmath.OrientationVectorDegrees{OZ: 1, Theta: 90})
	require.NoError(t, b.Set(StampedTransform{Parent: "map", Child: "camera", Stamp: t0, Pose: outputToCamera}))
	// A later sample must not be used for a frame captured at t0.
	require.NoError(t, b.Set(StampedTransform{Parent: "map", Child: "camera", Stamp: t0.Add(time.Second), Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 50})}))

	r := NewResolver(b, 0)
	assert.Equal(t, DefaultTimeout, r.Timeout)

	marker := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.5})
	out, err := r.Resolve(ctx, marker, t0, "camera", "map")
	require.NoError(t, err)
	assert.True(t, spatialmath.PoseAlmostEqual(spatialmath.Compose(outputToCamera, marker), out))
	assert.InDelta(t, 1.0, out.Point().X, 1e-9)
	assert.InDelta(t, 0.5, out.Point().Y, 1e-9)

	same, err := r.Resolve(ctx, marker, t0, "camera", "camera")
	require.NoError(t, err)
	assert.Same(t, marker, same)

	r.Timeout = 10 * time.Millisecond
	_, err = r.Resolve(ctx, marker, t0, "camera", "odom")
	assert.True(t, errors.Is(err, utils.ErrTransformUnavailable))
}

type fakeFrameSystem struct {
	framesystem.Service
	pose *referenceframe.PoseInFrame
	err  error
	dst  string
}

func (f *fakeFrameSystem) TransformPose(
	ctx context.Context,
	pose *referenceframe.PoseInFrame,
	dst string,
	additionalTransforms []*referenceframe.LinkInFrame,
) (*referenceframe.PoseInFrame, error) {
	f.dst = dst
	return f.pose, f.err
}

func TestFrameSystemFeeder(t *testing.T) {
	t.Parallel()

	fs := &fakeFrameSystem{pose: referenceframe.NewPoseInFrame("world", spatialmath.NewPoseFromPoint(r3.Vector{X: 1500, Z: 250}))}
	b := NewBuffer(0)
	feeder := NewFrameSystemFeeder(fs, b, "world", logging.NewTestLogger(t))

	require.NoError(t, feeder.Feed(context.Background(), "cam", t0))
	assert.Equal(t, "world", fs.dst)

	p, err := b.Lookup(context.Background(), "world", "cam", t0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, p.Point().X, 1e-9)
	assert.InDelta(t, 0.25, p.Point().Z, 1e-9)

	fs.err = errors.New("frame not found")
	assert.Error(t, feeder.Feed(context.Background(), "cam", t0.Add(time.Second)))
	assert.NoError(t, feeder.Feed(context.Background(), "world", t0.Add(time.Second)))
}
