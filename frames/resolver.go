package frames

import (
	"context"
	"fmt"
	"time"

	"go.viam.com/rdk/spatialmath"
)

// DefaultTimeout bounds how long Resolve waits for a transform.
const DefaultTimeout = time.Second

// TransformSource returns the pose of source in target at a given time.
type TransformSource interface {
	Lookup(ctx context.Context, target, source string, at time.Time, timeout time.Duration) (spatialmath.Pose, error)
}

// Resolver moves camera frame poses into the output frame.
type Resolver struct {
	source  TransformSource
	Timeout time.Duration
}

func NewResolver(source TransformSource, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{source: source, Timeout: timeout}
}

// OutputFromCamera returns T_output_camera at capturedAt, in meters, waiting at most
// Timeout for it. Errors wrap utils.ErrTransformUnavailable.
func (r *Resolver) OutputFromCamera(ctx context.Context, capturedAt time.Time, cameraFrame, outputFrame string) (spatialmath.Pose, error) {
	if cameraFrame == outputFrame {
		return spatialmath.NewZeroPose(), nil
	}
	outputToCamera, err := r.source.Lookup(ctx, outputFrame, cameraFrame, capturedAt, r.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q in %q: %w", cameraFrame, outputFrame, err)
	}
	return outputToCamera, nil
}

// Resolve returns T_output_camera(capturedAt) composed with cameraPose. Both poses are
// in meters.
func (r *Resolver) Resolve(ctx context.Context, cameraPose spatialmath.Pose, capturedAt time.Time, cameraFrame, outputFrame string) (spatialmath.Pose, error) {
	if cameraFrame == outputFrame {
		return cameraPose, nil
	}
	outputToCamera, err := r.OutputFromCamera(ctx, capturedAt, cameraFrame, outputFrame)
	if err != nil {
		return nil, err
	}
	return spatialmath.Compose(outputToCamera, cameraPose), nil
}
