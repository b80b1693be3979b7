package frames

import (
	"context"
	"fmt"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/robot/framesystem"
	"go.viam.com/rdk/spatialmath"

	"arbundletracker/utils"
)

// PoseTransformer is satisfied by both framesystem.Service and robot.Robot.
type PoseTransformer interface {
	TransformPose(
		ctx context.Context,
		pose *referenceframe.PoseInFrame,
		dst string,
		additionalTransforms []*referenceframe.LinkInFrame,
	) (*referenceframe.PoseInFrame, error)
}

var _ PoseTransformer = framesystem.Service(nil)

// FrameSystemFeeder snapshots the camera pose in the output frame from the Viam frame
// system and stores it in a Buffer, stamped with the capture time.
type FrameSystemFeeder struct {
	logger      logging.Logger
	fs          PoseTransformer
	buffer      *Buffer
	outputFrame string
}

func NewFrameSystemFeeder(fs PoseTransformer, buffer *Buffer, outputFrame string, logger logging.Logger) *FrameSystemFeeder {
	return &FrameSystemFeeder{
		logger:      logger,
		fs:          fs,
		buffer:      buffer,
		outputFrame: outputFrame,
	}
}

// Feed records T_output_camera at capturedAt. Same frame names are skipped since the
// buffer answers identity lookups on its own.
func (f *FrameSystemFeeder) Feed(ctx context.Context, cameraFrame string, capturedAt time.Time) error {
	if cameraFrame == f.outputFrame {
		return nil
	}
	origin := referenceframe.NewPoseInFrame(cameraFrame, spatialmath.NewZeroPose())
	inOutput, err := f.fs.TransformPose(ctx, origin, f.outputFrame, []*referenceframe.LinkInFrame{})
	if err != nil {
		f.logger.Debugf("Failed to transform %s into %s: %v", cameraFrame, f.outputFrame, err)
		return fmt.Errorf("failed to get camera pose in %s: %w", f.outputFrame, err)
	}
	pose := inOutput.Pose()
	return f.buffer.Set(StampedTransform{
		Parent: f.outputFrame,
		Child:  cameraFrame,
		Stamp:  capturedAt,
		Pose:   spatialmath.NewPose(utils.MillimetersToMeters(pose.Point()), pose.Orientation()),
	})
}
