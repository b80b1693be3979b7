package models

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.viam.com/rdk/components/camera"

	"arbundletracker/detector"
	"arbundletracker/trackers"
)

// cameraCapability captures from one Viam camera and reads calibration from another,
// usually the same one.
type cameraCapability struct {
	cam         camera.Camera
	info        camera.Camera
	name        string
	frame       string
	sourceNames []string
}

func newCameraCapability(cam, info camera.Camera, name, frame, source string) *cameraCapability {
	if info == nil {
		info = cam
	}
	c := &cameraCapability{cam: cam, info: info, name: name, frame: frame}
	if source != "" {
		c.sourceNames = []string{source}
	}
	return c
}

func (c *cameraCapability) Name() string {
	return c.name
}

func (c *cameraCapability) CameraModel(ctx context.Context) (detector.CameraModel, error) {
	model := detector.CameraModel{Frame: c.frame}
	props, err := c.info.Properties(ctx)
	if err != nil {
		return model, fmt.Errorf("failed to get camera properties: %w", err)
	}
	if props.IntrinsicParams == nil {
		return model, errors.New("camera has no intrinsic parameters")
	}
	model.Intrinsics = props.IntrinsicParams
	if props.DistortionParams != nil {
		model.Distortion = props.DistortionParams.Parameters()
	}
	return model, nil
}

// Capture fetches one image. Decoding is deferred to the tracker so conversion failures
// are reported against the frame.
func (c *cameraCapability) Capture(ctx context.Context) (trackers.Frame, error) {
	imgs, meta, err := c.cam.Images(ctx, c.sourceNames, nil)
	if err != nil {
		return trackers.Frame{}, fmt.Errorf("failed to get images from %s: %w", c.name, err)
	}
	if len(imgs) == 0 {
		return trackers.Frame{}, fmt.Errorf("no images returned from %s", c.name)
	}
	named := imgs[0]
	capturedAt := meta.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	return trackers.Frame{
		Decode: func(ctx context.Context) (image.Image, error) {
			return named.Image(ctx)
		},
		CapturedAt:  capturedAt,
		CameraFrame: c.frame,
	}, nil
}
