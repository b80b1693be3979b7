// Package detector defines the fiducial detection capability used by the bundle
// tracker. Corner extraction and per-marker pose solving live behind this interface.
package detector

import (
	"context"
	"image"
	"time"

	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
)

// MarkerObservation is one detected marker. Pose is camera to marker with the
// translation in centimeters.
type MarkerObservation struct {
	ID         int
	Pose       spatialmath.Pose
	CapturedAt time.Time
	// Tracked is set when the marker came from the recovery pass instead of a fresh
	// detection.
	Tracked bool
}

// CameraModel is the calibration handed to the detector with every image.
type CameraModel struct {
	Frame      string
	Intrinsics *transform.PinholeCameraIntrinsics
	Distortion []float64
}

// Thresholds are the acceptance limits for new and tracked markers.
type Thresholds struct {
	MaxNewMarkerError float64
	MaxTrackError     float64
}

// TrackRequest asks the detector to re-locate the members of one bundle near the
// poses predicted from its last known pose.
type TrackRequest struct {
	MarkerSize float64
	MasterID   int
	Predicted  map[int]spatialmath.Pose
	// Exclude lists ids already found in the primary pass.
	Exclude map[int]struct{}
}

// FiducialDetector is the opaque detection capability.
type FiducialDetector interface {
	// SetThresholds applies the acceptance limits for subsequent calls.
	SetThresholds(t Thresholds)
	// Detect runs a fresh detection on img for markers of the given edge length.
	Detect(ctx context.Context, img image.Image, cam CameraModel, markerSize float64) ([]MarkerObservation, error)
	// Track runs model based recovery for the predicted markers of one bundle.
	Track(ctx context.Context, img image.Image, cam CameraModel, req TrackRequest) ([]MarkerObservation, error)
}
