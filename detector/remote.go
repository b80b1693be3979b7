package detector

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"sort"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"

	"arbundletracker/utils"
)

const remoteImageMimeType = "image/jpeg"

// Remote forwards detection to a Viam resource through DoCommand. The resource
// answers "detect" and "track" with {"markers": [{"id": n, "pose": {...}}]}, poses in
// centimeters.
type Remote struct {
	logger     logging.Logger
	resource   resource.Resource
	thresholds Thresholds
}

// NewRemote wraps a resource implementing the detection commands.
func NewRemote(res resource.Resource, logger logging.Logger) *Remote {
	return &Remote{resource: res, logger: logger}
}

func (r *Remote) SetThresholds(t Thresholds) {
	r.thresholds = t
}

func (r *Remote) Detect(ctx context.Context, img image.Image, cam CameraModel, markerSize float64) ([]MarkerObservation, error) {
	cmd, err := r.baseCommand(ctx, "detect", img, cam, markerSize)
	if err != nil {
		return nil, err
	}
	resp, err := r.resource.DoCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to detect markers: %w", err)
	}
	markers, err := parseMarkers(resp, false)
	if err != nil {
		return nil, err
	}
	r.logger.Debugf("Detector returned %d markers (marker size %.2fcm)", len(markers), markerSize)
	return markers, nil
}

func (r *Remote) Track(ctx context.Context, img image.Image, cam CameraModel, req TrackRequest) ([]MarkerObservation, error) {
	cmd, err := r.baseCommand(ctx, "track", img, cam, req.MarkerSize)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(req.Predicted))
	for id := range req.Predicted {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	predicted := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if _, skip := req.Exclude[id]; skip {
			continue
		}
		predicted = append(predicted, map[string]interface{}{
			"id":   id,
			"pose": utils.PoseToMap(req.Predicted[id]),
		})
	}
	if len(predicted) == 0 {
		return nil, nil
	}
	cmd["master_id"] = req.MasterID
	cmd["predicted"] = predicted

	resp, err := r.resource.DoCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to track markers: %w", err)
	}
	return parseMarkers(resp, true)
}

func (r *Remote) baseCommand(ctx context.Context, command string, img image.Image, cam CameraModel, markerSize float64) (map[string]interface{}, error) {
	encoded, err := rimage.EncodeImage(ctx, img, remoteImageMimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image for detector: %w", err)
	}
	cmd := map[string]interface{}{
		"command":              command,
		"image":                base64.StdEncoding.EncodeToString(encoded),
		"mime_type":            remoteImageMimeType,
		"marker_size":          markerSize,
		"max_new_marker_error": r.thresholds.MaxNewMarkerError,
		"max_track_error":      r.thresholds.MaxTrackError,
		"camera_frame":         cam.Frame,
	}
	if in := cam.Intrinsics; in != nil {
		cmd["intrinsics"] = map[string]interface{}{
			"width_px":  in.Width,
			"height_px": in.Height,
			"fx":        in.Fx,
			"fy":        in.Fy,
			"ppx":       in.Ppx,
			"ppy":       in.Ppy,
		}
	}
	if len(cam.Distortion) > 0 {
		distortion := make([]interface{}, len(cam.Distortion))
		for i, d := range cam.Distortion {
			distortion[i] = d
		}
		cmd["distortion"] = distortion
	}
	return cmd, nil
}

func parseMarkers(resp map[string]interface{}, tracked bool) ([]MarkerObservation, error) {
	raw, ok := resp["markers"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("detector markers must be an array")
	}
	markers := make([]MarkerObservation, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("marker %d is not a map", i)
		}
		id, err := utils.IntField(m, "id")
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		poseMap, ok := m["pose"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("marker %d pose is not a map", i)
		}
		pose, err := utils.PoseFromMap(poseMap)
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		markers = append(markers, MarkerObservation{ID: id, Pose: pose, Tracked: tracked})
	}
	return markers, nil
}
