package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erh/vmodutils"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/robot"
	"go.viam.com/rdk/robot/framesystem"
	genericservice "go.viam.com/rdk/services/generic"
	rdk_utils "go.viam.com/utils"

	"arbundletracker/bundles"
	"arbundletracker/detector"
	"arbundletracker/frames"
	"arbundletracker/identity"
	"arbundletracker/pipeline"
	"arbundletracker/trackers"
	"arbundletracker/utils"
)

var ModelBundleTracker = resource.NewModel("viam", "ar-bundle-tracker", "bundle-tracker")

func init() {
	resource.RegisterService(genericservice.API, ModelBundleTracker,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newBundleTracker,
		},
	)
}

// StaticIdentity selects the identity map file instead of a naming service.
const StaticIdentity = "none"

type Config struct {
	CameraName     string `json:"camera_name"`
	CameraInfoName string `json:"camera_info_name,omitempty"` // Calibration source, defaults to camera_name
	ImageSource    string `json:"image_source,omitempty"`
	CameraFrame    string `json:"camera_frame,omitempty"` // Defaults to camera_name
	DetectorName   string `json:"detector_name"`
	OutputFrame    string `json:"output_frame"`

	MarkerSize            float64 `json:"marker_size"` // cm
	MaxNewMarkerError     float64 `json:"max_new_marker_error"`
	MaxTrackError         float64 `json:"max_track_error"`
	MaxFrequency          float64 `json:"max_frequency"`
	DisplayUnknownObjects bool    `json:"display_unknown_objects"`

	IdentityService   string `json:"identity_service"` // Resource name, or "none" for identity_map_path
	IdentityMapPath   string `json:"identity_map_path,omitempty"`
	IdentityTimeoutMs int    `json:"identity_timeout_ms,omitempty"`

	BundleFiles        []string `json:"bundle_files"`
	TransformTimeoutMs int      `json:"transform_timeout_ms,omitempty"`
	VisibilityPolicy   string   `json:"visibility_policy,omitempty"` // "include-recovered" or "primary-only"
	EnableOnStart      *bool    `json:"enable_on_start,omitempty"`
	RefineFusion       bool     `json:"refine_fusion,omitempty"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.DetectorName == "" {
		return nil, nil, errors.New("detector_name is required")
	}
	if len(cfg.BundleFiles) == 0 {
		return nil, nil, errors.New("bundle_files must list at least one bundle file")
	}
	if cfg.MarkerSize <= 0 {
		return nil, nil, errors.New("marker_size must be greater than 0")
	}
	if cfg.MaxFrequency <= 0 {
		return nil, nil, errors.New("max_frequency must be greater than 0")
	}
	if cfg.MaxNewMarkerError < 0 || cfg.MaxTrackError < 0 {
		return nil, nil, errors.New("max_new_marker_error and max_track_error must not be negative")
	}
	if _, err := trackers.ParseVisibilityPolicy(cfg.VisibilityPolicy); err != nil {
		return nil, nil, err
	}
	if cfg.TransformTimeoutMs < 0 || cfg.IdentityTimeoutMs < 0 {
		return nil, nil, errors.New("timeouts must not be negative")
	}

	// Set defaults
	if cfg.CameraInfoName == "" {
		cfg.CameraInfoName = cfg.CameraName
	}
	if cfg.CameraFrame == "" {
		cfg.CameraFrame = cfg.CameraName
	}
	if cfg.OutputFrame == "" {
		cfg.OutputFrame = cfg.CameraFrame
	}
	if cfg.IdentityService == "" {
		cfg.IdentityService = StaticIdentity
	}
	if cfg.IdentityService == StaticIdentity && cfg.IdentityMapPath == "" {
		cfg.IdentityMapPath = "Map_ID_Name.txt"
	}

	deps := []string{cfg.CameraName, cfg.DetectorName}
	if cfg.CameraInfoName != cfg.CameraName {
		deps = append(deps, cfg.CameraInfoName)
	}
	if cfg.IdentityService != StaticIdentity {
		deps = append(deps, cfg.IdentityService)
	}
	return deps, nil, nil
}

func (cfg *Config) enabledOnStart() bool {
	return cfg.EnableOnStart == nil || *cfg.EnableOnStart
}

func (cfg *Config) params() pipeline.Params {
	return pipeline.Params{
		Enabled:               cfg.enabledOnStart(),
		MaxFrequency:          cfg.MaxFrequency,
		MarkerSize:            cfg.MarkerSize,
		MaxNewMarkerError:     cfg.MaxNewMarkerError,
		MaxTrackError:         cfg.MaxTrackError,
		DisplayUnknownObjects: cfg.DisplayUnknownObjects,
	}
}

type bundleTracker struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *Config
	deps   resource.Dependencies

	scheduler *pipeline.Scheduler
	store     *pipeline.RecordStore

	// Robot connection, only opened to reach cameras outside the dependencies.
	robotMu     sync.Mutex
	robotClient robot.Robot

	worker *rdk_utils.StoppableWorkers
}

// Close implements resource.Resource.
func (s *bundleTracker) Close(ctx context.Context) error {
	s.worker.Stop()
	s.scheduler.Close()

	s.robotMu.Lock()
	defer s.robotMu.Unlock()
	if s.robotClient != nil {
		return s.robotClient.Close(ctx)
	}
	return nil
}

func newBundleTracker(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewBundleTracker(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewBundleTracker reads the camera pose from the frame system service in deps. Without
// one, only output_frame == camera_frame resolves.
func NewBundleTracker(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	var transformer frames.PoseTransformer
	if fs, err := framesystem.FromDependencies(deps); err == nil {
		transformer = fs
	} else {
		logger.Warnf("No frame system service available, poses can only be published in %s: %v", conf.CameraFrame, err)
	}
	return NewBundleTrackerWithTransformer(ctx, deps, name, conf, transformer, logger)
}

// NewBundleTrackerWithTransformer builds the service with an explicit source for the
// camera pose, such as a robot client.
func NewBundleTrackerWithTransformer(
	ctx context.Context,
	deps resource.Dependencies,
	name resource.Name,
	conf *Config,
	transformer frames.PoseTransformer,
	logger logging.Logger,
) (resource.Resource, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating bundle tracker with the following config:\n%s", configJSON)

	defs, err := bundles.LoadFiles(conf.BundleFiles)
	if err != nil {
		return nil, err
	}

	detectorRes, err := lookupResource(deps, conf.DetectorName)
	if err != nil {
		return nil, fmt.Errorf("failed to get detector resource: %w", err)
	}
	policy, err := trackers.ParseVisibilityPolicy(conf.VisibilityPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrConfig, err)
	}
	tracker, err := trackers.NewBundleTracker(defs, detector.NewRemote(detectorRes, logger), trackers.Options{
		Visibility:          policy,
		DetectionMarkerSize: conf.MarkerSize,
		Thresholds:          detector.Thresholds{MaxNewMarkerError: conf.MaxNewMarkerError, MaxTrackError: conf.MaxTrackError},
		Refine:              conf.RefineFusion,
	}, logger)
	if err != nil {
		return nil, err
	}

	names, err := newIdentityResolver(deps, conf, tracker.MasterIDs(), logger)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	info, err := camera.FromDependencies(deps, conf.CameraInfoName)
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration camera: %w", err)
	}

	buffer := frames.NewBuffer(0)
	var onCapture func(ctx context.Context, frame trackers.Frame)
	if transformer != nil {
		feeder := frames.NewFrameSystemFeeder(transformer, buffer, conf.OutputFrame, logger)
		onCapture = func(ctx context.Context, frame trackers.Frame) {
			if err := feeder.Feed(ctx, frame.CameraFrame, frame.CapturedAt); err != nil {
				logger.Debugf("No camera transform for frame at %v: %v", frame.CapturedAt, err)
			}
		}
	}

	store := pipeline.NewRecordStore()
	scheduler, err := pipeline.NewScheduler(pipeline.Config{
		Tracker:     tracker,
		Resolver:    frames.NewResolver(buffer, time.Duration(conf.TransformTimeoutMs)*time.Millisecond),
		Identity:    names,
		Publisher:   store,
		Capability:  newCameraCapability(cam, info, conf.CameraName, conf.CameraFrame, conf.ImageSource),
		OutputFrame: conf.OutputFrame,
		Params:      conf.params(),
		OnCapture:   onCapture,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &bundleTracker{
		name:      name,
		logger:    logger,
		cfg:       conf,
		deps:      deps,
		scheduler: scheduler,
		store:     store,
		worker:    rdk_utils.NewBackgroundStoppableWorkers(scheduler.Run),
	}
	s.logger.Infof("Tracking %d bundles from %s into %s", len(defs), conf.CameraName, conf.OutputFrame)
	return s, nil
}

func newIdentityResolver(deps resource.Dependencies, conf *Config, masterIDs []int, logger logging.Logger) (identity.Resolver, error) {
	if conf.IdentityService == "" || conf.IdentityService == StaticIdentity {
		return identity.LoadStatic(conf.IdentityMapPath, masterIDs)
	}
	res, err := lookupResource(deps, conf.IdentityService)
	if err != nil {
		return nil, fmt.Errorf("failed to get identity service: %w", err)
	}
	logger.Infof("Dynamic mapping on %s", conf.IdentityService)
	return identity.NewDynamic(res, time.Duration(conf.IdentityTimeoutMs)*time.Millisecond, logger), nil
}

// lookupResource finds a generic component or generic service by short name.
func lookupResource(deps resource.Dependencies, name string) (resource.Resource, error) {
	var errs []error
	for _, rn := range []resource.Name{generic.Named(name), genericservice.Named(name)} {
		res, err := deps.GetResource(rn)
		if err == nil {
			return res, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (s *bundleTracker) Name() resource.Name {
	return s.name
}

func (s *bundleTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "set-params":
		params, err := s.scheduler.Params(ctx)
		if err != nil {
			return nil, err
		}
		if err := applyParams(&params, cmd); err != nil {
			return nil, err
		}
		if err := s.scheduler.SetParams(ctx, params); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status":                  "success",
			"enabled":                 params.Enabled,
			"max_frequency":           params.MaxFrequency,
			"marker_size":             params.MarkerSize,
			"max_new_marker_error":    params.MaxNewMarkerError,
			"max_track_error":         params.MaxTrackError,
			"display_unknown_objects": params.DisplayUnknownObjects,
		}, nil

	case "enable":
		enabled, ok := cmd["enabled"].(bool)
		if !ok {
			return nil, errors.New("enabled must be a boolean")
		}
		if err := s.scheduler.SetEnabled(ctx, enabled); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "success", "enabled": enabled}, nil

	case "get-position-and-orientation":
		result, err := s.scheduler.Query(ctx)
		if err != nil {
			return nil, err
		}
		markers := make([]interface{}, 0, len(result))
		for _, r := range result {
			markers = append(markers, map[string]interface{}{
				"id":    r.MasterID,
				"name":  r.DisplayName,
				"frame": s.cfg.OutputFrame,
				"pose":  utils.PoseToMap(r.Pose),
			})
		}
		return map[string]interface{}{"markers": markers}, nil

	case "set-cam-topic":
		camName, ok := cmd["camera_name"].(string)
		if !ok || camName == "" {
			return nil, errors.New("camera_name must be a non-empty string")
		}
		infoName, _ := cmd["camera_info_name"].(string)
		if infoName == "" {
			infoName = camName
		}
		frameName, _ := cmd["camera_frame"].(string)
		if frameName == "" {
			frameName = camName
		}
		if err := s.swapCamera(ctx, camName, infoName, frameName); err != nil {
			s.logger.Errorf("Failed to change camera: %v", err)
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true}, nil

	case "get-latest-records":
		out := s.store.Latest()
		kept := out.Records
		if fresh, _ := cmd["fresh"].(bool); fresh {
			kept = s.store.Fresh(time.Now())
		}
		records := make([]interface{}, 0, len(kept))
		for _, r := range kept {
			records = append(records, r.ToMap())
		}
		transforms := make([]interface{}, 0, len(out.Transforms))
		for _, tf := range out.Transforms {
			transforms = append(transforms, map[string]interface{}{
				"parent": tf.Parent,
				"child":  tf.Child,
				"stamp":  tf.Stamp.Format(time.RFC3339Nano),
				"pose":   utils.PoseToMap(tf.Pose),
			})
		}
		return map[string]interface{}{
			"stamp":      out.Stamp.Format(time.RFC3339Nano),
			"records":    records,
			"transforms": transforms,
		}, nil

	case "reset":
		if err := s.scheduler.Reset(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "reset"}, nil

	case "status":
		return s.scheduler.Status(ctx)

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

// applyParams overlays the parameters present in cmd onto p.
func applyParams(p *pipeline.Params, cmd map[string]interface{}) error {
	floats := map[string]*float64{
		"max_frequency":        &p.MaxFrequency,
		"marker_size":          &p.MarkerSize,
		"max_new_marker_error": &p.MaxNewMarkerError,
		"max_track_error":      &p.MaxTrackError,
	}
	for key, dst := range floats {
		raw, ok := cmd[key]
		if !ok {
			continue
		}
		v, ok := utils.Float(raw)
		if !ok {
			return fmt.Errorf("%s must be a number", key)
		}
		*dst = v
	}
	bools := map[string]*bool{
		"enabled":                 &p.Enabled,
		"display_unknown_objects": &p.DisplayUnknownObjects,
	}
	for key, dst := range bools {
		raw, ok := cmd[key]
		if !ok {
			continue
		}
		v, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("%s must be a boolean", key)
		}
		*dst = v
	}
	return nil
}

func (s *bundleTracker) swapCamera(ctx context.Context, camName, infoName, frameName string) error {
	cam, err := s.findCamera(ctx, camName)
	if err != nil {
		return err
	}
	info, err := s.findCamera(ctx, infoName)
	if err != nil {
		return err
	}
	s.logger.Infof("Changing camera to %s (calibration from %s)", camName, infoName)
	return s.scheduler.SwapCapability(ctx, newCameraCapability(cam, info, camName, frameName, s.cfg.ImageSource))
}

// findCamera prefers the configured dependencies and falls back to the machine the
// module runs on.
func (s *bundleTracker) findCamera(ctx context.Context, name string) (camera.Camera, error) {
	if cam, err := camera.FromDependencies(s.deps, name); err == nil {
		return cam, nil
	}

	s.robotMu.Lock()
	defer s.robotMu.Unlock()
	if s.robotClient == nil {
		robotClient, err := vmodutils.ConnectToMachineFromEnv(ctx, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to robot: %w", err)
		}
		s.robotClient = robotClient
	}
	res, err := s.robotClient.ResourceByName(camera.Named(name))
	if err != nil {
		return nil, fmt.Errorf("camera %s not found: %w", name, err)
	}
	cam, ok := res.(camera.Camera)
	if !ok {
		return nil, fmt.Errorf("%s is not a camera", name)
	}
	return cam, nil
}
