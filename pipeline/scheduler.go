// Package pipeline drives the tracker from a single loop: it takes the latest captured
// frame on every tick, publishes visible bundles and serves runtime requests.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	rdk_utils "go.viam.com/utils"

	"arbundletracker/detector"
	"arbundletracker/frames"
	"arbundletracker/identity"
	"arbundletracker/trackers"
	"arbundletracker/utils"
)

var errSchedulerStopped = errors.New("scheduler is not running")

// Capability is a swappable camera source.
type Capability interface {
	Name() string
	CameraModel(ctx context.Context) (detector.CameraModel, error)
	Capture(ctx context.Context) (trackers.Frame, error)
}

// PoseResolver looks up the camera pose in the output frame, in meters, at a capture time.
type PoseResolver interface {
	OutputFromCamera(ctx context.Context, capturedAt time.Time, cameraFrame, outputFrame string) (spatialmath.Pose, error)
}

// Config wires a Scheduler.
type Config struct {
	Tracker     *trackers.BundleTracker
	Resolver    PoseResolver
	Identity    identity.Resolver
	Publisher   Publisher
	Capability  Capability
	OutputFrame string
	Params      Params
	// OnCapture runs on the capture worker for every frame before it becomes visible to
	// the loop. It is used to record the camera transform at capture time.
	OnCapture func(ctx context.Context, frame trackers.Frame)
}

// Scheduler owns the tracker and the active capability. All tracker access happens on
// the goroutine running Run; other callers submit closures to it.
type Scheduler struct {
	logger    logging.Logger
	metrics   *metrics
	tracker   *trackers.BundleTracker
	resolver  PoseResolver
	identity  identity.Resolver
	publisher Publisher
	onCapture func(ctx context.Context, frame trackers.Frame)

	outputFrame string
	params      Params
	rate        *Rate
	slot        FrameSlot
	lastSeq     uint64

	capability    Capability
	cameraModel   detector.CameraModel
	captureWorker *rdk_utils.StoppableWorkers
	// captureNanos is the capture worker pacing, shared with the loop.
	captureNanos atomic.Int64

	requests chan func()
	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(cfg Config, logger logging.Logger) (*Scheduler, error) {
	if cfg.Tracker == nil || cfg.Resolver == nil || cfg.Identity == nil || cfg.Publisher == nil {
		return nil, fmt.Errorf("%w: scheduler needs a tracker, resolver, identity resolver and publisher", utils.ErrConfig)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrConfig, err)
	}
	rate, err := NewRate(cfg.Params.MaxFrequency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrConfig, err)
	}
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		logger:      logger,
		metrics:     m,
		tracker:     cfg.Tracker,
		resolver:    cfg.Resolver,
		identity:    cfg.Identity,
		publisher:   cfg.Publisher,
		onCapture:   cfg.OnCapture,
		outputFrame: cfg.OutputFrame,
		params:      cfg.Params,
		rate:        rate,
		requests:    make(chan func()),
		done:        make(chan struct{}),
	}
	s.captureNanos.Store(int64(rate.Interval()))
	s.tracker.SetDetectionMarkerSize(cfg.Params.MarkerSize)
	s.tracker.SetThresholds(cfg.Params.thresholds())
	if cfg.Capability != nil {
		s.install(context.Background(), cfg.Capability)
	}
	return s, nil
}

// Run is the scheduler loop. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Scheduler loop is already running")
		return
	}
	defer s.stopOnce.Do(func() { close(s.done) })

	s.logger.Infof("Starting scheduler loop at %v per frame", s.rate.Interval())
	ticker := time.NewTicker(s.rate.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			req()
		case <-ticker.C:
			s.tick(ctx)
		}
		if s.rate.Retune(s.params.MaxFrequency) {
			s.logger.Infof("Changing frequency from %v per frame to %v per frame", time.Duration(s.captureNanos.Load()), s.rate.Interval())
			ticker.Reset(s.rate.Interval())
			s.captureNanos.Store(int64(s.rate.Interval()))
		}
	}
}

// Close stops the capture worker.
func (s *Scheduler) Close() {
	if s.captureWorker != nil {
		s.captureWorker.Stop()
	}
}

// do runs fn on the loop and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.requests <- func() { result <- fn() }:
	case <-s.done:
		return errSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	frame, seq, ok := s.slot.Latest()
	if !ok || seq == s.lastSeq {
		return
	}
	s.lastSeq = seq
	if !s.params.Enabled {
		s.metrics.frame(ctx, "disabled")
		return
	}

	out, err := s.processFrame(ctx, frame, true)
	if err != nil {
		s.metrics.frame(ctx, "error")
		if errors.Is(err, utils.ErrImageConversion) {
			s.logger.Errorf("Dropping frame: %v", err)
		} else {
			s.logger.Warnf("Failed to process frame: %v", err)
		}
		return
	}
	s.metrics.frame(ctx, "processed")
	if len(out.Poses) == 0 && len(out.Records) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, out); err != nil {
		s.logger.Errorf("Failed to publish frame: %v", err)
		return
	}
	for _, p := range out.Poses {
		s.metrics.publish(ctx, p.MasterID)
	}
}

// processFrame runs the tracker on frame and resolves every visible bundle. Unknown
// object records are only built when withRecords is set.
func (s *Scheduler) processFrame(ctx context.Context, frame trackers.Frame, withRecords bool) (Output, error) {
	out := Output{Stamp: frame.CapturedAt}
	cam := s.cameraModel
	if frame.CameraFrame != "" {
		cam.Frame = frame.CameraFrame
	}
	visible, err := s.tracker.ProcessFrame(ctx, frame, cam)
	if err != nil {
		return out, err
	}

	wantRecords := false
	if withRecords && s.params.DisplayUnknownObjects {
		for _, obs := range s.tracker.Observations() {
			if !s.tracker.IsMaster(obs.ID) {
				wantRecords = true
				break
			}
		}
	}
	if len(visible) == 0 && !wantRecords {
		return out, nil
	}

	// One lookup per frame; every pose of the frame shares it.
	outputToCamera, err := s.resolver.OutputFromCamera(ctx, frame.CapturedAt, cam.Frame, s.outputFrame)
	if err != nil {
		for range visible {
			s.metrics.skip(ctx, "transform")
		}
		s.logger.Warnf("Skipping %d visible bundles: %v", len(visible), err)
		return out, nil
	}

	isVisible := make(map[int]bool, len(visible))
	for _, id := range visible {
		isVisible[id] = true
	}
	for _, st := range s.tracker.States() {
		id := st.Definition.MasterID
		if !isVisible[id] {
			continue
		}
		cameraPose := utils.PoseCentimetersToMeters(st.FusedPose)
		outputPose := spatialmath.Compose(outputToCamera, cameraPose)
		name := s.identity.Resolve(ctx, id)
		out.Poses = append(out.Poses, ResolvedPoseRecord{MasterID: id, DisplayName: name, Pose: outputPose, Role: RoleMain})
		if !withRecords {
			continue
		}
		out.Transforms = append(out.Transforms, frames.StampedTransform{
			Parent: cam.Frame,
			Child:  MarkerFrameName(id),
			Stamp:  frame.CapturedAt,
			Pose:   cameraPose,
		})
		out.Records = append(out.Records, newRecord(id, name, s.outputFrame, frame.CapturedAt, outputPose, cameraPose, st.Definition.MarkerSize, RoleMain))
	}

	if wantRecords {
		out.Records = append(out.Records, s.unknownObjectRecords(frame, outputToCamera)...)
	}
	return out, nil
}

func (s *Scheduler) unknownObjectRecords(frame trackers.Frame, outputToCamera spatialmath.Pose) []VisualizationRecord {
	sizes := map[int]float64{}
	for _, st := range s.tracker.States() {
		for _, id := range st.Definition.MemberIDs {
			sizes[id] = st.Definition.MarkerSize
		}
	}
	var records []VisualizationRecord
	for _, obs := range s.tracker.Observations() {
		if s.tracker.IsMaster(obs.ID) {
			continue
		}
		size, ok := sizes[obs.ID]
		if !ok {
			size = s.params.MarkerSize
		}
		cameraPose := utils.PoseCentimetersToMeters(obs.Pose)
		outputPose := spatialmath.Compose(outputToCamera, cameraPose)
		role := RoleVisible
		if obs.Tracked {
			role = RoleGhost
		}
		records = append(records, newRecord(obs.ID, UnknownObjectNamespace, s.outputFrame, frame.CapturedAt, outputPose, cameraPose, size, role))
	}
	return records
}

// Query runs one pipeline pass on the latest captured frame and returns the visible
// bundles without publishing them. It is empty while disabled or before any capture.
func (s *Scheduler) Query(ctx context.Context) ([]ResolvedPoseRecord, error) {
	var result []ResolvedPoseRecord
	err := s.do(ctx, func() error {
		if !s.params.Enabled {
			return nil
		}
		frame, _, ok := s.slot.Latest()
		if !ok {
			return nil
		}
		out, err := s.processFrame(ctx, frame, false)
		if err != nil {
			return err
		}
		result = out.Poses
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []ResolvedPoseRecord{}
	}
	return result, nil
}

// SetParams validates p and applies it on the loop. The rate follows on the same
// iteration.
func (s *Scheduler) SetParams(ctx context.Context, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.do(ctx, func() error {
		s.params = p
		s.tracker.SetDetectionMarkerSize(p.MarkerSize)
		s.tracker.SetThresholds(p.thresholds())
		s.logger.Infof("Updated parameters: %+v", p)
		return nil
	})
}

// Params returns the parameters in effect.
func (s *Scheduler) Params(ctx context.Context) (Params, error) {
	var p Params
	err := s.do(ctx, func() error {
		p = s.params
		return nil
	})
	return p, err
}

func (s *Scheduler) SetEnabled(ctx context.Context, enabled bool) error {
	return s.do(ctx, func() error {
		if s.params.Enabled != enabled {
			s.logger.Infof("Detection enabled: %v", enabled)
		}
		s.params.Enabled = enabled
		return nil
	})
}

// Reset forgets every bundle pose.
func (s *Scheduler) Reset(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.tracker.Reset()
		return nil
	})
}

// SwapCapability replaces the camera source between ticks. The old capture worker is
// stopped before the new one starts, and the held frame is discarded.
func (s *Scheduler) SwapCapability(ctx context.Context, c Capability) error {
	if c == nil {
		return errors.New("no camera capability given")
	}
	return s.do(ctx, func() error {
		s.install(ctx, c)
		return nil
	})
}

func (s *Scheduler) install(ctx context.Context, c Capability) {
	if s.captureWorker != nil {
		s.captureWorker.Stop()
	}
	s.slot.Clear()

	cam, err := c.CameraModel(ctx)
	if err != nil {
		s.logger.Warnf("No calibration for camera %s, detection may be inaccurate: %v", c.Name(), err)
	}
	s.cameraModel = cam
	s.capability = c
	s.captureWorker = rdk_utils.NewBackgroundStoppableWorkers(s.captureLoop(c))
	s.logger.Infof("Subscribed to camera %s", c.Name())
}

func (s *Scheduler) captureLoop(c Capability) func(ctx context.Context) {
	return func(ctx context.Context) {
		for {
			frame, err := c.Capture(ctx)
			switch {
			case err == nil:
				if s.onCapture != nil {
					s.onCapture(ctx, frame)
				}
				s.slot.Put(frame)
			case ctx.Err() == nil:
				s.logger.Debugf("Failed to capture from %s: %v", c.Name(), err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(s.captureNanos.Load())):
			}
		}
	}
}

// Status reports the scheduler state.
func (s *Scheduler) Status(ctx context.Context) (map[string]interface{}, error) {
	var status map[string]interface{}
	err := s.do(ctx, func() error {
		bundles := make([]interface{}, 0)
		for _, st := range s.tracker.States() {
			entry := map[string]interface{}{
				"master_id": st.Definition.MasterID,
				"visible":   st.VisibleThisFrame,
				"source":    st.Definition.Source,
			}
			if st.FusedPose != nil {
				entry["camera_pose"] = utils.PoseToMap(utils.PoseCentimetersToMeters(st.FusedPose))
				entry["last_fused_at"] = st.LastFusedAt.Format(time.RFC3339Nano)
			}
			bundles = append(bundles, entry)
		}
		camera := ""
		if s.capability != nil {
			camera = s.capability.Name()
		}
		status = map[string]interface{}{
			"enabled":                 s.params.Enabled,
			"max_frequency":           s.params.MaxFrequency,
			"tick_interval_ms":        float64(s.rate.Interval()) / float64(time.Millisecond),
			"marker_size":             s.params.MarkerSize,
			"max_new_marker_error":    s.params.MaxNewMarkerError,
			"max_track_error":         s.params.MaxTrackError,
			"display_unknown_objects": s.params.DisplayUnknownObjects,
			"visibility_policy":       s.tracker.Visibility().String(),
			"camera":                  camera,
			"output_frame":            s.outputFrame,
			"bundles":                 bundles,
		}
		return nil
	})
	return status, err
}
