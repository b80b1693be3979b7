package models

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"

	"arbundletracker/utils"
)

var ModelMarkerOverlay = resource.NewModel("viam", "ar-bundle-tracker", "marker-overlay")

const overlayMimeType = "image/jpeg"

func init() {
	resource.RegisterComponent(camera.API, ModelMarkerOverlay,
		resource.Registration[camera.Camera, *MarkerOverlayConfig]{
			Constructor: newMarkerOverlay,
		},
	)
}

type MarkerOverlayConfig struct {
	CameraName    string `json:"camera_name"`
	TrackerName   string `json:"tracker_name"`
	LineThickness int    `json:"line_thickness"` // Outline thickness in pixels
	CrosshairSize int    `json:"crosshair_size"` // Length of the center mark from the marker center
	ShowStale     bool   `json:"show_stale"`     // Keep drawing records past their lifetime
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit dependencies based on the config.
func (cfg *MarkerOverlayConfig) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.TrackerName == "" {
		return nil, nil, errors.New("tracker_name is required")
	}
	if cfg.LineThickness < 0 || cfg.CrosshairSize < 0 {
		return nil, nil, errors.New("line_thickness and crosshair_size must not be negative")
	}
	// Set defaults
	if cfg.LineThickness == 0 {
		cfg.LineThickness = 2
	}
	if cfg.CrosshairSize == 0 {
		cfg.CrosshairSize = 8
	}
	return []string{cfg.CameraName, cfg.TrackerName}, nil, nil
}

// overlayRecord is the part of a visualization record the overlay draws.
type overlayRecord struct {
	id         int
	cameraPose spatialmath.Pose
	edge       float64 // meters
	color      color.NRGBA
}

type markerOverlay struct {
	name          resource.Name
	logger        logging.Logger
	cfg           *MarkerOverlayConfig
	underlyingCam camera.Camera
	tracker       resource.Resource
}

func newMarkerOverlay(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	conf, err := resource.NativeConfig[*MarkerOverlayConfig](rawConf)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, err
	}
	tracker, err := deps.GetResource(genericservice.Named(conf.TrackerName))
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle tracker: %w", err)
	}

	return &markerOverlay{
		name:          rawConf.ResourceName(),
		logger:        logger,
		cfg:           conf,
		underlyingCam: cam,
		tracker:       tracker,
	}, nil
}

func (s *markerOverlay) Reconfigure(ctx context.Context, deps resource.Dependencies, rawConf resource.Config) error {
	conf, err := resource.NativeConfig[*MarkerOverlayConfig](rawConf)
	if err != nil {
		return err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return err
	}
	tracker, err := deps.GetResource(genericservice.Named(conf.TrackerName))
	if err != nil {
		return fmt.Errorf("failed to get bundle tracker: %w", err)
	}

	s.cfg = conf
	s.underlyingCam = cam
	s.tracker = tracker
	return nil
}

func (s *markerOverlay) Name() resource.Name {
	return s.name
}

func (s *markerOverlay) Close(context.Context) error {
	return nil
}

func (s *markerOverlay) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return s.tracker.DoCommand(ctx, cmd)
}

// records fetches the tracker's last published records. Expired ones are left out by
// the tracker unless show_stale is set.
func (s *markerOverlay) records(ctx context.Context) ([]overlayRecord, error) {
	resp, err := s.tracker.DoCommand(ctx, map[string]interface{}{
		"command": "get-latest-records",
		"fresh":   !s.cfg.ShowStale,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get records from tracker: %w", err)
	}
	return parseOverlayRecords(resp)
}

func parseOverlayRecords(resp map[string]interface{}) ([]overlayRecord, error) {
	raw, ok := resp["records"].([]interface{})
	if !ok {
		return nil, nil
	}
	records := make([]overlayRecord, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("record %d is not a map", i)
		}
		id, err := utils.IntField(m, "id")
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		poseMap, ok := m["camera_pose"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("record %d has no camera_pose", i)
		}
		pose, err := utils.PoseFromMap(poseMap)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		scale, ok := m["scale"].([]interface{})
		if !ok || len(scale) == 0 {
			return nil, fmt.Errorf("record %d has no scale", i)
		}
		edge, ok := utils.Float(scale[0])
		if !ok {
			return nil, fmt.Errorf("record %d scale is not a number", i)
		}
		rec := overlayRecord{id: id, cameraPose: pose, edge: edge, color: color.NRGBA{R: 255, A: 255}}
		if c, ok := m["color"].(map[string]interface{}); ok {
			rec.color = parseRecordColor(c)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecordColor(c map[string]interface{}) color.NRGBA {
	channel := func(key string) uint8 {
		v, err := utils.FloatField(c, key)
		if err != nil {
			return 0
		}
		return uint8(utils.Clamp(v, 0, 1) * 255)
	}
	return color.NRGBA{R: channel("r"), G: channel("g"), B: channel("b"), A: channel("a")}
}

func (s *markerOverlay) intrinsics(ctx context.Context) (*transform.PinholeCameraIntrinsics, error) {
	props, err := s.underlyingCam.Properties(ctx)
	if err != nil {
		return nil, err
	}
	if props.IntrinsicParams == nil {
		return nil, errors.New("underlying camera has no intrinsic parameters")
	}
	return props.IntrinsicParams, nil
}

// overlay returns img with every record drawn on it. Without intrinsics or records the
// image is passed through.
func (s *markerOverlay) overlay(ctx context.Context, img image.Image) image.Image {
	records, err := s.records(ctx)
	if err != nil {
		s.logger.Debugf("Not drawing markers: %v", err)
		return img
	}
	if len(records) == 0 {
		return img
	}
	intrinsics, err := s.intrinsics(ctx)
	if err != nil {
		s.logger.Debugf("Not drawing markers: %v", err)
		return img
	}
	return drawRecords(img, records, intrinsics, s.cfg.LineThickness, s.cfg.CrosshairSize)
}

// drawRecords outlines each marker square and marks its center.
func drawRecords(img image.Image, records []overlayRecord, intrinsics *transform.PinholeCameraIntrinsics, thick, crosshair int) image.Image {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, r := range records {
		half := r.edge / 2
		corners := []r3.Vector{{X: -half, Y: -half}, {X: half, Y: -half}, {X: half, Y: half}, {X: -half, Y: half}}
		pixels := make([]image.Point, 0, len(corners))
		for _, c := range corners {
			pt := spatialmath.Compose(r.cameraPose, spatialmath.NewPoseFromPoint(c)).Point()
			if pt.Z <= 0 {
				break
			}
			x, y := intrinsics.PointToPixel(pt.X, pt.Y, pt.Z)
			pixels = append(pixels, image.Point{X: int(math.Round(x)), Y: int(math.Round(y))})
		}
		if len(pixels) != len(corners) {
			continue
		}
		for i := range pixels {
			drawLine(rgba, pixels[i], pixels[(i+1)%len(pixels)], thick, r.color)
		}

		center := r.cameraPose.Point()
		cx, cy := intrinsics.PointToPixel(center.X, center.Y, center.Z)
		c := image.Point{X: int(math.Round(cx)), Y: int(math.Round(cy))}
		drawLine(rgba, c.Add(image.Point{X: -crosshair}), c.Add(image.Point{X: crosshair}), thick, r.color)
		drawLine(rgba, c.Add(image.Point{Y: -crosshair}), c.Add(image.Point{Y: crosshair}), thick, r.color)
	}
	return rgba
}

// drawLine blends a thick segment from a to b onto dst.
func drawLine(dst *image.RGBA, a, b image.Point, thick int, c color.NRGBA) {
	src := image.NewUniform(c)
	steps := int(math.Max(math.Abs(float64(b.X-a.X)), math.Abs(float64(b.Y-a.Y))))
	if steps == 0 {
		steps = 1
	}
	lo, hi := -thick/2, thick-thick/2
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := a.X + int(math.Round(t*float64(b.X-a.X)))
		y := a.Y + int(math.Round(t*float64(b.Y-a.Y)))
		rect := image.Rect(x+lo, y+lo, x+hi, y+hi).Intersect(dst.Bounds())
		if rect.Empty() {
			continue
		}
		draw.Draw(dst, rect, src, image.Point{}, draw.Over)
	}
}

func (s *markerOverlay) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (s *markerOverlay) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	imgs, _, err := s.underlyingCam.Images(ctx, nil, extra)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	if len(imgs) == 0 {
		return nil, camera.ImageMetadata{}, errors.New("no images returned from underlying camera")
	}
	img, err := imgs[0].Image(ctx)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	if mimeType == "" {
		mimeType = overlayMimeType
	}
	encoded, err := rimage.EncodeImage(ctx, s.overlay(ctx, img), mimeType)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	return encoded, camera.ImageMetadata{MimeType: mimeType}, nil
}

func (s *markerOverlay) Images(ctx context.Context, filterSourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	imgs, meta, err := s.underlyingCam.Images(ctx, filterSourceNames, extra)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}

	resultImgs := make([]camera.NamedImage, len(imgs))
	for i, namedImg := range imgs {
		img, err := namedImg.Image(ctx)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		resultImg, err := camera.NamedImageFromImage(s.overlay(ctx, img), namedImg.SourceName, namedImg.MimeType())
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		resultImgs[i] = resultImg
	}
	return resultImgs, meta, nil
}

func (s *markerOverlay) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	return nil, errors.New("next point cloud not implemented")
}

func (s *markerOverlay) Properties(ctx context.Context) (camera.Properties, error) {
	return s.underlyingCam.Properties(ctx)
}
