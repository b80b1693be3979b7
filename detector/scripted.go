package detector

import (
	"context"
	"image"
)

// Scripted replays fixed observations. It is useful for dry runs and tests where no
// real detector is available.
type Scripted struct {
	// Detected is returned by Detect.
	Detected []MarkerObservation
	// Recovered maps a master id to the observations Track returns for that bundle.
	Recovered map[int][]MarkerObservation
	// Err, when set, is returned by both calls.
	Err error

	Thresholds  Thresholds
	DetectCalls int
	TrackCalls  int
	TrackSizes  []float64
}

func (s *Scripted) SetThresholds(t Thresholds) {
	s.Thresholds = t
}

func (s *Scripted) Detect(ctx context.Context, img image.Image, cam CameraModel, markerSize float64) ([]MarkerObservation, error) {
	s.DetectCalls++
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]MarkerObservation(nil), s.Detected...), nil
}

func (s *Scripted) Track(ctx context.Context, img image.Image, cam CameraModel, req TrackRequest) ([]MarkerObservation, error) {
	s.TrackCalls++
	s.TrackSizes = append(s.TrackSizes, req.MarkerSize)
	if s.Err != nil {
		return nil, s.Err
	}
	var out []MarkerObservation
	for _, obs := range s.Recovered[req.MasterID] {
		if _, skip := req.Exclude[obs.ID]; skip {
			continue
		}
		obs.Tracked = true
		out = append(out, obs)
	}
	return out, nil
}
