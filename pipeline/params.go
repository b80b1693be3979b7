package pipeline

import (
	"errors"

	"arbundletracker/detector"
)

// Params are the runtime tunables. They are applied on the scheduler loop, never in
// the middle of a frame.
type Params struct {
	Enabled bool
	// MaxFrequency is the processing rate in Hz.
	MaxFrequency float64
	// MarkerSize is the detection marker edge length in centimeters.
	MarkerSize            float64
	MaxNewMarkerError     float64
	MaxTrackError         float64
	DisplayUnknownObjects bool
}

func (p Params) Validate() error {
	if _, err := intervalFor(p.MaxFrequency); err != nil {
		return err
	}
	if p.MarkerSize <= 0 {
		return errors.New("marker_size must be greater than 0")
	}
	if p.MaxNewMarkerError < 0 || p.MaxTrackError < 0 {
		return errors.New("max_new_marker_error and max_track_error must not be negative")
	}
	return nil
}

func (p Params) thresholds() detector.Thresholds {
	return detector.Thresholds{MaxNewMarkerError: p.MaxNewMarkerError, MaxTrackError: p.MaxTrackError}
}
