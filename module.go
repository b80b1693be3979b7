// Package arbundletracker holds the positional startup arguments of the standalone
// bundle tracker runner.
package arbundletracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/erh/vmodutils/touch"
	"go.viam.com/rdk/robot"

	"arbundletracker/models"
)

// DefaultDetectorName is the marker detector resource the runner asks for detections.
const DefaultDetectorName = "marker-detector"

// minArgs is the number of positional arguments up to and including the first bundle file.
const minArgs = 10

// Usage describes the positional arguments.
const Usage = `Usage: bundle-tracker <marker size> <max new marker error> <max track error> <cam image> <cam info> <output frame> <max frequency> <display unknown objects> <identity service | none> <list of bundle XML files...>`

// ErrUsage is returned when too few arguments are given.
var ErrUsage = errors.New("not enough arguments")

// StartupArgs are the positional arguments of the runner.
type StartupArgs struct {
	MarkerSize            float64 // centimeters
	MaxNewMarkerError     float64
	MaxTrackError         float64
	CameraName            string
	CameraInfoName        string
	OutputFrame           string
	MaxFrequency          float64
	DisplayUnknownObjects bool
	IdentityService       string
	BundleFiles           []string
}

// ParseArgs reads args without the program name.
func ParseArgs(args []string) (StartupArgs, error) {
	if len(args) < minArgs {
		return StartupArgs{}, ErrUsage
	}

	var a StartupArgs
	numbers := []struct {
		name string
		dst  *float64
		raw  string
	}{
		{"marker size", &a.MarkerSize, args[0]},
		{"max new marker error", &a.MaxNewMarkerError, args[1]},
		{"max track error", &a.MaxTrackError, args[2]},
		{"max frequency", &a.MaxFrequency, args[6]},
	}
	for _, n := range numbers {
		v, err := strconv.ParseFloat(n.raw, 64)
		if err != nil {
			return StartupArgs{}, fmt.Errorf("%s %q is not a number", n.name, n.raw)
		}
		*n.dst = v
	}
	display, err := parseFlag(args[7])
	if err != nil {
		return StartupArgs{}, err
	}

	a.CameraName = args[3]
	a.CameraInfoName = args[4]
	a.OutputFrame = args[5]
	a.DisplayUnknownObjects = display
	a.IdentityService = args[8]
	a.BundleFiles = append([]string(nil), args[9:]...)
	return a, nil
}

// parseFlag accepts booleans and numbers, where any non-zero number is true.
func parseFlag(raw string) (bool, error) {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, fmt.Errorf("display unknown objects %q is neither a boolean nor a number", raw)
	}
	return v != 0, nil
}

// Config turns the arguments into a service config. The result still needs Validate.
func (a StartupArgs) Config(detectorName string) *models.Config {
	if detectorName == "" {
		detectorName = DefaultDetectorName
	}
	identityService := strings.TrimSpace(a.IdentityService)
	if identityService == "" {
		identityService = models.StaticIdentity
	}
	return &models.Config{
		CameraName:            a.CameraName,
		CameraInfoName:        a.CameraInfoName,
		DetectorName:          detectorName,
		OutputFrame:           a.OutputFrame,
		MarkerSize:            a.MarkerSize,
		MaxNewMarkerError:     a.MaxNewMarkerError,
		MaxTrackError:         a.MaxTrackError,
		MaxFrequency:          a.MaxFrequency,
		DisplayUnknownObjects: a.DisplayUnknownObjects,
		IdentityService:       identityService,
		BundleFiles:           a.BundleFiles,
	}
}

// CameraFrame returns the frame system name of the part called cameraName on the
// machine, or cameraName when the machine has no such part.
func CameraFrame(ctx context.Context, machine robot.Robot, cameraName string) (string, error) {
	fsc, err := machine.FrameSystemConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get frame system config: %w", err)
	}
	part := touch.FindPart(fsc, cameraName)
	if part == nil {
		return cameraName, nil
	}
	return part.FrameConfig.Name(), nil
}
