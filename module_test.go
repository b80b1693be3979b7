package arbundletracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbundletracker/models"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()

	args := []string{"4.4", "0.08", "0.2", "cam", "cam-info", "world", "10", "1", "none", "truck.xml", "box.yaml"}
	a, err := ParseArgs(args)
	require.NoError(t, err)
	want := StartupArgs{
		MarkerSize:            4.4,
		MaxNewMarkerError:     0.08,
		MaxTrackError:         0.2,
		CameraName:            "cam",
		CameraInfoName:        "cam-info",
		OutputFrame:           "world",
		MaxFrequency:          10,
		DisplayUnknownObjects: true,
		IdentityService:       "none",
		BundleFiles:           []string{"truck.xml", "box.yaml"},
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("ParseArgs mismatch (-want +got):\n%s", diff)
	}

	args[7] = "false"
	a, err = ParseArgs(args)
	require.NoError(t, err)
	assert.False(t, a.DisplayUnknownObjects)

	args[7] = "0.0"
	a, err = ParseArgs(args)
	require.NoError(t, err)
	assert.False(t, a.DisplayUnknownObjects)
}

func TestParseArgsErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseArgs([]string{"4.4", "0.08", "0.2", "cam", "cam-info", "world", "10", "1", "none"})
	assert.ErrorIs(t, err, ErrUsage)

	_, err = ParseArgs([]string{"big", "0.08", "0.2", "cam", "cam-info", "world", "10", "1", "none", "a.xml"})
	assert.ErrorContains(t, err, "marker size")

	_, err = ParseArgs([]string{"4.4", "0.08", "0.2", "cam", "cam-info", "world", "10", "maybe", "none", "a.xml"})
	assert.ErrorContains(t, err, "display unknown objects")
}

func TestStartupArgsConfig(t *testing.T) {
	t.Parallel()

	a, err := ParseArgs([]string{"4.4", "0.08", "0.2", "cam", "cam-info", "world", "10", "0", "names", "a.xml"})
	require.NoError(t, err)

	cfg := a.Config("")
	assert.Equal(t, DefaultDetectorName, cfg.DetectorName)
	assert.Equal(t, "names", cfg.IdentityService)

	deps, _, err := cfg.Validate("")
	require.NoError(t, err)
	assert.Equal(t, []string{"cam", DefaultDetectorName, "cam-info", "names"}, deps)
	assert.Equal(t, "cam", cfg.CameraFrame)
	assert.Equal(t, "world", cfg.OutputFrame)

	a.IdentityService = ""
	assert.Equal(t, models.StaticIdentity, a.Config("det").IdentityService)
}
