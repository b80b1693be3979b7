package bundles

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/spatialmath"

	"arbundletracker/utils"
)

func TestLoadFileXML(t *testing.T) {
	t.Parallel()

	def, err := LoadFile("testdata/truck.xml", 3)
	require.NoError(t, err)

	assert.Equal(t, 3, def.Index)
	assert.Equal(t, 8, def.MasterID)
	assert.Equal(t, []int{8, 9, 10}, def.MemberIDs)
	assert.InDelta(t, 4.4, def.MarkerSize, 1e-9)

	// Member 9 sits 10cm along the master's x axis, member 10 along its y axis.
	assert.True(t, spatialmath.PoseAlmostEqual(def.Offsets[8], spatialmath.NewZeroPose()))
	assert.True(t, spatialmath.PoseAlmostEqual(def.Offsets[9], spatialmath.NewPoseFromPoint(r3.Vector{X: 10})))
	assert.True(t, spatialmath.PoseAlmostEqual(def.Offsets[10], spatialmath.NewPoseFromPoint(r3.Vector{Y: 10})))
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()

	def, err := LoadFile("testdata/box.yaml", 0)
	require.NoError(t, err)

	assert.Equal(t, 21, def.MasterID)
	assert.Equal(t, []int{20, 21, 22}, def.MemberIDs)
	assert.InDelta(t, 5.0, def.MarkerSize, 1e-9)
	assert.True(t, spatialmath.PoseAlmostEqual(def.Offsets[20], spatialmath.NewPoseFromPoint(r3.Vector{X: -10})))

	flipped := spatialmath.NewPose(r3.Vector{Z: -5}, &spatialmath.Quaternion{Imag: 1})
	assert.True(t, spatialmath.PoseAlmostEqual(def.Offsets[22], flipped), "got %v", def.Offsets[22])
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
	}{
		{"missing file", "testdata/does_not_exist.xml"},
		{"three corners", "testdata/bad_corners.xml"},
		{"master not a member", "testdata/missing_master.yaml"},
		{"unknown extension", "testdata/box.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(tt.path, 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrConfig)
		})
	}
}

func TestParseXMLRejectsMarkerCountMismatch(t *testing.T) {
	t.Parallel()

	data := []byte(`<multimarker markers="2">
  <marker index="1" status="1">
    <corner x="-1" y="-1" z="0" /><corner x="1" y="-1" z="0" />
    <corner x="1" y="1" z="0" /><corner x="-1" y="1" z="0" />
  </marker>
</multimarker>`)
	_, err := ParseXML(data, "inline", 0)
	assert.ErrorIs(t, err, utils.ErrConfig)

	_, err = ParseXML([]byte("<multimarker"), "inline", 0)
	assert.ErrorIs(t, err, utils.ErrConfig)
}

func TestParseXMLSkipsInactiveMarkers(t *testing.T) {
	t.Parallel()

	data := []byte(`<multimarker markers="2">
  <marker index="4" status="1">
    <corner x="-1" y="-1" z="0" /><corner x="1" y="-1" z="0" />
    <corner x="1" y="1" z="0" /><corner x="-1" y="1" z="0" />
  </marker>
  <marker index="5" status="0">
    <corner x="0" y="0" z="0" /><corner x="0" y="0" z="0" />
    <corner x="0" y="0" z="0" /><corner x="0" y="0" z="0" />
  </marker>
</multimarker>`)
	def, err := ParseXML(data, "inline", 0)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, def.MemberIDs)
	assert.InDelta(t, 2.0, def.MarkerSize, 1e-9)
}

func TestLoadFiles(t *testing.T) {
	t.Parallel()

	defs, err := LoadFiles([]string{"testdata/truck.xml", "testdata/box.yaml"})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, 0, defs[0].Index)
	assert.Equal(t, 1, defs[1].Index)

	_, err = LoadFiles(nil)
	assert.ErrorIs(t, err, utils.ErrConfig)
}
