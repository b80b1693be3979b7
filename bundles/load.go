package bundles

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gopkg.in/yaml.v3"

	"arbundletracker/utils"
)

// multiMarkerFile is the ALVAR multimarker XML layout.
type multiMarkerFile struct {
	XMLName xml.Name        `xml:"multimarker"`
	Count   int             `xml:"markers,attr"`
	Markers []xmlMarkerNode `xml:"marker"`
}

type xmlMarkerNode struct {
	Index   int             `xml:"index,attr"`
	Status  *int            `xml:"status,attr"`
	Corners []xmlCornerNode `xml:"corner"`
}

type xmlCornerNode struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
	Z float64 `xml:"z,attr"`
}

// yamlBundleFile is the YAML bundle layout. Each marker is given either by its four
// corners or by a position plus an optional {w, x, y, z} quaternion.
type yamlBundleFile struct {
	Master     *int             `yaml:"master"`
	MarkerSize float64          `yaml:"marker_size"`
	Markers    []yamlMarkerNode `yaml:"markers"`
}

type yamlMarkerNode struct {
	ID          int          `yaml:"id"`
	Corners     [][3]float64 `yaml:"corners"`
	Position    *[3]float64  `yaml:"position"`
	Orientation *[4]float64  `yaml:"orientation"`
	Size        float64      `yaml:"size"`
}

// LoadFiles loads one definition per path, indexed in argument order.
func LoadFiles(paths []string) ([]*Definition, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no bundle files given", utils.ErrConfig)
	}
	defs := make([]*Definition, 0, len(paths))
	for i, path := range paths {
		def, err := LoadFile(path, i)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile loads a bundle file, choosing the format from its extension.
func LoadFile(path string, index int) (*Definition, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot load bundle file %s: %v", utils.ErrConfig, path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return ParseXML(data, path, index)
	case ".yaml", ".yml":
		return ParseYAML(data, path, index)
	default:
		return nil, fmt.Errorf("%w: unsupported bundle file extension %q", utils.ErrConfig, filepath.Ext(path))
	}
}

// ParseXML reads an ALVAR multimarker file. The first listed marker is the master.
// Markers with status 0 are not part of the bundle.
func ParseXML(data []byte, source string, index int) (*Definition, error) {
	var file multiMarkerFile
	if err := xml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse bundle file %s: %v", utils.ErrConfig, source, err)
	}
	if file.Count != 0 && file.Count != len(file.Markers) {
		return nil, fmt.Errorf("%w: bundle file %s declares %d markers but lists %d", utils.ErrConfig, source, file.Count, len(file.Markers))
	}

	var markers []markerGeometry
	for _, node := range file.Markers {
		if node.Status != nil && *node.Status == 0 {
			continue
		}
		if len(node.Corners) != 4 {
			return nil, fmt.Errorf("%w: bundle file %s: marker %d has %d corners, want 4", utils.ErrConfig, source, node.Index, len(node.Corners))
		}
		var corners [4]r3.Vector
		for i, c := range node.Corners {
			corners[i] = r3.Vector{X: c.X, Y: c.Y, Z: c.Z}
		}
		pose, size, err := poseFromCorners(corners)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle file %s: marker %d: %v", utils.ErrConfig, source, node.Index, err)
		}
		markers = append(markers, markerGeometry{id: node.Index, pose: pose, size: size})
	}
	if len(markers) == 0 {
		return nil, fmt.Errorf("%w: bundle file %s declares no markers", utils.ErrConfig, source)
	}
	return fromGeometry(index, source, markers[0].id, markers, 0)
}

// ParseYAML reads the YAML bundle layout. Without an explicit master the first
// marker is used.
func ParseYAML(data []byte, source string, index int) (*Definition, error) {
	var file yamlBundleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse bundle file %s: %v", utils.ErrConfig, source, err)
	}
	if len(file.Markers) == 0 {
		return nil, fmt.Errorf("%w: bundle file %s declares no markers", utils.ErrConfig, source)
	}

	markers := make([]markerGeometry, 0, len(file.Markers))
	for _, node := range file.Markers {
		m, err := node.geometry(file.MarkerSize)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle file %s: marker %d: %v", utils.ErrConfig, source, node.ID, err)
		}
		markers = append(markers, m)
	}

	masterID := markers[0].id
	if file.Master != nil {
		masterID = *file.Master
	}
	return fromGeometry(index, source, masterID, markers, file.MarkerSize)
}

func (n yamlMarkerNode) geometry(defaultSize float64) (markerGeometry, error) {
	if len(n.Corners) > 0 {
		if len(n.Corners) != 4 {
			return markerGeometry{}, fmt.Errorf("has %d corners, want 4", len(n.Corners))
		}
		var corners [4]r3.Vector
		for i, c := range n.Corners {
			corners[i] = r3.Vector{X: c[0], Y: c[1], Z: c[2]}
		}
		pose, size, err := poseFromCorners(corners)
		if err != nil {
			return markerGeometry{}, err
		}
		return markerGeometry{id: n.ID, pose: pose, size: size}, nil
	}
	if n.Position == nil {
		return markerGeometry{}, fmt.Errorf("needs either corners or a position")
	}

	var orientation spatialmath.Orientation = spatialmath.NewZeroOrientation()
	if n.Orientation != nil {
		o := n.Orientation
		pose, err := utils.PoseFromMap(map[string]interface{}{
			"position":    map[string]interface{}{"x": 0.0, "y": 0.0, "z": 0.0},
			"orientation": map[string]interface{}{"w": o[0], "x": o[1], "y": o[2], "z": o[3]},
		})
		if err != nil {
			return markerGeometry{}, err
		}
		orientation = pose.Orientation()
	}
	size := n.Size
	if size <= 0 {
		size = defaultSize
	}
	p := n.Position
	return markerGeometry{
		id:   n.ID,
		pose: spatialmath.NewPose(r3.Vector{X: p[0], Y: p[1], Z: p[2]}, orientation),
		size: size,
	}, nil
}
