// Package boundary converts uploaded boundary files into a validated
// WGS84 multi-polygon.
//
// Supported inputs are GeoJSON, KML, KMZ and zipped ESRI shapefiles. The
// normalizer reads only the buffer it is given; shapefile archives are
// spooled to a private temporary file because the shapefile reader works on
// paths.
package boundary

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// Format identifies an accepted boundary encoding.
type Format string

// Supported formats.
const (
	FormatGeoJSON   Format = "geojson"
	FormatKML       Format = "kml"
	FormatKMZ       Format = "kmz"
	FormatShapefile Format = "shapefile"
)

// DefaultMaxVertices bounds the work spent validating one upload.
const DefaultMaxVertices = 20000

// Extensions lists the file suffixes FormatFromFilename recognizes.
var Extensions = []string{".geojson", ".json", ".kml", ".kmz", ".zip"}

// FormatFromFilename infers the format from an upload's file name.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".geojson", ".json":
		return FormatGeoJSON, nil
	case ".kml":
		return FormatKML, nil
	case ".kmz":
		return FormatKMZ, nil
	case ".zip":
		return FormatShapefile, nil
	default:
		return "", fmt.Errorf("%w: %q (expected one of %s)",
			geoexport.ErrUnsupportedFormat, name, strings.Join(Extensions, ", "))
	}
}

// Normalizer parses and validates boundary uploads.
type Normalizer struct {
	hasher      geoexport.Hasher
	maxVertices int
}

// NewNormalizer builds a Normalizer. maxVertices <= 0 selects
// DefaultMaxVertices.
func NewNormalizer(hasher geoexport.Hasher, maxVertices int) *Normalizer {
	if maxVertices <= 0 {
		maxVertices = DefaultMaxVertices
	}
	return &Normalizer{hasher: hasher, maxVertices: maxVertices}
}

// Normalize parses raw according to format and returns the canonical
// boundary with its digest.
func (n *Normalizer) Normalize(format Format, raw []byte) (geoexport.Boundary, error) {
	var (
		polys orb.MultiPolygon
		err   error
	)
	switch format {
	case FormatGeoJSON:
		polys, err = parseGeoJSON(raw)
	case FormatKML:
		polys, err = parseKML(raw)
	case FormatKMZ:
		polys, err = parseKMZ(raw)
	case FormatShapefile:
		polys, err = parseShapefileZip(raw)
	default:
		err = fmt.Errorf("%w: %q", geoexport.ErrUnsupportedFormat, format)
	}
	if err != nil {
		return geoexport.Boundary{}, err
	}

	canonical, err := canonicalize(polys, n.maxVertices)
	if err != nil {
		return geoexport.Boundary{}, err
	}
	digest, err := n.digest(canonical)
	if err != nil {
		return geoexport.Boundary{}, err
	}
	return geoexport.Boundary{Geometry: canonical, Digest: digest}, nil
}

func (n *Normalizer) digest(mp orb.MultiPolygon) (string, error) {
	if n.hasher == nil {
		return "", nil
	}
	data, err := json.Marshal(geojson.NewGeometry(mp))
	if err != nil {
		return "", fmt.Errorf("encode boundary: %w", err)
	}
	return n.hasher.Hash(data)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", geoexport.ErrMalformedGeometry, fmt.Sprintf(format, args...))
}

func empty(format string, args ...any) error {
	return fmt.Errorf("%w: %s", geoexport.ErrEmptyGeometry, fmt.Sprintf(format, args...))
}
