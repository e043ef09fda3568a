package boundary

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

func parseShapefileZip(raw []byte) (orb.MultiPolygon, error) {
	if err := inspectShapefileZip(raw); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "boundary-*.zip")
	if err != nil {
		return nil, fmt.Errorf("spool shapefile: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("spool shapefile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("spool shapefile: %w", err)
	}

	reader, err := shp.OpenZip(tmp.Name())
	if err != nil {
		return nil, malformed("read shapefile: %v", err)
	}
	defer reader.Close()

	var c collector
	for reader.Next() {
		_, shape := reader.Shape()
		switch s := shape.(type) {
		case *shp.Polygon:
			c.polys = append(c.polys, groupRings(shpRings(s.Parts, s.Points))...)
		case *shp.PolygonZ:
			c.polys = append(c.polys, groupRings(shpRings(s.Parts, s.Points))...)
		case *shp.PolygonM:
			c.polys = append(c.polys, groupRings(shpRings(s.Parts, s.Points))...)
		case nil, *shp.Null:
		default:
			c.skipped++
		}
	}
	if err := reader.Err(); err != nil {
		return nil, malformed("read shapefile: %v", err)
	}
	return c.result()
}

// inspectShapefileZip checks the archive members before the shapefile
// reader touches them.
func inspectShapefileZip(raw []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return malformed("invalid zip archive: %v", err)
	}
	var hasShp, hasDbf bool
	for _, f := range zr.File {
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".shp":
			hasShp = true
		case ".dbf":
			hasDbf = true
		case ".prj":
			if err := checkProjection(f); err != nil {
				return err
			}
		}
	}
	if !hasShp || !hasDbf {
		return malformed("zip must contain a .shp and a .dbf file")
	}
	return nil
}

// checkProjection rejects projected coordinate systems. A missing .prj is
// read as longitude/latitude.
func checkProjection(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return malformed("open %s: %v", f.Name, err)
	}
	defer rc.Close()
	wkt, err := io.ReadAll(io.LimitReader(rc, 64<<10))
	if err != nil {
		return malformed("read %s: %v", f.Name, err)
	}
	text := strings.ToUpper(strings.TrimSpace(string(wkt)))
	if strings.HasPrefix(text, "PROJCS") || strings.HasPrefix(text, "PROJCRS") {
		return fmt.Errorf("%w: shapefile uses a projected coordinate system; reproject to EPSG:4326",
			geoexport.ErrUnsupportedFormat)
	}
	return nil
}

func shpRings(parts []int32, points []shp.Point) []orb.Ring {
	rings := make([]orb.Ring, 0, len(parts))
	for i, start := range parts {
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if int(start) >= end || end > len(points) {
			continue
		}
		ring := make(orb.Ring, 0, end-int(start))
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		rings = append(rings, ring)
	}
	return rings
}

// groupRings assembles shapefile parts: clockwise rings open a polygon and
// counter-clockwise rings are holes of the preceding one.
func groupRings(rings []orb.Ring) orb.MultiPolygon {
	var out orb.MultiPolygon
	for _, ring := range rings {
		if ring.Orientation() == orb.CCW && len(out) > 0 {
			last := len(out) - 1
			out[last] = append(out[last], ring)
			continue
		}
		out = append(out, orb.Polygon{ring})
	}
	return out
}
