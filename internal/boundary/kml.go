package boundary

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

type kmlPolygon struct {
	Outer string   `xml:"outerBoundaryIs>LinearRing>coordinates"`
	Inner []string `xml:"innerBoundaryIs>LinearRing>coordinates"`
}

// Polygon elements are consumed whole, so a LinearRing seen here stands alone.
var kmlOtherGeometries = map[string]bool{
	"Point":      true,
	"LineString": true,
	"LinearRing": true,
	"Track":      true,
	"Model":      true,
}

func parseKML(raw []byte) (orb.MultiPolygon, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var c collector
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed("invalid KML: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case se.Name.Local == "Polygon":
			var p kmlPolygon
			if err := dec.DecodeElement(&p, &se); err != nil {
				return nil, malformed("invalid KML polygon: %v", err)
			}
			poly, err := p.polygon()
			if err != nil {
				return nil, err
			}
			c.polys = append(c.polys, poly)
		case kmlOtherGeometries[se.Name.Local]:
			c.skipped++
		}
	}
	return c.result()
}

func (p kmlPolygon) polygon() (orb.Polygon, error) {
	outer, err := parseKMLCoordinates(p.Outer)
	if err != nil {
		return nil, err
	}
	poly := orb.Polygon{outer}
	for _, inner := range p.Inner {
		ring, err := parseKMLCoordinates(inner)
		if err != nil {
			return nil, err
		}
		poly = append(poly, ring)
	}
	return poly, nil
}

// parseKMLCoordinates reads whitespace separated lon,lat[,alt] tuples.
func parseKMLCoordinates(text string) (orb.Ring, error) {
	fields := strings.Fields(text)
	ring := make(orb.Ring, 0, len(fields))
	for _, tuple := range fields {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, malformed("bad KML coordinate %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, malformed("bad KML longitude %q", parts[0])
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, malformed("bad KML latitude %q", parts[1])
		}
		ring = append(ring, orb.Point{lon, lat})
	}
	return ring, nil
}

func parseKMZ(raw []byte) (orb.MultiPolygon, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, malformed("invalid KMZ archive: %v", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if !strings.EqualFold(path.Ext(f.Name), ".kml") {
			continue
		}
		if strings.EqualFold(path.Base(f.Name), "doc.kml") {
			doc = f
			break
		}
		if doc == nil {
			doc = f
		}
	}
	if doc == nil {
		return nil, malformed("KMZ archive contains no .kml document")
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, malformed("open %s: %v", doc.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, malformed("read %s: %v", doc.Name, err)
	}
	return parseKML(data)
}
