package boundary

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// collector gathers polygons from decoded geometries. Inside collections,
// non-polygon members are skipped and counted.
type collector struct {
	polys   orb.MultiPolygon
	skipped int
}

func (c *collector) add(g orb.Geometry, strict bool) error {
	switch geom := g.(type) {
	case nil:
	case orb.Polygon:
		c.polys = append(c.polys, geom)
	case orb.MultiPolygon:
		c.polys = append(c.polys, geom...)
	case orb.Collection:
		for _, member := range geom {
			if err := c.add(member, false); err != nil {
				return err
			}
		}
	default:
		if strict {
			return malformed("%s is not a polygon", g.GeoJSONType())
		}
		c.skipped++
	}
	return nil
}

func (c *collector) result() (orb.MultiPolygon, error) {
	if len(c.polys) == 0 {
		if c.skipped > 0 {
			return nil, malformed("no polygon geometry among %d features", c.skipped)
		}
		return nil, empty("no geometry found")
	}
	return c.polys, nil
}

func parseGeoJSON(raw []byte) (orb.MultiPolygon, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, malformed("invalid GeoJSON: %v", err)
	}

	var c collector
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, malformed("invalid FeatureCollection: %v", err)
		}
		for _, f := range fc.Features {
			if err := c.add(f.Geometry, false); err != nil {
				return nil, err
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, malformed("invalid Feature: %v", err)
		}
		if err := c.add(f.Geometry, true); err != nil {
			return nil, err
		}
	case "":
		return nil, malformed("GeoJSON object has no type")
	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, malformed("invalid geometry: %v", err)
		}
		if err := c.add(g.Geometry(), true); err != nil {
			return nil, err
		}
	}
	return c.result()
}
