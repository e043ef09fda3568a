package earthengine

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/pipeline"
)

// Earth Engine catalog ids.
const (
	sentinel2Collection  = "COPERNICUS/S2_SR_HARMONIZED"
	worldCoverCollection = "ESA/WorldCover/v200"
)

// sclCloudClasses are Scene Classification values masked before
// compositing: cloud shadow, medium and high probability cloud, cirrus and
// snow.
var sclCloudClasses = []int{3, 8, 9, 10, 11}

// reflectanceBands are the surface reflectance bands the indices read.
var reflectanceBands = []string{"B2", "B3", "B4", "B5", "B8", "B11", "B12"}

// zoneFeatures are the per-pixel features clustered into zones.
var zoneFeatures = []string{"NDVI", "NDWI", "NDMI"}

const (
	zoneSamplePixels = 5000
	reflectanceScale = 10000
)

// recipe holds the nodes shared by every export of a job.
type recipe struct {
	g        *graph
	geometry *valueNode
	scenes   *valueNode
	params   geoexport.JobParameters
}

func newRecipe(boundary orb.MultiPolygon, params geoexport.JobParameters) *recipe {
	g := newGraph()
	geom := g.geometry(boundary)
	return &recipe{
		g:        g,
		geometry: geom,
		scenes:   g.filterBounds(g.loadCollection(sentinel2Collection), geom),
		params:   params,
	}
}

// build returns the image expression for one planned export.
func (r *recipe) build(export pipeline.Export) (*valueNode, error) {
	if export.Zones > 0 {
		return r.zones(export)
	}
	return r.indexComposite(export)
}

// reflectance masks clouds on one scene and scales it to unit reflectance.
func (r *recipe) reflectance(img *valueNode) *valueNode {
	g := r.g
	scl := g.selectBands(img, "SCL")
	clearSky := g.not(g.anyOf(scl, sclCloudClasses))
	masked := g.updateMask(g.selectBands(img, reflectanceBands...), clearSky)
	return g.scaled("divide", masked, reflectanceScale)
}

// index computes a single named index band from unit reflectance.
func (r *recipe) index(name string, img *valueNode) (*valueNode, error) {
	g := r.g
	band := func(b string) *valueNode { return g.selectBands(img, b) }
	nd := func(a, b string) *valueNode {
		return g.call("Image.normalizedDifference", args{"input": img, "bandNames": stringList(a, b)})
	}

	var out *valueNode
	switch name {
	case "NDVI":
		out = nd("B8", "B4")
	case "NDRE":
		out = nd("B8", "B5")
	case "NDWI":
		out = nd("B3", "B8")
	case "NDMI":
		out = nd("B8", "B11")
	case "NBR":
		out = nd("B8", "B12")
	case "EVI":
		// 2.5 * (NIR - RED) / (NIR + 6 RED - 7.5 BLUE + 1)
		nir, red, blue := band("B8"), band("B4"), band("B2")
		num := g.scaled("multiply", g.binary("subtract", nir, red), 2.5)
		den := g.scaled("add",
			g.binary("subtract",
				g.binary("add", nir, g.scaled("multiply", red, 6)),
				g.scaled("multiply", blue, 7.5)),
			1)
		out = g.binary("divide", num, den)
	case "SAVI":
		// 1.5 * (NIR - RED) / (NIR + RED + 0.5)
		nir, red := band("B8"), band("B4")
		num := g.scaled("multiply", g.binary("subtract", nir, red), 1.5)
		den := g.scaled("add", g.binary("add", nir, red), 0.5)
		out = g.binary("divide", num, den)
	default:
		return nil, fmt.Errorf("unsupported index %q", name)
	}
	return g.rename(out, name), nil
}

func (r *recipe) landMask(img *valueNode) *valueNode {
	if len(r.params.ExcludeClasses) == 0 {
		return img
	}
	g := r.g
	wc := g.selectBands(g.first(g.loadCollection(worldCoverCollection)), "Map")
	keep := g.not(g.anyOf(wc, r.params.ExcludeClasses))
	return g.updateMask(img, keep)
}

func (r *recipe) indexComposite(export pipeline.Export) (*valueNode, error) {
	g := r.g
	scenes := g.filterDate(r.scenes, export.Start, export.End)

	var indexErr error
	perScene := g.mapCollection(scenes, func(img *valueNode) *valueNode {
		out, err := r.index(export.Index, r.reflectance(img))
		if err != nil {
			indexErr = err
			return g.constantImage(0)
		}
		return out
	})
	if indexErr != nil {
		return nil, indexErr
	}

	composite := g.rename(g.median(perScene), export.Index)
	// A month without usable scenes exports a fully masked raster.
	empty := g.rename(g.updateMask(g.toFloat(g.constantImage(0)), g.constantImage(0)), export.Index)
	image := g.ifElse(g.size(scenes), composite, empty)
	return g.clip(g.toFloat(r.landMask(image)), r.geometry), nil
}

func (r *recipe) zones(export pipeline.Export) (*valueNode, error) {
	g := r.g
	scenes := g.filterDate(r.scenes, export.Start, export.End)

	var indexErr error
	perScene := g.mapCollection(scenes, func(img *valueNode) *valueNode {
		unit := r.reflectance(img)
		var stack *valueNode
		for _, name := range zoneFeatures {
			band, err := r.index(name, unit)
			if err != nil {
				indexErr = err
				return g.constantImage(0)
			}
			if stack == nil {
				stack = band
				continue
			}
			stack = g.call("Image.addBands", args{"dstImg": stack, "srcImg": band})
		}
		return stack
	})
	if indexErr != nil {
		return nil, indexErr
	}

	features := g.clip(g.rename(g.median(perScene), zoneFeatures...), r.geometry)
	training := g.call("Image.sample", args{
		"image":      features,
		"region":     r.geometry,
		"scale":      constant(r.params.Scale),
		"numPixels":  constant(zoneSamplePixels),
		"seed":       constant(0),
		"geometries": constant(false),
	})
	clusterer := g.call("Clusterer.train", args{
		"clusterer": g.call("Clusterer.wekaKMeans", args{
			"nClusters": constant(export.Zones),
			"seed":      constant(0),
		}),
		"features": training,
	})
	zones := g.call("Image.cluster", args{
		"image":      features,
		"clusterer":  clusterer,
		"outputName": constant("zone"),
	})
	return g.clip(zones, r.geometry), nil
}

// UTMCode returns the EPSG code of the UTM zone containing the centroid of
// the boundary.
func UTMCode(mp orb.MultiPolygon) string {
	centroid, _ := planar.CentroidArea(mp)
	zone := int(math.Floor((centroid.Lon()+180)/6)) + 1
	zone = max(1, min(60, zone))
	if centroid.Lat() < 0 {
		return fmt.Sprintf("EPSG:%d", 32700+zone)
	}
	return fmt.Sprintf("EPSG:%d", 32600+zone)
}
