package geoexport

import "strings"

// Index describes a spectral index computed from Sentinel-2 surface
// reflectance bands.
type Index struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Indices lists every supported index in export order.
var Indices = []Index{
	{Name: "NDVI", Description: "Normalized Difference Vegetation Index (B8, B4)"},
	{Name: "EVI", Description: "Enhanced Vegetation Index (B8, B4, B2)"},
	{Name: "SAVI", Description: "Soil Adjusted Vegetation Index, L=0.5 (B8, B4)"},
	{Name: "NDRE", Description: "Normalized Difference Red Edge (B8, B5)"},
	{Name: "NDWI", Description: "Normalized Difference Water Index (B3, B8)"},
	{Name: "NDMI", Description: "Normalized Difference Moisture Index (B8, B11)"},
	{Name: "NBR", Description: "Normalized Burn Ratio (B8, B12)"},
}

// WorldCoverClasses maps ESA WorldCover v200 class codes to labels.
var WorldCoverClasses = map[int]string{
	10:  "Tree cover",
	20:  "Shrubland",
	30:  "Grassland",
	40:  "Cropland",
	50:  "Built-up",
	60:  "Bare / sparse vegetation",
	70:  "Snow and ice",
	80:  "Permanent water bodies",
	90:  "Herbaceous wetland",
	95:  "Mangroves",
	100: "Moss and lichen",
}

// Defaults applied when the client omits a parameter.
const (
	DefaultZones = 5
	DefaultScale = 10
	MinZones     = 2
	MaxZones     = 20
	MinScale     = 10
	MaxScale     = 1000
)

// DefaultExcludeClasses masks tree cover, water and built-up land.
var DefaultExcludeClasses = []int{10, 80, 50}

// IndexNames returns the names of every supported index.
func IndexNames() []string {
	names := make([]string, 0, len(Indices))
	for _, idx := range Indices {
		names = append(names, idx.Name)
	}
	return names
}

// LookupIndex resolves a case-insensitive index name.
func LookupIndex(name string) (string, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, idx := range Indices {
		if idx.Name == upper {
			return idx.Name, true
		}
	}
	return "", false
}

// Validate checks parameters against the supported ranges. maxYear is the
// latest year with imagery, normally the current year.
func (p JobParameters) Validate(minYear, maxYear int) error {
	if p.StartYear < minYear || p.StartYear > maxYear {
		return Invalid("start_year", "must be between %d and %d", minYear, maxYear)
	}
	if p.EndYear < minYear || p.EndYear > maxYear {
		return Invalid("end_year", "must be between %d and %d", minYear, maxYear)
	}
	if p.StartYear > p.EndYear {
		return Invalid("start_year", "must not be after end_year")
	}
	if p.Scale < MinScale || p.Scale > MaxScale {
		return Invalid("scale", "must be between %d and %d metres", MinScale, MaxScale)
	}
	if p.Zones != 0 && len(p.Indices) > 0 {
		return Invalid("k", "cannot be combined with indices")
	}
	if p.Zones != 0 && (p.Zones < MinZones || p.Zones > MaxZones) {
		return Invalid("k", "must be between %d and %d", MinZones, MaxZones)
	}
	if p.Zones == 0 && len(p.Indices) == 0 {
		return Invalid("indices", "at least one index is required")
	}
	for _, name := range p.Indices {
		if _, ok := LookupIndex(name); !ok {
			return Invalid("indices", "unknown index %q", name)
		}
	}
	for _, class := range p.ExcludeClasses {
		if _, ok := WorldCoverClasses[class]; !ok {
			return Invalid("exclude_classes", "unknown WorldCover class %d", class)
		}
	}
	return nil
}
