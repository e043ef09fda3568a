package earthengine

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/pipeline"
)

var testBoundary = orb.MultiPolygon{{{{10, 50}, {11, 50}, {11, 51}, {10, 51}, {10, 50}}}}

// decodedExpression is the wire form of an expression, decoded generically.
type decodedExpression struct {
	Result string                    `json:"result"`
	Values map[string]map[string]any `json:"values"`
}

func buildExpression(t *testing.T, params geoexport.JobParameters, export pipeline.Export) decodedExpression {
	t.Helper()
	r := newRecipe(testBoundary, params)
	root, err := r.build(export)
	require.NoError(t, err)
	expr, err := r.g.expression(root)
	require.NoError(t, err)

	raw, err := json.Marshal(expr)
	require.NoError(t, err)
	var out decodedExpression
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// functionNames returns every invoked function and checks that each value
// reference and function body resolves.
func functionNames(t *testing.T, expr decodedExpression) map[string]int {
	t.Helper()
	names := map[string]int{}
	var walk func(node any)
	walk = func(node any) {
		switch n := node.(type) {
		case map[string]any:
			if ref, ok := n["valueReference"].(string); ok {
				assert.Contains(t, expr.Values, ref, "dangling reference %s", ref)
			}
			if inv, ok := n["functionInvocationValue"].(map[string]any); ok {
				names[inv["functionName"].(string)]++
			}
			if def, ok := n["functionDefinitionValue"].(map[string]any); ok {
				assert.Contains(t, expr.Values, def["body"], "dangling function body")
			}
			for _, v := range n {
				walk(v)
			}
		case []any:
			for _, v := range n {
				walk(v)
			}
		}
	}
	require.Contains(t, expr.Values, expr.Result)
	for _, v := range expr.Values {
		walk(v)
	}
	return names
}

func TestIndexCompositeExpression(t *testing.T) {
	t.Parallel()

	params := geoexport.JobParameters{StartYear: 2024, EndYear: 2024, Indices: []string{"NDVI"}, ExcludeClasses: []int{10, 80}, Scale: 10}
	exports := pipeline.Plan(params)
	names := functionNames(t, buildExpression(t, params, exports[0]))

	assert.Equal(t, 2, names["ImageCollection.load"], "sentinel-2 and worldcover")
	assert.Positive(t, names["Image.normalizedDifference"])
	assert.Equal(t, 1, names["Algorithms.If"])
	assert.Equal(t, 1, names["Reducer.median"])
	assert.Equal(t, 1, names["Collection.map"])
	assert.Equal(t, 1, names["Filter.dateRangeContains"])
	assert.Equal(t, 1, names["GeometryConstructors.MultiPolygon"])
	// Five SCL classes and two excluded land cover classes.
	assert.Equal(t, 7, names["Image.eq"])
}

func TestIndexCompositeWithoutLandMask(t *testing.T) {
	t.Parallel()

	params := geoexport.JobParameters{StartYear: 2024, EndYear: 2024, Indices: []string{"EVI"}, Scale: 10}
	names := functionNames(t, buildExpression(t, params, pipeline.Plan(params)[0]))

	assert.Equal(t, 1, names["ImageCollection.load"])
	assert.Zero(t, names["Image.normalizedDifference"])
	assert.Positive(t, names["Image.subtract"])
}

func TestZonesExpression(t *testing.T) {
	t.Parallel()

	params := geoexport.JobParameters{StartYear: 2020, EndYear: 2023, Zones: 6, Scale: 20}
	expr := buildExpression(t, params, pipeline.Plan(params)[0])
	names := functionNames(t, expr)

	assert.Equal(t, 1, names["Clusterer.wekaKMeans"])
	assert.Equal(t, 1, names["Clusterer.train"])
	assert.Equal(t, 1, names["Image.cluster"])
	assert.Equal(t, 1, names["Image.sample"])
	assert.Equal(t, 3, names["Image.normalizedDifference"])

	root := expr.Values[expr.Result]["functionInvocationValue"].(map[string]any)
	assert.Equal(t, "Image.clip", root["functionName"])
}

func TestIndexRejectsUnknownName(t *testing.T) {
	t.Parallel()

	r := newRecipe(testBoundary, geoexport.JobParameters{Scale: 10})
	_, err := r.index("LAI", &valueNode{ArgumentReference: "img"})
	require.Error(t, err)
}

func TestUTMCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		geom orb.MultiPolygon
		want string
	}{
		{"central europe", testBoundary, "EPSG:32632"},
		{"southern hemisphere", orb.MultiPolygon{{{{-71, -34}, {-70, -34}, {-70, -33}, {-71, -33}, {-71, -34}}}}, "EPSG:32719"},
		{"last zone", orb.MultiPolygon{{{{179.5, 10}, {180, 10}, {180, 11}, {179.5, 11}, {179.5, 10}}}}, "EPSG:32660"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, UTMCode(tc.geom))
		})
	}
}
