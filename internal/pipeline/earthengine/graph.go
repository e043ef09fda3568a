package earthengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	ee "google.golang.org/api/earthengine/v1"
)

// valueNode mirrors the REST ValueNode. Only the variants the exporter
// emits are modeled.
type valueNode struct {
	ConstantValue           any                 `json:"constantValue,omitempty"`
	ArrayValue              *arrayValue         `json:"arrayValue,omitempty"`
	FunctionInvocationValue *functionInvocation `json:"functionInvocationValue,omitempty"`
	FunctionDefinitionValue *functionDefinition `json:"functionDefinitionValue,omitempty"`
	ArgumentReference       string              `json:"argumentReference,omitempty"`
	ValueReference          string              `json:"valueReference,omitempty"`
}

type arrayValue struct {
	Values []*valueNode `json:"values"`
}

type functionInvocation struct {
	FunctionName string                `json:"functionName"`
	Arguments    map[string]*valueNode `json:"arguments"`
}

type functionDefinition struct {
	ArgumentNames []string `json:"argumentNames"`
	Body          string   `json:"body"`
}

type args map[string]*valueNode

// graph accumulates named values. Every invocation is stored once and
// referenced by key so shared subtrees are sent once.
type graph struct {
	values map[string]*valueNode
}

func newGraph() *graph {
	return &graph{values: map[string]*valueNode{}}
}

func (g *graph) call(name string, arguments args) *valueNode {
	key := strconv.Itoa(len(g.values))
	g.values[key] = &valueNode{FunctionInvocationValue: &functionInvocation{
		FunctionName: name,
		Arguments:    arguments,
	}}
	return &valueNode{ValueReference: key}
}

// function defines a one-argument algorithm whose body is built by fn.
func (g *graph) function(argName string, fn func(arg *valueNode) *valueNode) *valueNode {
	body := fn(&valueNode{ArgumentReference: argName})
	return &valueNode{FunctionDefinitionValue: &functionDefinition{
		ArgumentNames: []string{argName},
		Body:          body.ValueReference,
	}}
}

// expression converts the graph into the SDK type with result as root.
func (g *graph) expression(result *valueNode) (*ee.Expression, error) {
	if result.ValueReference == "" {
		return nil, fmt.Errorf("expression result must be a stored value")
	}
	raw, err := json.Marshal(struct {
		Result string                `json:"result"`
		Values map[string]*valueNode `json:"values"`
	}{Result: result.ValueReference, Values: g.values})
	if err != nil {
		return nil, fmt.Errorf("encode expression: %w", err)
	}
	var expr ee.Expression
	if err := json.Unmarshal(raw, &expr); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}
	return &expr, nil
}

func constant(v any) *valueNode {
	return &valueNode{ConstantValue: v}
}

func array(items ...*valueNode) *valueNode {
	return &valueNode{ArrayValue: &arrayValue{Values: items}}
}

func stringList(items ...string) *valueNode {
	nodes := make([]*valueNode, 0, len(items))
	for _, s := range items {
		nodes = append(nodes, constant(s))
	}
	return array(nodes...)
}

// Earth Engine building blocks.

func (g *graph) geometry(mp orb.MultiPolygon) *valueNode {
	coords := make([][][][]float64, 0, len(mp))
	for _, poly := range mp {
		rings := make([][][]float64, 0, len(poly))
		for _, ring := range poly {
			pts := make([][]float64, 0, len(ring))
			for _, p := range ring {
				pts = append(pts, []float64{p.Lon(), p.Lat()})
			}
			rings = append(rings, pts)
		}
		coords = append(coords, rings)
	}
	return g.call("GeometryConstructors.MultiPolygon", args{
		"coordinates": constant(coords),
		"geodesic":    constant(false),
	})
}

func (g *graph) loadCollection(id string) *valueNode {
	return g.call("ImageCollection.load", args{"id": constant(id)})
}

func (g *graph) filterBounds(collection, geom *valueNode) *valueNode {
	return g.call("Collection.filter", args{
		"collection": collection,
		"filter": g.call("Filter.intersects", args{
			"leftField":  constant(".all"),
			"rightValue": geom,
		}),
	})
}

func (g *graph) filterDate(collection *valueNode, start, end time.Time) *valueNode {
	return g.call("Collection.filter", args{
		"collection": collection,
		"filter": g.call("Filter.dateRangeContains", args{
			"leftValue": g.call("DateRange", args{
				"start": constant(start.Format("2006-01-02")),
				"end":   constant(end.Format("2006-01-02")),
			}),
			"rightField": constant("system:time_start"),
		}),
	})
}

func (g *graph) mapCollection(collection *valueNode, fn func(img *valueNode) *valueNode) *valueNode {
	return g.call("Collection.map", args{
		"collection":    collection,
		"baseAlgorithm": g.function("_MAPPING_VAR_0_0", fn),
	})
}

func (g *graph) size(collection *valueNode) *valueNode {
	return g.call("Collection.size", args{"collection": collection})
}

func (g *graph) first(collection *valueNode) *valueNode {
	return g.call("Collection.first", args{"collection": collection})
}

func (g *graph) median(collection *valueNode) *valueNode {
	return g.call("ImageCollection.reduce", args{
		"collection": collection,
		"reducer":    g.call("Reducer.median", args{}),
	})
}

func (g *graph) ifElse(condition, then, otherwise *valueNode) *valueNode {
	return g.call("Algorithms.If", args{
		"condition": condition,
		"trueCase":  then,
		"falseCase": otherwise,
	})
}

func (g *graph) constantImage(v float64) *valueNode {
	return g.call("Image.constant", args{"value": constant(v)})
}

func (g *graph) selectBands(img *valueNode, bands ...string) *valueNode {
	return g.call("Image.select", args{"input": img, "bandSelectors": stringList(bands...)})
}

func (g *graph) rename(img *valueNode, names ...string) *valueNode {
	return g.call("Image.rename", args{"input": img, "names": stringList(names...)})
}

func (g *graph) binary(op string, a, b *valueNode) *valueNode {
	return g.call("Image."+op, args{"image1": a, "image2": b})
}

func (g *graph) scaled(op string, img *valueNode, v float64) *valueNode {
	return g.binary(op, img, g.constantImage(v))
}

func (g *graph) not(img *valueNode) *valueNode {
	return g.call("Image.not", args{"value": img})
}

func (g *graph) updateMask(img, mask *valueNode) *valueNode {
	return g.call("Image.updateMask", args{"image": img, "mask": mask})
}

func (g *graph) clip(img, geom *valueNode) *valueNode {
	return g.call("Image.clip", args{"input": img, "geometry": geom})
}

func (g *graph) toFloat(img *valueNode) *valueNode {
	return g.call("Image.toFloat", args{"value": img})
}

// anyOf is true where band equals any of the values.
func (g *graph) anyOf(band *valueNode, values []int) *valueNode {
	var out *valueNode
	for _, v := range values {
		hit := g.scaled("eq", band, float64(v))
		if out == nil {
			out = hit
			continue
		}
		out = g.binary("or", out, hit)
	}
	return out
}
