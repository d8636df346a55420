// Package geometry parses and validates areas of interest. An AOI arrives
// as WKT or GeoJSON, must be a Polygon or MultiPolygon, and is normalized
// so providers can render whichever encoding their catalog API expects.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/bobmcallan/nimbus/internal/models"
)

// ErrInvalid marks an AOI that failed parsing or structural validation.
var ErrInvalid = errors.New("invalid aoi")

// Geometry is a validated area of interest.
type Geometry struct {
	g   geom.T
	wkt string
}

// ParseAOI parses exactly one AOI representation and validates the result.
func ParseAOI(aoi *models.AOI) (*Geometry, error) {
	if aoi.IsZero() {
		return nil, fmt.Errorf("%w: no geometry given", ErrInvalid)
	}
	if aoi.WKT != "" && len(aoi.GeoJSON) > 0 {
		return nil, fmt.Errorf("%w: both wkt and geojson given", ErrInvalid)
	}

	var (
		g   geom.T
		err error
	)
	if aoi.WKT != "" {
		g, err = wkt.Unmarshal(aoi.WKT)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	} else {
		if err = geojson.Unmarshal(aoi.GeoJSON, &g); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if err := validate(g); err != nil {
		return nil, err
	}

	text, err := wkt.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &Geometry{g: g, wkt: text}, nil
}

// WKT returns the normalized WKT encoding.
func (g *Geometry) WKT() string {
	return g.wkt
}

// GeoJSON returns the GeoJSON encoding of the geometry.
func (g *Geometry) GeoJSON() (json.RawMessage, error) {
	data, err := geojson.Marshal(g.g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aoi as geojson: %w", err)
	}
	return json.RawMessage(data), nil
}

// Bounds returns the bounding box of the geometry.
func (g *Geometry) Bounds() *geom.Bounds {
	return g.g.Bounds()
}

// Area returns the planar area in squared coordinate units. It is a sanity
// measure, not a geodesic one.
func (g *Geometry) Area() float64 {
	switch t := g.g.(type) {
	case *geom.Polygon:
		return polygonArea(t)
	case *geom.MultiPolygon:
		var sum float64
		for i := 0; i < t.NumPolygons(); i++ {
			sum += polygonArea(t.Polygon(i))
		}
		return sum
	}
	return 0
}

func validate(g geom.T) error {
	switch t := g.(type) {
	case *geom.Polygon:
		if err := validatePolygon(t); err != nil {
			return err
		}
	case *geom.MultiPolygon:
		if t.NumPolygons() == 0 {
			return fmt.Errorf("%w: empty multipolygon", ErrInvalid)
		}
		for i := 0; i < t.NumPolygons(); i++ {
			if err := validatePolygon(t.Polygon(i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: geometry must be a Polygon or MultiPolygon, got %T", ErrInvalid, g)
	}

	area := (&Geometry{g: g}).Area()
	if area <= 0 {
		return fmt.Errorf("%w: geometry has no area", ErrInvalid)
	}
	return nil
}

func validatePolygon(p *geom.Polygon) error {
	if p.NumLinearRings() == 0 {
		return fmt.Errorf("%w: polygon has no rings", ErrInvalid)
	}
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		if len(coords) < 4 {
			return fmt.Errorf("%w: ring %d has fewer than 4 points", ErrInvalid, i)
		}
		first, last := coords[0], coords[len(coords)-1]
		if first.X() != last.X() || first.Y() != last.Y() {
			return fmt.Errorf("%w: ring %d is not closed", ErrInvalid, i)
		}
		for _, c := range coords {
			if !finite(c.X()) || !finite(c.Y()) {
				return fmt.Errorf("%w: ring %d contains non-finite coordinates", ErrInvalid, i)
			}
		}
	}
	return nil
}

// polygonArea applies the shoelace formula, subtracting interior rings.
func polygonArea(p *geom.Polygon) float64 {
	var area float64
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := ringArea(p.LinearRing(i).Coords())
		if i == 0 {
			area += ring
		} else {
			area -= ring
		}
	}
	if area < 0 {
		return 0
	}
	return area
}

func ringArea(coords []geom.Coord) float64 {
	var sum float64
	for i := 0; i < len(coords)-1; i++ {
		a, b := coords[i], coords[i+1]
		sum += a.X()*b.Y() - b.X()*a.Y()
	}
	return math.Abs(sum) / 2
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
