// Package routing computes constraint-aware paths over the operating area.
// Route computation is read-only and side-effect free: many deliveries may be
// planned in parallel against the same restriction set.
package routing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"

	"github.com/medifleet/dispatch/core/model"
)

// ErrUnreachable is returned when no path avoids all prohibited zones. The
// dispatcher holds the delivery or requests emergency airspace clearance
// before retrying.
var ErrUnreachable = errors.New("routing: destination unreachable")

// ErrOutOfArea is returned when an endpoint lies outside the operating area.
var ErrOutOfArea = errors.New("routing: point outside operating area")

// Config tunes the planner.
type Config struct {
	Area      Area    `json:"area"`
	CellSizeM float64 `json:"cell_size_m"`
	// RiskCostM converts one unit of cell risk into meters of added edge cost.
	RiskCostM float64 `json:"risk_cost_m"`
	// EmergencyRiskFactor scales RiskCostM down for emergency-tier
	// priorities. Risk is relaxed, prohibited zones are not.
	EmergencyRiskFactor float64 `json:"emergency_risk_factor"`
	// EpsilonM is the cost band within which two routes count as equal and
	// the one with fewer waypoints wins.
	EpsilonM float64 `json:"epsilon_m"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.CellSizeM == 0 {
		c.CellSizeM = 250
	}
	if c.RiskCostM == 0 {
		c.RiskCostM = 2000
	}
	if c.EmergencyRiskFactor == 0 {
		c.EmergencyRiskFactor = 0.25
	}
	if c.EpsilonM == 0 {
		c.EpsilonM = 50
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Area.LatMin >= c.Area.LatMax || c.Area.LonMin >= c.Area.LonMax {
		return fmt.Errorf("routing: invalid operating area")
	}
	if c.CellSizeM <= 0 {
		return fmt.Errorf("routing: cell size must be positive")
	}
	if c.EmergencyRiskFactor < 0 || c.EmergencyRiskFactor > 1 {
		return fmt.Errorf("routing: emergency risk factor must be in [0,1]")
	}
	return nil
}

// Planner computes routes using A* over a weighted grid.
type Planner struct {
	cfg Config
	now func() time.Time
}

// NewPlanner creates a Planner from validated configuration.
func NewPlanner(cfg Config) (*Planner, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Planner{cfg: cfg, now: time.Now}, nil
}

// ComputeRoute finds the cheapest path from origin to destination for the
// given vehicle kind under the active restrictions. Priorities in the
// emergency tier accept more risk for a lower ETA; no priority routes through
// a prohibited zone.
func (p *Planner) ComputeRoute(origin, destination model.GeoPoint, kind model.VehicleKind, restrictions []model.Restriction, priority model.Priority, speedMps float64) (model.Route, error) {
	if !p.cfg.Area.Contains(origin) || !p.cfg.Area.Contains(destination) {
		return model.Route{}, ErrOutOfArea
	}
	riskCost := p.cfg.RiskCostM
	if priority.IsEmergency() {
		riskCost *= p.cfg.EmergencyRiskFactor
	}
	at := p.now().UTC()
	gr := p.newGrid(restrictions, kind, at, riskCost)

	start := gr.node(gr.cellAt(origin))
	goal := gr.node(gr.cellAt(destination))
	if start == nil || goal == nil {
		// An endpoint sits inside a prohibited cell.
		return model.Route{}, ErrUnreachable
	}

	heuristic := func(x, y graph.Node) float64 {
		return gr.cellCenter(int(x.ID())).DistanceTo(gr.cellCenter(int(y.ID())))
	}
	shortest, _ := path.AStar(start, goal, gr.g, heuristic)
	cells, weight := shortest.To(goal.ID())
	if math.IsInf(weight, 1) || len(cells) == 0 {
		return model.Route{}, ErrUnreachable
	}

	waypoints := simplify(gr, cells, origin, destination)
	dist := pathDistance(waypoints)
	route := model.Route{
		Origin:       origin,
		Destination:  destination,
		Waypoints:    waypoints,
		DistanceM:    dist,
		ComputedAt:   at,
		Restrictions: gr.restrictionsOnPath(cells),
	}
	if speedMps > 0 {
		route.Duration = time.Duration(dist / speedMps * float64(time.Second))
	}
	return route, nil
}

// Reroute recomputes only the untraveled suffix of an existing route after a
// new restriction or weather event. lastPassed is the index of the last
// waypoint the vehicle passed.
func (p *Planner) Reroute(route model.Route, lastPassed int, kind model.VehicleKind, restrictions []model.Restriction, priority model.Priority, speedMps float64) (model.Route, error) {
	if lastPassed < 0 {
		lastPassed = 0
	}
	if lastPassed >= len(route.Waypoints) {
		lastPassed = len(route.Waypoints) - 1
	}
	from := route.Waypoints[lastPassed]
	suffix, err := p.ComputeRoute(from, route.Destination, kind, restrictions, priority, speedMps)
	if err != nil {
		return model.Route{}, err
	}
	prefix := route.Waypoints[:lastPassed+1]
	merged := make([]model.GeoPoint, 0, len(prefix)+len(suffix.Waypoints)-1)
	merged = append(merged, prefix...)
	merged = append(merged, suffix.Waypoints[1:]...)

	out := route
	out.Waypoints = merged
	out.DistanceM = pathDistance(merged)
	out.ComputedAt = suffix.ComputedAt
	out.Restrictions = suffix.Restrictions
	if speedMps > 0 {
		remaining := pathDistance(merged[lastPassed:])
		out.Duration = time.Duration(remaining / speedMps * float64(time.Second))
	}
	return out, nil
}

// Better reports whether a beats b. Within the configured epsilon the routes
// count as equal cost and the one with fewer waypoints wins: simpler paths
// have fewer failure points.
func (p *Planner) Better(a, b model.Route) bool {
	if math.Abs(a.DistanceM-b.DistanceM) <= p.cfg.EpsilonM {
		return len(a.Waypoints) < len(b.Waypoints)
	}
	return a.DistanceM < b.DistanceM
}

// simplify collapses runs of collinear grid cells into single legs and pins
// the exact origin and destination coordinates at the ends.
func simplify(gr *grid, cells []graph.Node, origin, destination model.GeoPoint) []model.GeoPoint {
	pts := []model.GeoPoint{origin}
	var prevDR, prevDC int
	for i := 1; i < len(cells); i++ {
		cur := int(cells[i].ID())
		prev := int(cells[i-1].ID())
		dr := cur/gr.cols - prev/gr.cols
		dc := cur%gr.cols - prev%gr.cols
		if i > 1 && (dr != prevDR || dc != prevDC) {
			pts = append(pts, gr.cellCenter(prev))
		}
		prevDR, prevDC = dr, dc
	}
	pts = append(pts, destination)
	return pts
}

func pathDistance(pts []model.GeoPoint) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += pts[i-1].DistanceTo(pts[i])
	}
	return total
}
