package routing

import (
	"math"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/medifleet/dispatch/core/model"
)

const metersPerLatDeg = 111320.0

// Area is the rectangular operating region covered by the planner.
type Area struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Contains reports whether the point lies inside the area.
func (a Area) Contains(p model.GeoPoint) bool {
	return p.Lat >= a.LatMin && p.Lat <= a.LatMax && p.Lon >= a.LonMin && p.Lon <= a.LonMax
}

// grid discretizes the operating area into cells and materializes the
// traversal graph for one route computation. Prohibited cells are not added
// to the graph at all, so no path can cross them whatever the priority.
type grid struct {
	area     Area
	rows     int
	cols     int
	latStep  float64
	lonStep  float64
	risk     []float64 // per-cell risk factor, NaN marks a prohibited cell
	hit      [][]string
	g        *simple.WeightedUndirectedGraph
	riskCost float64
}

func (p *Planner) newGrid(restrictions []model.Restriction, kind model.VehicleKind, at time.Time, riskCost float64) *grid {
	latSpan := p.cfg.Area.LatMax - p.cfg.Area.LatMin
	lonSpan := p.cfg.Area.LonMax - p.cfg.Area.LonMin
	midLat := (p.cfg.Area.LatMin + p.cfg.Area.LatMax) / 2
	latStep := p.cfg.CellSizeM / metersPerLatDeg
	lonStep := p.cfg.CellSizeM / (metersPerLatDeg * math.Cos(midLat*math.Pi/180))

	rows := int(math.Ceil(latSpan/latStep)) + 1
	cols := int(math.Ceil(lonSpan/lonStep)) + 1

	gr := &grid{
		area:     p.cfg.Area,
		rows:     rows,
		cols:     cols,
		latStep:  latStep,
		lonStep:  lonStep,
		risk:     make([]float64, rows*cols),
		hit:      make([][]string, rows*cols),
		g:        simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		riskCost: riskCost,
	}
	gr.applyRestrictions(restrictions, kind, at)
	gr.build()
	return gr
}

// applyRestrictions marks each cell with its accumulated risk. A cell inside
// a prohibited geofence becomes untraversable; restricted and advisory zones
// add weight, with a halved penalty in the proximity band around the fence.
func (gr *grid) applyRestrictions(restrictions []model.Restriction, kind model.VehicleKind, at time.Time) {
	for idx := 0; idx < gr.rows*gr.cols; idx++ {
		center := gr.cellCenter(idx)
		for _, r := range restrictions {
			if !r.Active(at) || !r.AppliesTo(kind) {
				continue
			}
			d := r.Center.DistanceTo(center)
			switch {
			case d <= r.RadiusM:
				if r.Severity == model.SeverityProhibited {
					gr.risk[idx] = math.NaN()
				} else {
					gr.risk[idx] += severityRisk(r.Severity)
				}
				gr.hit[idx] = append(gr.hit[idx], r.ID)
			case d <= r.RadiusM*1.5 && r.Severity != model.SeverityAdvisory:
				// Marginal proximity to the fence still carries risk.
				if !math.IsNaN(gr.risk[idx]) {
					gr.risk[idx] += severityRisk(r.Severity) / 2
				}
			}
			if math.IsNaN(gr.risk[idx]) {
				break
			}
		}
	}
}

func severityRisk(s model.Severity) float64 {
	switch s {
	case model.SeverityProhibited:
		return math.Inf(1)
	case model.SeverityRestricted:
		return 1.0
	default:
		return 0.3
	}
}

// build adds traversable cells and 8-connected edges. Edge cost is the
// geometric distance plus the mean risk of the endpoints scaled by riskCost.
func (gr *grid) build() {
	for idx := 0; idx < gr.rows*gr.cols; idx++ {
		if math.IsNaN(gr.risk[idx]) {
			continue
		}
		gr.g.AddNode(simple.Node(idx))
	}
	for row := 0; row < gr.rows; row++ {
		for col := 0; col < gr.cols; col++ {
			from := row*gr.cols + col
			if math.IsNaN(gr.risk[from]) {
				continue
			}
			// Right, down and the two diagonals cover all pairs once.
			for _, d := range [][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}} {
				nr, nc := row+d[0], col+d[1]
				if nr < 0 || nr >= gr.rows || nc < 0 || nc >= gr.cols {
					continue
				}
				to := nr*gr.cols + nc
				if math.IsNaN(gr.risk[to]) {
					continue
				}
				w := gr.edgeWeight(from, to)
				gr.g.SetWeightedEdge(gr.g.NewWeightedEdge(simple.Node(from), simple.Node(to), w))
			}
		}
	}
}

func (gr *grid) edgeWeight(from, to int) float64 {
	dist := gr.cellCenter(from).DistanceTo(gr.cellCenter(to))
	return dist + gr.riskCost*(gr.risk[from]+gr.risk[to])/2
}

func (gr *grid) cellCenter(idx int) model.GeoPoint {
	row := idx / gr.cols
	col := idx % gr.cols
	return model.GeoPoint{
		Lat: gr.area.LatMin + float64(row)*gr.latStep,
		Lon: gr.area.LonMin + float64(col)*gr.lonStep,
	}
}

// cellAt snaps the point to its enclosing cell index.
func (gr *grid) cellAt(p model.GeoPoint) int {
	row := int(math.Round((p.Lat - gr.area.LatMin) / gr.latStep))
	col := int(math.Round((p.Lon - gr.area.LonMin) / gr.lonStep))
	if row < 0 {
		row = 0
	}
	if row >= gr.rows {
		row = gr.rows - 1
	}
	if col < 0 {
		col = 0
	}
	if col >= gr.cols {
		col = gr.cols - 1
	}
	return row*gr.cols + col
}

func (gr *grid) node(idx int) graph.Node { return gr.g.Node(int64(idx)) }

// restrictionsOnPath collects the distinct restriction ids whose fences the
// path touched or skirted.
func (gr *grid) restrictionsOnPath(cells []graph.Node) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, n := range cells {
		for _, id := range gr.hit[int(n.ID())] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
