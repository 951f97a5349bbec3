// Relationship graph — directed trust/influence edges between political
// actors, with decay toward neutral and deterministic interaction deltas.
package court

import "sort"

// Edge is a directed relationship: how the source actor regards the
// target. Existence is asymmetric; A may hold an edge to B that B never
// reciprocates.
type Edge struct {
	From AdvisorID `json:"from"`
	To   AdvisorID `json:"to"`

	Trust       float64 `json:"trust"`        // -1.0–1.0, 0 is neutral
	InfluenceWt float64 `json:"influence_wt"` // 0.0–1.0
	UpdatedTurn uint64  `json:"updated_turn"`
}

type edgeKey struct {
	from, to AdvisorID
}

// Graph holds every relationship edge for one civilization.
type Graph struct {
	edges map[edgeKey]*Edge
}

// NewGraph creates an empty relationship graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[edgeKey]*Edge)}
}

// Trust returns how much a trusts b. Neutral (0.0) when no edge exists.
func (g *Graph) Trust(a, b AdvisorID) float64 {
	if e, ok := g.edges[edgeKey{a, b}]; ok {
		return e.Trust
	}
	return 0
}

// MutualTrust returns the stronger of the two directed trust values.
func (g *Graph) MutualTrust(a, b AdvisorID) float64 {
	ab, ba := g.Trust(a, b), g.Trust(b, a)
	if ab > ba {
		return ab
	}
	return ba
}

// InfluenceWeight returns a's influence weighting of b, 0 when no edge.
func (g *Graph) InfluenceWeight(a, b AdvisorID) float64 {
	if e, ok := g.edges[edgeKey{a, b}]; ok {
		return e.InfluenceWt
	}
	return 0
}

// ApplyDelta adjusts the a→b edge, creating it if absent. Results are
// clamped into their valid ranges; out-of-range inputs never propagate.
func (g *Graph) ApplyDelta(a, b AdvisorID, trustDelta, influenceDelta float64, turn uint64) {
	key := edgeKey{a, b}
	e, ok := g.edges[key]
	if !ok {
		e = &Edge{From: a, To: b}
		g.edges[key] = e
	}
	e.Trust = Clamp11(e.Trust + trustDelta)
	e.InfluenceWt = Clamp01(e.InfluenceWt + influenceDelta)
	e.UpdatedTurn = turn
}

// DecayAll moves every edge's trust a fixed fraction toward neutral.
// Called once per turn before event processing so event-driven deltas
// dominate over drift.
func (g *Graph) DecayAll(fraction float64, turn uint64) {
	for _, e := range g.edges {
		e.Trust -= e.Trust * fraction
		e.UpdatedTurn = turn
	}
}

// InteractionDelta computes the trust change when two actors co-occur in
// an event with the given valence. Close personalities sharing a
// positive event grow closer; opposed personalities sharing a negative
// one grow apart, and allies weather bad events better than strangers.
// Pure and deterministic given its inputs.
func InteractionDelta(a, b Traits, valence float64) float64 {
	compat := Compatibility(a, b)
	valence = Clamp11(valence)
	if valence >= 0 {
		return valence * (0.2 + 0.8*compat) * interactionScale
	}
	return valence * (0.2 + 0.8*(1-compat)) * interactionScale
}

const interactionScale = 0.1

// Edges returns all edges sorted by (from, to) for deterministic
// iteration and persistence.
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Restore inserts an edge as-is when reconstructing from a snapshot.
func (g *Graph) Restore(e Edge) {
	g.edges[edgeKey{e.From, e.To}] = &e
}
