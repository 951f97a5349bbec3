// Personality model — static trait vectors with capped drift under
// sustained pressure, and the compatibility function used by the
// relationship graph and conspiracy formation.
package court

import "math"

// Ideology is a categorical marker; compatibility rewards a shared one.
type Ideology uint8

const (
	IdeologyTraditionalist Ideology = iota
	IdeologyExpansionist
	IdeologyMercantile
	IdeologyTheocratic
	IdeologyReformist
)

// NumIdeologies is the total number of ideology markers.
const NumIdeologies = 5

// Traits is the personality vector carried by every advisor and leader.
// Scalar traits live in [0, 1]; Ideology is categorical.
type Traits struct {
	Ambition    float64  `json:"ambition"`
	LoyaltyBase float64  `json:"loyalty_base"`
	Corruption  float64  `json:"corruption"`
	Pragmatism  float64  `json:"pragmatism"`
	Ideology    Ideology `json:"ideology"`
}

// TraitDrift is a requested change to the scalar traits. The pipeline
// applies it through ApplyDrift, which caps each component per turn.
type TraitDrift struct {
	Ambition    float64 `json:"ambition"`
	LoyaltyBase float64 `json:"loyalty_base"`
	Corruption  float64 `json:"corruption"`
	Pragmatism  float64 `json:"pragmatism"`
}

// MaxDriftPerTurn caps every trait's movement in a single turn. Without
// the cap, betrayal cascades feed back into themselves and traits pin to
// the extremes within a few turns.
const MaxDriftPerTurn = 0.05

// ApplyDrift returns a new trait vector with the drift applied. Each
// component is capped to ±MaxDriftPerTurn and the result clamped to
// [0, 1]. Pure: the input vector is not mutated.
func ApplyDrift(t Traits, d TraitDrift) Traits {
	t.Ambition = Clamp01(t.Ambition + capDrift(d.Ambition))
	t.LoyaltyBase = Clamp01(t.LoyaltyBase + capDrift(d.LoyaltyBase))
	t.Corruption = Clamp01(t.Corruption + capDrift(d.Corruption))
	t.Pragmatism = Clamp01(t.Pragmatism + capDrift(d.Pragmatism))
	return t
}

func capDrift(v float64) float64 {
	if v > MaxDriftPerTurn {
		return MaxDriftPerTurn
	}
	if v < -MaxDriftPerTurn {
		return -MaxDriftPerTurn
	}
	return v
}

// Compatibility scores how naturally two personalities align, 0.0–1.0.
// Scalar distance accounts for 60%, shared ideology for the rest.
// Deterministic: same inputs always yield the same score.
func Compatibility(a, b Traits) float64 {
	dist := (math.Abs(a.Ambition-b.Ambition) +
		math.Abs(a.Corruption-b.Corruption) +
		math.Abs(a.Pragmatism-b.Pragmatism)) / 3
	score := 0.6 * (1 - dist)
	if a.Ideology == b.Ideology {
		score += 0.4
	}
	return Clamp01(score)
}
