// Conspiracy and coup state machine. Conspiracy state lives here and is
// handed to nothing on the decision engine's leader-facing path, so the
// leader structurally cannot query it; only explicit discovery events
// cross that wall.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/talgya/politsim/internal/config"
	"github.com/talgya/politsim/internal/court"
	"github.com/talgya/politsim/internal/entropy"
)

// ConspiracyState tracks a plot's lifecycle:
// forming → active → {dissolved | attempting → {succeeded | failed}}.
type ConspiracyState uint8

const (
	StateForming ConspiracyState = iota
	StateActive
	StateAttempting
	StateDissolved
	StateSucceeded
	StateFailed
)

// StateName returns a human-readable state name.
func StateName(s ConspiracyState) string {
	switch s {
	case StateForming:
		return "forming"
	case StateActive:
		return "active"
	case StateAttempting:
		return "attempting"
	case StateDissolved:
		return "dissolved"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the conspiracy has resolved.
func (s ConspiracyState) Terminal() bool {
	return s == StateDissolved || s == StateSucceeded || s == StateFailed
}

// Conspiracy is a private, mutually-trusting subset of advisors working
// toward a coup. Membership is invisible to the leader unless a
// discovery event says otherwise.
type Conspiracy struct {
	ID         string            `json:"id"`
	Members    []court.AdvisorID `json:"members"`
	FormedTurn uint64            `json:"formed_turn"`
	State      ConspiracyState   `json:"state"`

	// CombinedInfluence sums member influence weighted by mutual trust.
	CombinedInfluence float64 `json:"combined_influence"`
	// Secrecy starts at 1 and falls with every extra member; more
	// mouths leak more easily.
	Secrecy float64 `json:"secrecy"`
}

// Machine evaluates conspiracy formation, growth, and coup resolution
// once per turn.
type Machine struct {
	cfg *config.ConspiracyConfig
	rng *entropy.Source

	conspiracies []*Conspiracy

	// cooldown raises the detection floor after a failed coup.
	cooldown uint64
}

// NewMachine creates the state machine with a chance source. A seeded
// source makes every resolution replayable.
func NewMachine(cfg *config.ConspiracyConfig, rng *entropy.Source) *Machine {
	return &Machine{cfg: cfg, rng: rng}
}

// Active returns the currently live conspiracies (forming, active, or
// attempting), in formation order.
func (m *Machine) Active() []*Conspiracy {
	var out []*Conspiracy
	for _, c := range m.conspiracies {
		if !c.State.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

// All returns every conspiracy ever tracked, for persistence.
func (m *Machine) All() []*Conspiracy {
	return m.conspiracies
}

// Cooldown returns the remaining security-measures turns.
func (m *Machine) Cooldown() uint64 {
	return m.cooldown
}

// Restore reinstates machine state from a snapshot.
func (m *Machine) Restore(conspiracies []*Conspiracy, cooldown uint64) {
	m.conspiracies = conspiracies
	m.cooldown = cooldown
}

// detectionFloor is the secrecy level below which the leader's security
// apparatus preempts an attempt; it rises during the cooldown after a
// failed coup.
func (m *Machine) detectionFloor() float64 {
	if m.cooldown > 0 {
		return m.cfg.RaisedDetectionFloor
	}
	return m.cfg.DetectionFloor
}

// Evaluate advances the state machine by one turn: forms new plots,
// grows or dissolves existing ones, escalates to attempts, and resolves
// coups. Record events for memories and penalties are enqueued on the
// pipeline; coup events are processed inside the resolution step so the
// succession lands only after the record is applied.
func (m *Machine) Evaluate(ctx context.Context, civ *court.Civilization, relations *court.Graph, p *Pipeline, turn uint64) error {
	if m.cooldown > 0 {
		m.cooldown--
	}

	m.formConspiracies(civ, relations, p, turn)
	m.growAndScore(civ, relations)
	m.dissolveRecovered(civ, p, turn)
	m.escalate(civ, relations, turn)
	return m.resolveAttempts(ctx, civ, relations, p, turn)
}

// formConspiracies seeds a plot when an advisor's loyalty crosses below
// the low-loyalty threshold and a mutual-trust partner exists.
// Membership only ever grows by mutual-trust invitation.
func (m *Machine) formConspiracies(civ *court.Civilization, relations *court.Graph, p *Pipeline, turn uint64) {
	plotting := m.memberSet()

	for _, a := range civ.ActiveAdvisors() {
		if a.Loyalty >= m.cfg.LowLoyalty || plotting[a.ID] {
			continue
		}

		// Find the most-trusted willing partner.
		var partner *court.Advisor
		bestTrust := m.cfg.SecrecyTrust
		for _, b := range civ.ActiveAdvisors() {
			if b.ID == a.ID || plotting[b.ID] {
				continue
			}
			if t := relations.MutualTrust(a.ID, b.ID); t >= bestTrust {
				partner, bestTrust = b, t
			}
		}
		if partner == nil {
			continue
		}

		c := &Conspiracy{
			ID:         uuid.NewString(),
			Members:    []court.AdvisorID{a.ID, partner.ID},
			FormedTurn: turn,
			State:      StateForming,
			Secrecy:    1,
		}
		m.conspiracies = append(m.conspiracies, c)
		plotting[a.ID], plotting[partner.ID] = true, true

		// Two mutually-trusting members make the plot live.
		c.State = StateActive

		p.Enqueue(EventSpec{
			Type:         EventConspiracy,
			Participants: []court.AdvisorID{a.ID, partner.ID},
			Payload:      "whispers in a shadowed corridor",
			Valence:      0.3, // conspirators bond
			Consequences: []Consequence{
				{Kind: ConsequenceMemory, Advisor: a.ID, Content: fmt.Sprintf("swore a secret pact with %s", partner.Name), Impact: 0.6, Reliability: 0.95, Tags: []string{court.TagConspiracy}},
				{Kind: ConsequenceMemory, Advisor: partner.ID, Content: fmt.Sprintf("swore a secret pact with %s", a.Name), Impact: 0.5, Reliability: 0.95, Tags: []string{court.TagConspiracy}},
			},
		})

		slog.Debug("conspiracy formed",
			"civ", civ.Name,
			"instigator", a.Name,
			"partner", partner.Name,
			"turn", turn,
		)
	}
}

// growAndScore invites compatible recruits and refreshes each live
// plot's combined influence and secrecy. A recruit must hold mutual
// trust at or above the secrecy threshold with every existing member;
// the pairwise invariant is preserved by construction.
func (m *Machine) growAndScore(civ *court.Civilization, relations *court.Graph) {
	plotting := m.memberSet()

	for _, c := range m.conspiracies {
		if c.State != StateActive {
			continue
		}

		for _, cand := range civ.ActiveAdvisors() {
			if plotting[cand.ID] || cand.Loyalty >= m.cfg.RecoverLoyalty {
				continue
			}
			trusted := true
			for _, mem := range c.Members {
				if relations.MutualTrust(cand.ID, mem) < m.cfg.SecrecyTrust {
					trusted = false
					break
				}
			}
			if trusted {
				c.Members = append(c.Members, cand.ID)
				plotting[cand.ID] = true
			}
		}

		m.score(c, civ, relations)
	}
}

// score recomputes combined influence and secrecy for a plot.
func (m *Machine) score(c *Conspiracy, civ *court.Civilization, relations *court.Graph) {
	combined := 0.0
	for _, id := range c.Members {
		a := civ.Advisor(id)
		if a == nil || !a.Active() {
			continue
		}
		trustSum, n := 0.0, 0
		for _, other := range c.Members {
			if other == id {
				continue
			}
			trustSum += relations.MutualTrust(id, other)
			n++
		}
		avgTrust := 1.0
		if n > 0 {
			avgTrust = trustSum / float64(n)
		}
		combined += a.Influence * court.Clamp01(avgTrust)
	}
	c.CombinedInfluence = combined
	c.Secrecy = court.Clamp01(1 - m.cfg.LeakPerMember*float64(len(c.Members)-1))
}

// dissolveRecovered stands a plot down once every member's loyalty
// recovers above the threshold without an attempt having occurred.
func (m *Machine) dissolveRecovered(civ *court.Civilization, p *Pipeline, turn uint64) {
	for _, c := range m.conspiracies {
		if c.State != StateActive {
			continue
		}
		recovered := true
		for _, id := range c.Members {
			a := civ.Advisor(id)
			if a != nil && a.Active() && a.Loyalty <= m.cfg.RecoverLoyalty {
				recovered = false
				break
			}
		}
		if recovered {
			c.State = StateDissolved
			slog.Debug("conspiracy dissolved", "civ", civ.Name, "members", len(c.Members), "turn", turn)
		}
	}
}

// escalate moves a plot to attempting once its combined influence
// exceeds the leader's defensive strength.
func (m *Machine) escalate(civ *court.Civilization, relations *court.Graph, turn uint64) {
	for _, c := range m.conspiracies {
		if c.State != StateActive {
			continue
		}
		if c.CombinedInfluence > m.LeaderDefense(civ, c) {
			c.State = StateAttempting
			slog.Info("coup attempt brewing",
				"civ", civ.Name,
				"members", len(c.Members),
				"combined_influence", fmt.Sprintf("%.2f", c.CombinedInfluence),
				"turn", turn,
			)
		}
	}
}

// LeaderDefense sums loyal non-member influence plus the leader's own
// security modifier.
func (m *Machine) LeaderDefense(civ *court.Civilization, c *Conspiracy) float64 {
	members := make(map[court.AdvisorID]bool, len(c.Members))
	for _, id := range c.Members {
		members[id] = true
	}

	defense := civ.Leader.SecurityModifier
	if civ.Leader.Style == court.StyleParanoid {
		defense += 0.5
	}
	for _, a := range civ.ActiveAdvisors() {
		if !members[a.ID] && a.Loyalty > 0.5 {
			defense += a.Influence
		}
	}
	return defense
}

// resolveAttempts settles every attempting plot. When two conspiracies
// reach attempting the same turn they resolve in formation order,
// earliest first; a successful coup dissolves the rest, their target
// being gone.
func (m *Machine) resolveAttempts(ctx context.Context, civ *court.Civilization, relations *court.Graph, p *Pipeline, turn uint64) error {
	var attempts []*Conspiracy
	for _, c := range m.conspiracies {
		if c.State == StateAttempting {
			attempts = append(attempts, c)
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		if attempts[i].FormedTurn != attempts[j].FormedTurn {
			return attempts[i].FormedTurn < attempts[j].FormedTurn
		}
		return attempts[i].ID < attempts[j].ID
	})

	for _, c := range attempts {
		if c.State != StateAttempting {
			continue // dissolved by an earlier success this turn
		}
		won, err := m.ResolveCoup(ctx, civ, relations, p, c, turn)
		if err != nil {
			return err
		}
		if won {
			for _, other := range m.conspiracies {
				if other != c && !other.State.Terminal() {
					other.State = StateDissolved
				}
			}
		}
	}
	return nil
}

// ResolveCoup runs one coup attempt to completion and reports success.
// Detection preempts the roll: secrecy at or below the current
// detection floor means the leader moves first and the attempt fails
// outright. Otherwise success probability is
// influence/(influence+defense), modulated by secrecy, drawn from the
// seeded source so identical inputs always resolve identically.
func (m *Machine) ResolveCoup(ctx context.Context, civ *court.Civilization, relations *court.Graph, p *Pipeline, c *Conspiracy, turn uint64) (bool, error) {
	defense := m.LeaderDefense(civ, c)

	if c.Secrecy <= m.detectionFloor() {
		m.failCoup(civ, p, c, turn, true)
		return false, nil
	}

	base := c.CombinedInfluence / (c.CombinedInfluence + defense)
	prob := court.Clamp01(base * (0.75 + 0.5*c.Secrecy))

	if m.rng.Float() < prob {
		return true, m.succeedCoup(ctx, civ, relations, p, c, turn)
	}
	m.failCoup(civ, p, c, turn, false)
	return false, nil
}

// succeedCoup deposes the leader, crowns the highest-influence
// conspirator, and queues the purge of the old guard. The coup record
// and purge are driven through the pipeline before the succession
// lands, so every participant is still active when their memories are
// written.
func (m *Machine) succeedCoup(ctx context.Context, civ *court.Civilization, relations *court.Graph, p *Pipeline, c *Conspiracy, turn uint64) error {
	c.State = StateSucceeded

	var heir *court.Advisor
	for _, id := range c.Members {
		a := civ.Advisor(id)
		if a == nil || !a.Active() {
			continue
		}
		if heir == nil || a.Influence > heir.Influence {
			heir = a
		}
	}
	if heir == nil {
		// Every conspirator died before the throne was taken.
		c.State = StateFailed
		return nil
	}

	oldLeader := civ.Leader.Name

	// Memories and penalties go through the pipeline while the heir is
	// still an active advisor, then the roster change lands.
	var consequences []Consequence
	for _, id := range c.Members {
		a := civ.Advisor(id)
		if a == nil || !a.Active() {
			continue
		}
		consequences = append(consequences,
			Consequence{Kind: ConsequenceMemory, Advisor: id, Content: fmt.Sprintf("we overthrew %s", oldLeader), Impact: 0.9, Reliability: 0.95, Tags: []string{court.TagCoup}},
			Consequence{Kind: ConsequenceLoyalty, Advisor: id, Delta: 0.4},
		)
	}

	// Purge risk for advisors loyal to the old regime, resolved as a
	// secondary event.
	var purged []court.AdvisorID
	for _, a := range civ.ActiveAdvisors() {
		if a.ID != heir.ID && !contains(c.Members, a.ID) && a.Loyalty > 0.5 {
			purged = append(purged, a.ID)
		}
	}
	var purgeCons []Consequence
	for _, id := range purged {
		purgeCons = append(purgeCons,
			Consequence{Kind: ConsequenceMemory, Advisor: id, Content: fmt.Sprintf("survived the purge after %s fell", oldLeader), Impact: -0.8, Reliability: 0.9, Tags: []string{court.TagCoup}},
			Consequence{Kind: ConsequenceLoyalty, Advisor: id, Delta: -0.2},
			Consequence{Kind: ConsequenceInfluence, Advisor: id, Delta: -0.15},
		)
	}
	if len(purged) > 0 {
		consequences = append(consequences, Consequence{
			Kind: ConsequenceFollowOn,
			FollowOn: &EventSpec{
				Type:         EventCrisis,
				Participants: purged,
				Payload:      "purge of the old guard",
				Valence:      -0.6,
				Consequences: purgeCons,
			},
		})
	}

	p.Enqueue(EventSpec{
		Type:         EventCoup,
		Participants: c.Members,
		Payload:      fmt.Sprintf("%s deposed", oldLeader),
		Valence:      0.5,
		Consequences: consequences,
	})
	if _, err := p.Process(ctx); err != nil {
		return err
	}

	// The throne changes hands. The old leader is gone for good; the
	// heir leaves the roster to take the crown.
	civ.Leader = &court.Leader{
		Name:             heir.Name,
		Traits:           heir.Traits,
		Style:            styleForTraits(heir.Traits),
		SecurityModifier: 0.5 + heir.Traits.Ambition*0.5,
		CrownedTurn:      turn,
	}
	heir.Status = court.StatusRetired

	slog.Info("coup succeeded",
		"civ", civ.Name,
		"deposed", oldLeader,
		"new_leader", heir.Name,
		"turn", turn,
	)
	return nil
}

// failCoup punishes the conspirators and raises civilization-wide
// detection for the cooldown period.
func (m *Machine) failCoup(civ *court.Civilization, p *Pipeline, c *Conspiracy, turn uint64, detected bool) {
	c.State = StateFailed

	payload := "the coup collapsed at the palace gates"
	if detected {
		payload = "the plot was discovered before it could strike"
	}

	var consequences []Consequence
	for _, id := range c.Members {
		a := civ.Advisor(id)
		if a == nil || !a.Active() {
			continue
		}
		consequences = append(consequences,
			Consequence{Kind: ConsequenceMemory, Advisor: id, Content: payload, Impact: -0.9, Reliability: 0.95, Tags: []string{court.TagCoup}},
			Consequence{Kind: ConsequenceLoyalty, Advisor: id, Delta: -0.3},
			Consequence{Kind: ConsequenceInfluence, Advisor: id, Delta: -0.3},
			// Betrayal leaves a mark on the betrayer too.
			Consequence{Kind: ConsequenceDrift, Advisor: id, Drift: court.TraitDrift{Corruption: 0.05}},
		)
	}

	// Discovery crosses the information wall: the leader now remembers.
	consequences = append(consequences, Consequence{
		Kind:        ConsequenceMemory,
		Advisor:     court.LeaderID,
		Content:     fmt.Sprintf("crushed a conspiracy of %d advisors", len(c.Members)),
		Impact:      -0.7,
		Reliability: 0.9,
		Tags:        []string{court.TagCoup},
	})

	// Security measures: detection stays raised for the cooldown.
	consequences = append(consequences, Consequence{
		Kind: ConsequenceFollowOn,
		FollowOn: &EventSpec{
			Type:         EventCrisis,
			Participants: nil,
			Payload:      "security measures sweep the court",
			Valence:      -0.3,
		},
	})

	p.Enqueue(EventSpec{
		Type:         EventCoup,
		Participants: c.Members,
		Payload:      payload,
		Valence:      -0.8,
		Consequences: consequences,
	})

	m.cooldown = m.cfg.SecurityCooldown

	slog.Info("coup failed",
		"civ", civ.Name,
		"members", len(c.Members),
		"detected", detected,
		"turn", turn,
	)
}

func (m *Machine) memberSet() map[court.AdvisorID]bool {
	set := make(map[court.AdvisorID]bool)
	for _, c := range m.conspiracies {
		if c.State.Terminal() {
			continue
		}
		for _, id := range c.Members {
			set[id] = true
		}
	}
	return set
}

func styleForTraits(t court.Traits) court.LeadershipStyle {
	switch {
	case t.Ambition > 0.7:
		return court.StyleAuthoritarian
	case t.Pragmatism > 0.7:
		return court.StylePragmatic
	case t.Corruption > 0.5:
		return court.StyleParanoid
	}
	return court.StyleCollegial
}

func contains(ids []court.AdvisorID, id court.AdvisorID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
