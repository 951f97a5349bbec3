// Turn orchestrator — sequences one civilization's political turn and
// assembles the result handed back to the surrounding game layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/talgya/politsim/internal/config"
	"github.com/talgya/politsim/internal/court"
	"github.com/talgya/politsim/internal/entropy"
)

// Sim holds one civilization's complete political state and wires the
// components together. All state inside a Sim is mutated by exactly one
// in-flight turn at a time; separate civilizations may advance on
// separate goroutines without shared locking.
type Sim struct {
	Civ       *court.Civilization
	Memories  *court.MemoryStore
	Relations *court.Graph
	Pipeline  *Pipeline
	Machine   *Machine
	Decisions *DecisionEngine
	Founder   *court.Founder

	cfg *config.Config

	turnMu sync.Mutex // one in-flight turn

	// External events (diplomacy results, combat outcomes, espionage)
	// queue here and are admitted only at turn boundaries, so no
	// cross-civilization write ever lands mid-turn.
	extMu    sync.Mutex
	external []EventSpec
}

// NewSim assembles a simulation for one civilization. The backend may
// be nil; everything then runs rule-based.
func NewSim(civ *court.Civilization, founder *court.Founder, cfg *config.Config, rng *entropy.Source, backend AdviceBackend) *Sim {
	statusOf := func(id court.AdvisorID) (court.Status, bool) {
		if id == court.LeaderID {
			return court.StatusActive, true
		}
		a := civ.Advisor(id)
		if a == nil {
			return 0, false
		}
		return a.Status, true
	}

	memories := court.NewMemoryStore(statusOf, cfg.Memory.PruneFloor, cfg.Memory.HandoffDiscount)
	relations := court.NewGraph()
	pipeline := NewPipeline(civ, memories, relations, founder, cfg)
	machine := NewMachine(&cfg.Conspiracy, rng)
	decisions := NewDecisionEngine(civ, memories, relations, backend, cfg.Backend.Timeout)

	return &Sim{
		Civ:       civ,
		Memories:  memories,
		Relations: relations,
		Pipeline:  pipeline,
		Machine:   machine,
		Decisions: decisions,
		Founder:   founder,
		cfg:       cfg,
	}
}

// QueueExternal accepts an event from outside the civilization (the
// game layer, or another civilization's espionage). It is applied at
// the next turn boundary.
func (s *Sim) QueueExternal(spec EventSpec) {
	s.extMu.Lock()
	s.external = append(s.external, spec)
	s.extMu.Unlock()
}

// Notable is a player-visible occurrence surfaced in the turn result.
type Notable struct {
	Turn        uint64 `json:"turn"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// RosterEntry is a snapshot of one advisor for the game layer.
type RosterEntry struct {
	ID        court.AdvisorID `json:"id"`
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Loyalty   float64         `json:"loyalty"`
	Influence float64         `json:"influence"`
	Status    court.Status    `json:"status"`
}

// TurnResult is what the surrounding game loop receives each turn.
type TurnResult struct {
	CivID     uint64        `json:"civ_id"`
	Turn      uint64        `json:"turn"`
	Leader    string        `json:"leader"`
	Stability float64       `json:"stability"`
	Notable   []Notable     `json:"notable,omitempty"`
	Roster    []RosterEntry `json:"roster"`
}

// AdvanceTurn runs one full political turn. Cancellation aborts between
// events — an aborted turn never leaves a partially-applied consequence
// set. Internal faults degrade behavior and are logged; only the
// context's error propagates.
func (s *Sim) AdvanceTurn(ctx context.Context) (*TurnResult, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.Civ.Turn++
	turn := s.Civ.Turn
	historyMark := len(s.Pipeline.History())

	// Turn boundary: admit queued external events.
	s.extMu.Lock()
	ext := s.external
	s.external = nil
	s.extMu.Unlock()
	for _, spec := range ext {
		s.Pipeline.Enqueue(spec)
	}

	// Drift first, so event-driven deltas dominate over decay.
	s.Relations.DecayAll(s.cfg.Relations.DecayFraction, turn)

	if _, err := s.Pipeline.Process(ctx); err != nil {
		return nil, err
	}

	// Decision phase: the court weighs this turn's agenda.
	topic := s.agendaTopic(turn)
	advice, err := s.Decisions.AdviseAll(ctx, topic)
	if err != nil {
		return nil, err
	}
	if len(advice) > 0 {
		decision := s.Decisions.Decide(advice, topic)
		s.Decisions.EmitDecision(s.Pipeline, topic, decision, advice)
		if _, err := s.Pipeline.Process(ctx); err != nil {
			return nil, err
		}
	}

	// Conspiracies re-evaluate after the day's politics.
	if err := s.Machine.Evaluate(ctx, s.Civ, s.Relations, s.Pipeline, turn); err != nil {
		return nil, err
	}
	if _, err := s.Pipeline.Process(ctx); err != nil {
		return nil, err
	}

	// Memories fade; what was not recalled this turn slips away.
	prunedTotal := 0
	for _, a := range s.Civ.Roster {
		prunedTotal += s.Memories.Decay(a.ID, turn)
	}
	prunedTotal += s.Memories.Decay(court.LeaderID, turn)

	s.updateStability()

	result := s.buildResult(historyMark)

	slog.Info("turn complete",
		"civ", s.Civ.Name,
		"turn", turn,
		"stability", fmt.Sprintf("%.3f", s.Civ.Stability),
		"events", len(s.Pipeline.History())-historyMark,
		"memories_pruned", prunedTotal,
		"faults", s.Pipeline.Faults,
	)

	return result, nil
}

// agendaTopic picks this turn's matter for the court. Stability bands
// select the theme; rotation within a band keeps topics moving.
// Deterministic given (stability band, turn).
func (s *Sim) agendaTopic(turn uint64) DecisionTopic {
	var pool []DecisionTopic
	switch {
	case s.Civ.Stability < 0.4:
		pool = crisisAgenda
	case s.Civ.Stability < 0.7:
		pool = strainedAgenda
	default:
		pool = prosperousAgenda
	}
	return pool[turn%uint64(len(pool))]
}

var crisisAgenda = []DecisionTopic{
	{Subject: "unrest in the streets", Candidates: []string{"purge dissent", "hold festival", "lower taxes"}, Urgency: 0.9},
	{Subject: "a rival court's ultimatum", Candidates: []string{"wage war", "negotiate", "fortify borders"}, Urgency: 0.8},
	{Subject: "whispers of treachery", Candidates: []string{"spy on rivals", "purge dissent", "negotiate"}, Urgency: 0.9},
}

var strainedAgenda = []DecisionTopic{
	{Subject: "the treasury's strain", Candidates: []string{"raise taxes", "expand trade", "lower taxes"}, Urgency: 0.5},
	{Subject: "border skirmishes", Candidates: []string{"fortify borders", "negotiate", "wage war"}, Urgency: 0.6},
	{Subject: "the temples' petition", Candidates: []string{"fund temples", "raise taxes", "hold festival"}, Urgency: 0.4},
}

var prosperousAgenda = []DecisionTopic{
	{Subject: "where to spend the surplus", Candidates: []string{"expand trade", "hold festival", "fund temples"}, Urgency: 0.3},
	{Subject: "a neighbor's trade overture", Candidates: []string{"expand trade", "negotiate", "spy on rivals"}, Urgency: 0.3},
	{Subject: "the question of succession games", Candidates: []string{"hold festival", "fortify borders", "fund temples"}, Urgency: 0.4},
}

// updateStability recomputes the political-stability scalar from mean
// loyalty, the court's trust in the leader, and live conspiracy
// pressure, smoothed against the previous value.
func (s *Sim) updateStability() {
	active := s.Civ.ActiveAdvisors()
	if len(active) == 0 {
		s.Civ.Stability = court.Clamp01(s.Civ.Stability * 0.9)
		return
	}

	loyaltySum, trustSum := 0.0, 0.0
	for _, a := range active {
		loyaltySum += a.Loyalty
		trustSum += (s.Relations.Trust(a.ID, court.LeaderID) + 1) / 2
	}
	avgLoyalty := loyaltySum / float64(len(active))
	avgTrust := trustSum / float64(len(active))

	pressure := 0.0
	for _, c := range s.Machine.Active() {
		if c.State == StateActive || c.State == StateAttempting {
			defense := s.Machine.LeaderDefense(s.Civ, c)
			pressure += c.CombinedInfluence / (c.CombinedInfluence + defense + 1e-9)
		}
	}
	if pressure > 1 {
		pressure = 1
	}

	fresh := 0.5*avgLoyalty + 0.3*avgTrust + 0.2*(1-pressure)
	s.Civ.Stability = court.Clamp01(0.7*s.Civ.Stability + 0.3*fresh)
}

// buildResult assembles the turn's outward-facing summary. Coups,
// purges, and policy shifts are notable; internal faults never surface
// here.
func (s *Sim) buildResult(historyMark int) *TurnResult {
	result := &TurnResult{
		CivID:     s.Civ.ID,
		Turn:      s.Civ.Turn,
		Leader:    s.Civ.Leader.Name,
		Stability: s.Civ.Stability,
	}

	history := s.Pipeline.History()
	for _, ev := range history[historyMark:] {
		switch ev.Type {
		case EventCoup, EventCrisis, EventAppointment:
			result.Notable = append(result.Notable, Notable{
				Turn:        ev.Turn,
				Type:        EventTypeName(ev.Type),
				Description: ev.Payload,
			})
		case EventDecision:
			result.Notable = append(result.Notable, Notable{
				Turn:        ev.Turn,
				Type:        "policy",
				Description: ev.Payload,
			})
		}
	}

	for _, a := range s.Civ.Roster {
		result.Roster = append(result.Roster, RosterEntry{
			ID:        a.ID,
			Name:      a.Name,
			Role:      court.RoleName(a.Role),
			Loyalty:   a.Loyalty,
			Influence: a.Influence,
			Status:    a.Status,
		})
	}

	return result
}
