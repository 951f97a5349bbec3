// Package engine runs a civilization's political life: the event
// pipeline, the decision engine, the conspiracy state machine, and the
// per-turn orchestrator that sequences them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/talgya/politsim/internal/config"
	"github.com/talgya/politsim/internal/court"
)

// EventType classifies a political occurrence.
type EventType uint8

const (
	EventDecision EventType = iota
	EventCrisis
	EventConspiracy
	EventCoup
	EventAppointment
)

// Priority orders event processing within a turn; lower runs first.
// Coup resolution is never pre-empted by lower-priority noise.
func (t EventType) Priority() int {
	switch t {
	case EventCoup:
		return 0
	case EventCrisis:
		return 1
	case EventConspiracy:
		return 2
	case EventDecision:
		return 3
	case EventAppointment:
		return 4
	}
	return 5
}

// EventTypeName returns a human-readable event type name.
func EventTypeName(t EventType) string {
	switch t {
	case EventDecision:
		return "decision"
	case EventCrisis:
		return "crisis"
	case EventConspiracy:
		return "conspiracy"
	case EventCoup:
		return "coup"
	case EventAppointment:
		return "appointment"
	}
	return "unknown"
}

// ConsequenceKind selects which fields of a Consequence are meaningful.
type ConsequenceKind uint8

const (
	ConsequenceMemory    ConsequenceKind = iota // write a memory for Advisor
	ConsequenceTrust                            // adjust the From→To edge
	ConsequenceLoyalty                          // adjust Advisor loyalty by Delta
	ConsequenceInfluence                        // adjust Advisor influence by Delta
	ConsequenceDrift                            // apply capped trait drift to Advisor
	ConsequenceTamper                           // degrade one memory's reliability
	ConsequenceAppoint                          // seat a fresh advisor in Role
	ConsequenceFollowOn                         // enqueue a cascading event
)

// Consequence is one element of an event's ordered consequence list.
// A flat struct keyed by Kind; unused fields stay zero.
type Consequence struct {
	Kind ConsequenceKind `json:"kind"`

	Advisor court.AdvisorID `json:"advisor,omitempty"`

	// Memory write. The same event is experienced differently by each
	// witness, so impact and reliability are per-consequence.
	Content     string   `json:"content,omitempty"`
	Impact      float64  `json:"impact,omitempty"`
	Reliability float64  `json:"reliability,omitempty"`
	DecayRate   float64  `json:"decay_rate,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Trust edge delta.
	From             court.AdvisorID `json:"from,omitempty"`
	To               court.AdvisorID `json:"to,omitempty"`
	TrustDelta       float64         `json:"trust_delta,omitempty"`
	InfluenceWtDelta float64         `json:"influence_wt_delta,omitempty"`

	// Loyalty / influence delta.
	Delta float64 `json:"delta,omitempty"`

	// Personality drift.
	Drift court.TraitDrift `json:"drift,omitempty"`

	// Memory tampering.
	MemoryID string  `json:"memory_id,omitempty"`
	Factor   float64 `json:"factor,omitempty"`

	// Appointment.
	Role court.Role `json:"role,omitempty"`

	// Follow-on event.
	FollowOn *EventSpec `json:"follow_on,omitempty"`
}

// EventSpec describes an event to be enqueued.
type EventSpec struct {
	Type         EventType         `json:"type"`
	Participants []court.AdvisorID `json:"participants"`
	Payload      string            `json:"payload"`
	Valence      float64           `json:"valence"`
	Consequences []Consequence     `json:"consequences,omitempty"`
}

// PoliticalEvent is an occurrence and its derived consequences.
// Immutable once applied; it then becomes a historical record that
// memories reference by id.
type PoliticalEvent struct {
	ID           uint64            `json:"id"`
	Type         EventType         `json:"type"`
	Participants []court.AdvisorID `json:"participants"`
	Payload      string            `json:"payload"`
	Valence      float64           `json:"valence"` // -1.0–1.0
	Consequences []Consequence     `json:"consequences,omitempty"`
	Turn         uint64            `json:"turn"`
}

// Pipeline ingests political events and applies their consequences to
// the memory store, the relationship graph, and advisor state.
type Pipeline struct {
	civ       *court.Civilization
	memories  *court.MemoryStore
	relations *court.Graph
	founder   *court.Founder
	cfg       *config.Config

	nextID  uint64
	pending []*PoliticalEvent
	history []*PoliticalEvent

	// Data-consistency faults absorbed this session (dropped events).
	Faults int
}

// NewPipeline wires a pipeline to one civilization's state.
func NewPipeline(civ *court.Civilization, memories *court.MemoryStore, relations *court.Graph, founder *court.Founder, cfg *config.Config) *Pipeline {
	return &Pipeline{
		civ:       civ,
		memories:  memories,
		relations: relations,
		founder:   founder,
		cfg:       cfg,
		nextID:    1,
	}
}

// Enqueue records a new pending event and returns its id.
func (p *Pipeline) Enqueue(spec EventSpec) uint64 {
	ev := &PoliticalEvent{
		ID:           p.nextID,
		Type:         spec.Type,
		Participants: spec.Participants,
		Payload:      spec.Payload,
		Valence:      court.Clamp11(spec.Valence),
		Consequences: spec.Consequences,
		Turn:         p.civ.Turn,
	}
	p.nextID++
	p.pending = append(p.pending, ev)
	return ev.ID
}

// Pending returns how many events await processing.
func (p *Pipeline) Pending() int {
	return len(p.pending)
}

// History returns the applied events, oldest first.
func (p *Pipeline) History() []*PoliticalEvent {
	return p.history
}

// SetNextID restores the id counter from a snapshot.
func (p *Pipeline) SetNextID(id uint64) {
	p.nextID = id
}

// NextID returns the id the next enqueued event will receive.
func (p *Pipeline) NextID() uint64 {
	return p.nextID
}

// RestoreHistory appends a historical event during snapshot load.
func (p *Pipeline) RestoreHistory(ev PoliticalEvent) {
	p.history = append(p.history, &ev)
}

// Process drains the pending queue in priority order (coup > crisis >
// conspiracy > decision > appointment, lowest id first within a
// priority) and applies each event's consequence set atomically.
// Follow-on events enqueued by consequences are processed in the same
// drain. Cancellation aborts between events, never mid-event, so an
// aborted turn leaves no partially-applied consequence set.
func (p *Pipeline) Process(ctx context.Context) ([]*PoliticalEvent, error) {
	var applied []*PoliticalEvent

	for len(p.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		sort.Slice(p.pending, func(i, j int) bool {
			pi, pj := p.pending[i].Type.Priority(), p.pending[j].Type.Priority()
			if pi != pj {
				return pi < pj
			}
			return p.pending[i].ID < p.pending[j].ID
		})

		ev := p.pending[0]
		p.pending = p.pending[1:]

		if err := p.validate(ev); err != nil {
			// Data-consistency fault: drop and log, turn continues.
			p.Faults++
			slog.Warn("dropping inconsistent event",
				"event_id", ev.ID,
				"type", EventTypeName(ev.Type),
				"error", err,
			)
			continue
		}

		p.apply(ev)
		p.history = append(p.history, ev)
		applied = append(applied, ev)
	}

	return applied, nil
}

// validate checks every reference an event carries before anything is
// applied; this is what makes per-event application all-or-nothing.
func (p *Pipeline) validate(ev *PoliticalEvent) error {
	for _, id := range ev.Participants {
		if err := p.checkActor(id); err != nil {
			return err
		}
	}
	for _, c := range ev.Consequences {
		switch c.Kind {
		case ConsequenceMemory, ConsequenceLoyalty, ConsequenceInfluence, ConsequenceDrift, ConsequenceTamper:
			if err := p.checkActor(c.Advisor); err != nil {
				return err
			}
		case ConsequenceTrust:
			if err := p.checkActor(c.From); err != nil {
				return err
			}
			if err := p.checkActor(c.To); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) checkActor(id court.AdvisorID) error {
	if id == court.LeaderID {
		return nil
	}
	a := p.civ.Advisor(id)
	if a == nil {
		return fmt.Errorf("unknown advisor %d", id)
	}
	if !a.Active() {
		return fmt.Errorf("advisor %d has terminal status", id)
	}
	return nil
}

// apply runs the full consequence list of a validated event, then the
// implicit co-participation trust updates.
func (p *Pipeline) apply(ev *PoliticalEvent) {
	for _, c := range ev.Consequences {
		p.applyConsequence(ev, c)
	}

	// Co-participants experience the event together: trust shifts as a
	// deterministic function of personality distance and event valence.
	for i, a := range ev.Participants {
		for j, b := range ev.Participants {
			if i == j {
				continue
			}
			ta, ok := p.traitsOf(a)
			if !ok {
				continue
			}
			tb, ok := p.traitsOf(b)
			if !ok {
				continue
			}
			delta := court.InteractionDelta(ta, tb, ev.Valence)
			p.relations.ApplyDelta(a, b, delta, 0, p.civ.Turn)
		}
	}
}

func (p *Pipeline) applyConsequence(ev *PoliticalEvent, c Consequence) {
	switch c.Kind {
	case ConsequenceMemory:
		rate := c.DecayRate
		if rate <= 0 {
			rate = p.cfg.Memory.DefaultDecayRate
		}
		_, err := p.memories.Store(c.Advisor, court.Memory{
			EventID:         ev.ID,
			Content:         c.Content,
			EmotionalImpact: c.Impact,
			Reliability:     c.Reliability,
			DecayRate:       rate,
			CreatedTurn:     p.civ.Turn,
			Tags:            c.Tags,
		})
		if err != nil {
			// Validated before apply; a failure here means the roster
			// changed mid-event, which the one-turn-in-flight rule
			// prevents. Log for diagnostics.
			slog.Warn("memory write failed", "event_id", ev.ID, "error", err)
		}

	case ConsequenceTrust:
		p.relations.ApplyDelta(c.From, c.To, c.TrustDelta, c.InfluenceWtDelta, p.civ.Turn)

	case ConsequenceLoyalty:
		if a := p.civ.Advisor(c.Advisor); a != nil {
			a.Loyalty = court.Clamp01(a.Loyalty + c.Delta)
		}

	case ConsequenceInfluence:
		if a := p.civ.Advisor(c.Advisor); a != nil {
			a.Influence = court.Clamp01(a.Influence + c.Delta)
		}

	case ConsequenceDrift:
		if c.Advisor == court.LeaderID {
			p.civ.Leader.Traits = court.ApplyDrift(p.civ.Leader.Traits, c.Drift)
		} else if a := p.civ.Advisor(c.Advisor); a != nil {
			a.Traits = court.ApplyDrift(a.Traits, c.Drift)
		}

	case ConsequenceTamper:
		p.memories.Tamper(c.Advisor, c.MemoryID, c.Factor)

	case ConsequenceAppoint:
		adv := p.founder.Appoint(c.Role, p.civ.Turn)
		p.civ.Roster = append(p.civ.Roster, adv)
		p.civ.Reindex()
		slog.Info("advisor appointed",
			"civ", p.civ.Name,
			"advisor", adv.Name,
			"role", court.RoleName(adv.Role),
		)

	case ConsequenceFollowOn:
		if c.FollowOn != nil {
			p.Enqueue(*c.FollowOn)
		}
	}
}

func (p *Pipeline) traitsOf(id court.AdvisorID) (court.Traits, bool) {
	if id == court.LeaderID {
		return p.civ.Leader.Traits, true
	}
	if a := p.civ.Advisor(id); a != nil {
		return a.Traits, true
	}
	return court.Traits{}, false
}
