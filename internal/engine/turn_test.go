package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/politsim/internal/config"
	"github.com/talgya/politsim/internal/court"
	"github.com/talgya/politsim/internal/entropy"
)

func newTestSim(t *testing.T, seed int64) *Sim {
	t.Helper()
	cfg := config.Default()
	founder := court.NewFounder(seed)
	civ := founder.Found(1, "Valoria")
	return NewSim(civ, founder, cfg, entropy.NewSeeded(seed), nil)
}

func TestAdvanceTurn(t *testing.T) {
	t.Run("one turn produces a decision and a result", func(t *testing.T) {
		sim := newTestSim(t, 50)

		result, err := sim.AdvanceTurn(context.Background())
		require.NoError(t, err)

		assert.Equal(t, uint64(1), result.Turn)
		assert.Equal(t, sim.Civ.Leader.Name, result.Leader)
		assert.Len(t, result.Roster, len(sim.Civ.Roster))

		// The court settled an agenda item.
		policy := false
		for _, n := range result.Notable {
			if n.Type == "policy" {
				policy = true
			}
		}
		assert.True(t, policy, "every turn resolves its agenda")

		// Every advisor remembers the leader's decision.
		for _, a := range sim.Civ.ActiveAdvisors() {
			assert.Greater(t, sim.Memories.Count(a.ID), 0)
		}
	})

	t.Run("turn counter and stability stay in range over many turns", func(t *testing.T) {
		sim := newTestSim(t, 51)
		for i := range 30 {
			result, err := sim.AdvanceTurn(context.Background())
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), result.Turn)
			assert.GreaterOrEqual(t, result.Stability, 0.0)
			assert.LessOrEqual(t, result.Stability, 1.0)
		}
	})

	t.Run("deterministic with a seeded source and no backend", func(t *testing.T) {
		run := func() []string {
			sim := newTestSim(t, 52)
			var payloads []string
			for range 10 {
				_, err := sim.AdvanceTurn(context.Background())
				require.NoError(t, err)
			}
			for _, ev := range sim.Pipeline.History() {
				payloads = append(payloads, ev.Payload)
			}
			return payloads
		}
		assert.Equal(t, run(), run())
	})
}

func TestAdvanceTurnExternalEvents(t *testing.T) {
	sim := newTestSim(t, 53)
	target := sim.Civ.Roster[0]
	before := target.Loyalty

	sim.QueueExternal(EventSpec{
		Type:         EventCrisis,
		Participants: []court.AdvisorID{target.ID},
		Payload:      "plague ships in the harbor",
		Valence:      -0.7,
		Consequences: []Consequence{
			{Kind: ConsequenceMemory, Advisor: target.ID, Content: "the plague year", Impact: -0.8, Reliability: 1, Tags: []string{court.TagCrisis}},
			{Kind: ConsequenceLoyalty, Advisor: target.ID, Delta: -0.1},
		},
	})

	result, err := sim.AdvanceTurn(context.Background())
	require.NoError(t, err)

	assert.LessOrEqual(t, target.Loyalty, before-0.1+1e-9, "the queued crisis penalty landed")
	crisis := false
	for _, n := range result.Notable {
		if n.Type == "crisis" {
			crisis = true
		}
	}
	assert.True(t, crisis, "external crises surface in the turn result")
}

func TestAdvanceTurnCancellation(t *testing.T) {
	sim := newTestSim(t, 54)
	sim.QueueExternal(EventSpec{
		Type:    EventCrisis,
		Payload: "never applied",
		Consequences: []Consequence{
			{Kind: ConsequenceLoyalty, Advisor: sim.Civ.Roster[0].ID, Delta: -0.5},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := sim.Civ.Roster[0].Loyalty
	_, err := sim.AdvanceTurn(ctx)
	assert.Error(t, err)
	assert.Equal(t, before, sim.Civ.Roster[0].Loyalty, "no partial consequence set lands")
	assert.Empty(t, sim.Pipeline.History())
}

func TestAgendaTopicBands(t *testing.T) {
	sim := newTestSim(t, 55)

	sim.Civ.Stability = 0.2
	crisis := sim.agendaTopic(1)
	sim.Civ.Stability = 0.85
	calm := sim.agendaTopic(1)
	assert.NotEqual(t, crisis.Subject, calm.Subject, "stability bands select different agendas")

	sim.Civ.Stability = 0.5
	assert.NotEqual(t, sim.agendaTopic(1).Subject, sim.agendaTopic(2).Subject, "topics rotate turn over turn")
}

func TestUpdateStability(t *testing.T) {
	t.Run("loyal trusting court trends up", func(t *testing.T) {
		sim := newTestSim(t, 56)
		sim.Civ.Stability = 0.5
		for _, a := range sim.Civ.Roster {
			a.Loyalty = 1.0
			sim.Relations.ApplyDelta(a.ID, court.LeaderID, 1.0, 0, 1)
		}
		sim.updateStability()
		assert.Greater(t, sim.Civ.Stability, 0.5)
	})

	t.Run("disloyal court trends down", func(t *testing.T) {
		sim := newTestSim(t, 57)
		sim.Civ.Stability = 0.8
		for _, a := range sim.Civ.Roster {
			a.Loyalty = 0.0
			sim.Relations.ApplyDelta(a.ID, court.LeaderID, -1.0, 0, 1)
		}
		sim.updateStability()
		assert.Less(t, sim.Civ.Stability, 0.8)
	})

	t.Run("smoothing bounds one-turn movement", func(t *testing.T) {
		sim := newTestSim(t, 58)
		sim.Civ.Stability = 1.0
		for _, a := range sim.Civ.Roster {
			a.Loyalty = 0.0
		}
		sim.updateStability()
		// 0.7 carryover keeps the floor above pure collapse.
		assert.Greater(t, sim.Civ.Stability, 0.5)
	})
}

func TestInformationAsymmetry(t *testing.T) {
	// A live conspiracy must be invisible to the decision path: advice
	// and decisions proceed unchanged because the engine has no route to
	// conspiracy state.
	simA := newTestSim(t, 59)
	simB := newTestSim(t, 59)

	// Same court; plant a conspiracy in B only.
	a0, a1 := simB.Civ.Roster[0], simB.Civ.Roster[1]
	simB.Machine.Restore([]*Conspiracy{{
		ID:      "hidden",
		Members: []court.AdvisorID{a0.ID, a1.ID},
		State:   StateActive,
		Secrecy: 1.0,
	}}, 0)

	topic := DecisionTopic{Subject: "the harvest levy", Candidates: []string{"raise taxes", "lower taxes"}}
	adviceA, err := simA.Decisions.AdviseAll(context.Background(), topic)
	require.NoError(t, err)
	adviceB, err := simB.Decisions.AdviseAll(context.Background(), topic)
	require.NoError(t, err)

	assert.Equal(t, adviceA, adviceB, "undiscovered plots leave no trace in advice")
	assert.Equal(t, simA.Decisions.Decide(adviceA, topic), simB.Decisions.Decide(adviceB, topic))
}
