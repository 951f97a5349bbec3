// Advisor memory store — timestamped records with salience decay,
// reinforcement on recall, pruning, and second-hand transfer.
package court

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"

	"github.com/google/uuid"
)

// Tags with special meaning to the store.
const (
	TagCoup           = "coup"            // critical: never pruned
	TagLeaderDecision = "leader-decision" // critical: never pruned
	TagSecondhand     = "secondhand"      // applied to transferred copies
	TagConspiracy     = "conspiracy"
	TagCrisis         = "crisis"
)

// ErrTerminalAdvisor is returned when a write targets an advisor whose
// status freezes memory (dismissed, executed, retired).
var ErrTerminalAdvisor = errors.New("advisor has terminal status")

// Memory records one advisor's experience of a political event.
type Memory struct {
	ID        string    `json:"id"`
	AdvisorID AdvisorID `json:"advisor_id"`
	EventID   uint64    `json:"event_id"`
	Content   string    `json:"content"`

	// Set at creation from the originating event and source chain.
	EmotionalImpact float64 `json:"emotional_impact"` // -1.0–1.0
	Reliability     float64 `json:"reliability"`      // 0.0–1.0
	DecayRate       float64 `json:"decay_rate"`       // ≥ 0

	CreatedTurn  uint64   `json:"created_turn"`
	LastAccessed uint64   `json:"last_accessed"`
	Tags         []string `json:"tags,omitempty"`
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// Critical reports whether the memory is protected from pruning.
func (m *Memory) Critical() bool {
	return m.HasTag(TagCoup) || m.HasTag(TagLeaderDecision)
}

// Salience is the memory's effective recall weight at the given turn:
// a base weight from emotional impact and reliability, attenuated
// exponentially by turns since last access. Natural decay never touches
// Reliability itself — only explicit manipulation does.
func (m *Memory) Salience(turn uint64) float64 {
	elapsed := float64(0)
	if turn > m.LastAccessed {
		elapsed = float64(turn - m.LastAccessed)
	}
	base := m.Reliability * (0.25 + 0.75*math.Abs(m.EmotionalImpact))
	return base * math.Exp(-m.DecayRate*elapsed)
}

// MemoryStore holds every advisor's memory stream for one civilization.
type MemoryStore struct {
	byAdvisor map[AdvisorID][]*Memory

	// statusOf resolves an advisor's status; writes to terminal-status
	// advisors are rejected. The leader id always resolves as active.
	statusOf func(AdvisorID) (Status, bool)

	// pruneFloor is the salience below which non-critical memories are
	// eligible for removal.
	pruneFloor float64

	// handoffDiscount multiplies reliability on transferred copies.
	handoffDiscount float64
}

// NewMemoryStore creates an empty store backed by the given status lookup.
func NewMemoryStore(statusOf func(AdvisorID) (Status, bool), pruneFloor, handoffDiscount float64) *MemoryStore {
	return &MemoryStore{
		byAdvisor:       make(map[AdvisorID][]*Memory),
		statusOf:        statusOf,
		pruneFloor:      pruneFloor,
		handoffDiscount: handoffDiscount,
	}
}

// Store records a memory for an advisor and returns its id. Fails if the
// advisor is unknown or has a terminal status.
func (s *MemoryStore) Store(advisorID AdvisorID, m Memory) (string, error) {
	status, ok := s.statusOf(advisorID)
	if !ok {
		return "", fmt.Errorf("store memory: advisor %d: unknown advisor", advisorID)
	}
	if status.Terminal() {
		return "", fmt.Errorf("store memory: advisor %d: %w", advisorID, ErrTerminalAdvisor)
	}

	m.ID = uuid.NewString()
	m.AdvisorID = advisorID
	m.EmotionalImpact = Clamp11(m.EmotionalImpact)
	m.Reliability = Clamp01(m.Reliability)
	if m.DecayRate < 0 {
		m.DecayRate = 0
	}
	if m.LastAccessed < m.CreatedTurn {
		m.LastAccessed = m.CreatedTurn
	}

	s.byAdvisor[advisorID] = append(s.byAdvisor[advisorID], &m)
	return m.ID, nil
}

// Recall returns the advisor's memories matching the tag filter with
// salience at or above minSalience, ordered by salience descending with
// recency breaking ties. The sequence is lazy and restartable: each
// ranged iteration re-snapshots and re-sorts. Yielding a memory
// refreshes its last-accessed turn, which slows its future decay.
func (s *MemoryStore) Recall(advisorID AdvisorID, tagFilter []string, minSalience float64, turn uint64) iter.Seq[Memory] {
	return func(yield func(Memory) bool) {
		stream := s.byAdvisor[advisorID]
		if len(stream) == 0 {
			return
		}

		type ranked struct {
			mem      *Memory
			salience float64
		}
		var matched []ranked
		for _, m := range stream {
			if !matchesTags(m, tagFilter) {
				continue
			}
			sal := m.Salience(turn)
			if sal < minSalience {
				continue
			}
			matched = append(matched, ranked{m, sal})
		}

		sort.Slice(matched, func(i, j int) bool {
			if matched[i].salience != matched[j].salience {
				return matched[i].salience > matched[j].salience
			}
			return matched[i].mem.CreatedTurn > matched[j].mem.CreatedTurn
		})

		for _, r := range matched {
			// Reinforcement: recalling a memory keeps it alive.
			if turn > r.mem.LastAccessed {
				r.mem.LastAccessed = turn
			}
			if !yield(*r.mem) {
				return
			}
		}
	}
}

func matchesTags(m *Memory, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, t := range filter {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

// Decay prunes the advisor's memories whose salience has fallen below
// the prune floor, and returns how many were removed. Critical memories
// and memories accessed this turn are never pruned. Idempotent within a
// turn: repeated calls without a turn advance prune nothing further.
func (s *MemoryStore) Decay(advisorID AdvisorID, turn uint64) int {
	stream := s.byAdvisor[advisorID]
	if len(stream) == 0 {
		return 0
	}

	kept := stream[:0]
	pruned := 0
	for _, m := range stream {
		if m.Critical() || m.LastAccessed >= turn || m.Salience(turn) >= s.pruneFloor {
			kept = append(kept, m)
			continue
		}
		pruned++
	}
	s.byAdvisor[advisorID] = kept
	return pruned
}

// Transfer copies memories matching the tag filter from one advisor to
// another, discounting reliability by the hand-off factor and tagging the
// copies as second-hand. Models degraded knowledge passed to a successor.
func (s *MemoryStore) Transfer(fromID, toID AdvisorID, tagFilter []string, turn uint64) (int, error) {
	status, ok := s.statusOf(toID)
	if !ok {
		return 0, fmt.Errorf("transfer memories: advisor %d: unknown advisor", toID)
	}
	if status.Terminal() {
		return 0, fmt.Errorf("transfer memories: advisor %d: %w", toID, ErrTerminalAdvisor)
	}

	count := 0
	for _, m := range s.byAdvisor[fromID] {
		if !matchesTags(m, tagFilter) {
			continue
		}
		dup := *m
		dup.ID = uuid.NewString()
		dup.AdvisorID = toID
		dup.Reliability = Clamp01(m.Reliability * s.handoffDiscount)
		dup.Tags = append(slices.Clone(m.Tags), TagSecondhand)
		dup.LastAccessed = turn
		s.byAdvisor[toID] = append(s.byAdvisor[toID], &dup)
		count++
	}
	return count, nil
}

// All returns every stored memory, advisor by advisor, for persistence.
func (s *MemoryStore) All() []*Memory {
	var out []*Memory
	for _, stream := range s.byAdvisor {
		out = append(out, stream...)
	}
	return out
}

// Restore inserts a memory as-is, bypassing status checks. Used when
// reconstructing a store from a snapshot.
func (s *MemoryStore) Restore(m Memory) {
	s.byAdvisor[m.AdvisorID] = append(s.byAdvisor[m.AdvisorID], &m)
}

// Count returns the number of memories held for an advisor.
func (s *MemoryStore) Count(advisorID AdvisorID) int {
	return len(s.byAdvisor[advisorID])
}

// Tamper degrades a single memory's reliability by the given factor.
// This is the only path besides transfer that lowers reliability;
// natural decay never does.
func (s *MemoryStore) Tamper(advisorID AdvisorID, memoryID string, factor float64) bool {
	for _, m := range s.byAdvisor[advisorID] {
		if m.ID == memoryID {
			m.Reliability = Clamp01(m.Reliability * Clamp01(factor))
			return true
		}
	}
	return false
}
