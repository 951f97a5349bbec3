// Decision engine — advisor advice and leader decisions. Rule-based by
// default; an optional generative backend substitutes for scoring with
// a mandatory validated fallback.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/politsim/internal/court"
	"github.com/talgya/politsim/internal/llm"
)

// DecisionTopic frames one matter the court must settle.
type DecisionTopic struct {
	Subject    string
	Candidates []string
	Urgency    float64 // 0.0–1.0
}

// Advice is one advisor's counsel on a topic.
type Advice struct {
	AdvisorID  court.AdvisorID `json:"advisor_id"`
	Action     string          `json:"action"`
	Confidence float64         `json:"confidence"` // 0.0–1.0
	Rationale  string          `json:"rationale,omitempty"`

	// Valence is the advisor's disposition while advising, derived from
	// recalled memories and loyalty. Negative-valence advice that gets
	// overridden costs the leader loyalty.
	Valence float64 `json:"valence"`
}

// Decision is the leader's resolution of a topic.
type Decision struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// AdviceBackend is the narrow contract a generative capability must
// satisfy. The rule-based engine and any future backend are
// interchangeable behind it.
type AdviceBackend interface {
	Enabled() bool
	GenerateAdvice(ctx context.Context, req *llm.AdviceRequest) (*llm.AdviceResult, error)
}

// DecisionEngine produces advice and decisions for one civilization.
// It deliberately has no access to conspiracy state: the leader's query
// path cannot read what it is not given.
type DecisionEngine struct {
	civ       *court.Civilization
	memories  *court.MemoryStore
	relations *court.Graph

	backend AdviceBackend // nil disables the generative path
	timeout time.Duration

	// Backend failures absorbed by the rule-based fallback.
	Fallbacks int

	mu sync.Mutex // guards Fallbacks under batched advising
}

// NewDecisionEngine wires the engine to a civilization's queryable state.
func NewDecisionEngine(civ *court.Civilization, memories *court.MemoryStore, relations *court.Graph, backend AdviceBackend, timeout time.Duration) *DecisionEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DecisionEngine{
		civ:       civ,
		memories:  memories,
		relations: relations,
		backend:   backend,
		timeout:   timeout,
	}
}

// Advise produces one advisor's counsel. When a backend is configured
// it is tried first within a bounded wait; on timeout, transport
// failure, or a structurally invalid reply, the rule-based path answers
// instead — that fallback is the engine's primary reliability
// safeguard, and no backend fault ever escapes this call.
func (e *DecisionEngine) Advise(ctx context.Context, advisorID court.AdvisorID, topic DecisionTopic) (Advice, error) {
	adv := e.civ.Advisor(advisorID)
	if adv == nil || !adv.Active() {
		return Advice{}, fmt.Errorf("advise: unknown or inactive advisor %d", advisorID)
	}

	memMood, memoryLines := e.recallForTopic(advisorID, topic)
	valence := court.Clamp11(memMood + (adv.Loyalty - 0.5))

	if e.backend != nil && e.backend.Enabled() {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		result, err := e.backend.GenerateAdvice(callCtx, e.buildRequest(adv, topic, memoryLines))
		cancel()
		if err == nil {
			return Advice{
				AdvisorID:  advisorID,
				Action:     result.Action,
				Confidence: result.Confidence,
				Rationale:  result.Rationale,
				Valence:    valence,
			}, nil
		}
		e.mu.Lock()
		e.Fallbacks++
		e.mu.Unlock()
		slog.Debug("backend advice failed, using rule-based path",
			"advisor", adv.Name, "error", err)
	}

	action, confidence := e.scoreCandidates(adv, topic, memMood)
	return Advice{
		AdvisorID:  advisorID,
		Action:     action,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("%s counsel from the %s portfolio", leaning(valence), court.RoleName(adv.Role)),
		Valence:    valence,
	}, nil
}

// AdviseAll gathers counsel from every active advisor. Backend queries
// for the same turn run as concurrent outstanding requests, but results
// are reconciled deterministically by advisor id before the caller's
// event ordering step runs.
func (e *DecisionEngine) AdviseAll(ctx context.Context, topic DecisionTopic) ([]Advice, error) {
	advisors := e.civ.ActiveAdvisors()
	out := make([]Advice, len(advisors))

	if e.backend != nil && e.backend.Enabled() {
		g, gctx := errgroup.WithContext(ctx)
		for i, adv := range advisors {
			g.Go(func() error {
				a, err := e.Advise(gctx, adv.ID, topic)
				if err != nil {
					return err
				}
				out[i] = a
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, adv := range advisors {
			a, err := e.Advise(ctx, adv.ID, topic)
			if err != nil {
				return nil, err
			}
			out[i] = a
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AdvisorID < out[j].AdvisorID })
	return out, nil
}

// Decide resolves a topic from the gathered advice. Advice is weighted
// by the leader's trust in each advisor and the advisor's influence,
// blended with the leader's own leanings according to leadership style.
// Deterministic: ties fall to the earlier candidate.
func (e *DecisionEngine) Decide(advice []Advice, topic DecisionTopic) Decision {
	leader := e.civ.Leader

	support := make([]float64, len(topic.Candidates))
	for _, a := range advice {
		adv := e.civ.Advisor(a.AdvisorID)
		if adv == nil {
			continue
		}
		trust := (e.relations.Trust(court.LeaderID, a.AdvisorID) + 1) / 2
		weight := trust * (0.4 + 0.6*adv.Influence) * a.Confidence
		for i, c := range topic.Candidates {
			if c == a.Action {
				support[i] += weight
			}
		}
	}

	// The leader's own preference, scored from their traits.
	ownScores := make([]float64, len(topic.Candidates))
	for i, c := range topic.Candidates {
		f := featuresFor(c)
		risk := court.Clamp01(leader.Traits.Ambition*0.7 + (1-leader.Traits.Pragmatism)*0.3)
		ownScores[i] = f.Boldness*risk + (1-f.Risk)*(1-risk) + f.Benevolence*(1-leader.Traits.Corruption)*0.5
	}

	adviceWeight := styleAdviceWeight(leader.Style)
	best, bestScore := 0, -1.0
	total := 0.0
	for i := range topic.Candidates {
		score := adviceWeight*support[i] + (1-adviceWeight)*ownScores[i]
		total += score
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	confidence := 0.5
	if total > 0 {
		confidence = court.Clamp01(bestScore / total)
	}

	return Decision{
		Action:     topic.Candidates[best],
		Confidence: confidence,
		Rationale:  fmt.Sprintf("resolved %s", topic.Subject),
	}
}

// EmitDecision records the decision as a pipeline event: every advisor
// remembers it (witness-specific impact), and when the decision
// contradicts a majority of negative-valence advice the overridden
// advisors take loyalty penalties.
func (e *DecisionEngine) EmitDecision(p *Pipeline, topic DecisionTopic, d Decision, advice []Advice) uint64 {
	var participants []court.AdvisorID
	var consequences []Consequence

	overridden := 0
	for _, a := range advice {
		participants = append(participants, a.AdvisorID)

		followed := a.Action == d.Action
		impact := 0.3
		if !followed {
			impact = -0.2 - 0.3*a.Confidence
		}
		consequences = append(consequences, Consequence{
			Kind:        ConsequenceMemory,
			Advisor:     a.AdvisorID,
			Content:     fmt.Sprintf("the leader chose to %s on %s", d.Action, topic.Subject),
			Impact:      impact,
			Reliability: 0.9, // first-hand witness
			Tags:        []string{court.TagLeaderDecision},
		})

		if !followed && a.Valence < 0 {
			overridden++
		}
	}

	if overridden > len(advice)/2 {
		for _, a := range advice {
			if a.Action != d.Action && a.Valence < 0 {
				consequences = append(consequences,
					Consequence{Kind: ConsequenceLoyalty, Advisor: a.AdvisorID, Delta: -0.1},
					Consequence{Kind: ConsequenceTrust, From: a.AdvisorID, To: court.LeaderID, TrustDelta: -0.15},
				)
			}
		}
	}

	valence := 0.2
	if overridden > len(advice)/2 {
		valence = -0.3
	}

	return p.Enqueue(EventSpec{
		Type:         EventDecision,
		Participants: participants,
		Payload:      fmt.Sprintf("%s: %s", topic.Subject, d.Action),
		Valence:      valence,
		Consequences: consequences,
	})
}

// recallForTopic pulls the advisor's most salient relevant memories and
// summarizes their emotional tone.
func (e *DecisionEngine) recallForTopic(advisorID court.AdvisorID, topic DecisionTopic) (float64, []string) {
	var lines []string
	mood := 0.0
	n := 0
	for m := range e.memories.Recall(advisorID, nil, 0.1, e.civ.Turn) {
		lines = append(lines, m.Content)
		mood += m.EmotionalImpact * m.Reliability
		n++
		if n >= 5 {
			break
		}
	}
	if n > 0 {
		mood /= float64(n)
	}
	return mood, lines
}

func (e *DecisionEngine) buildRequest(adv *court.Advisor, topic DecisionTopic, memories []string) *llm.AdviceRequest {
	var rels []string
	for _, other := range e.civ.ActiveAdvisors() {
		if other.ID == adv.ID {
			continue
		}
		t := e.relations.Trust(adv.ID, other.ID)
		if t != 0 {
			rels = append(rels, fmt.Sprintf("%s (trust: %.1f)", other.Name, t))
		}
	}
	rels = append(rels, fmt.Sprintf("the leader %s (trust: %.1f)",
		e.civ.Leader.Name, e.relations.Trust(adv.ID, court.LeaderID)))

	return &llm.AdviceRequest{
		PersonaSummary: personaSummary(adv),
		Role:           court.RoleName(adv.Role),
		Topic:          topic.Subject,
		Candidates:     topic.Candidates,
		Memories:       memories,
		Relationships:  rels,
		Stability:      e.civ.Stability,
	}
}

func personaSummary(adv *court.Advisor) string {
	t := adv.Traits
	return fmt.Sprintf(
		"You are %s. Ambition %.1f, corruption %.1f, pragmatism %.1f; your loyalty to the crown runs at %.1f.",
		adv.Name, t.Ambition, t.Corruption, t.Pragmatism, adv.Loyalty,
	)
}

// scoreCandidates is the rule-based scoring path: a weighted sum of
// personality traits, loyalty, influence, recalled memory tone, and
// role emphasis. The highest-scoring action wins; ties break on
// candidate order, with a tiny advisor-id perturbation so identical
// twins still diverge deterministically.
func (e *DecisionEngine) scoreCandidates(adv *court.Advisor, topic DecisionTopic, memMood float64) (string, float64) {
	t := adv.Traits
	risk := court.Clamp01(t.Ambition*0.5 + t.Pragmatism*0.2 + memMood*0.3)
	goodwill := court.Clamp01(adv.Loyalty*0.5 + (e.relations.Trust(adv.ID, court.LeaderID)+1)/4)
	emphasis := roleEmphasis[adv.Role]

	best, bestScore, total := 0, -1.0, 0.0
	for i, c := range topic.Candidates {
		f := featuresFor(c)
		score := f.Boldness*risk +
			(1-f.Risk)*(1-risk) +
			f.Benevolence*goodwill +
			emphasis.Boldness*f.Boldness + emphasis.Risk*f.Risk + emphasis.Benevolence*f.Benevolence +
			jitter(adv.ID, i)
		total += score
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	confidence := 0.5
	if total > 0 {
		confidence = court.Clamp01(bestScore / total * float64(len(topic.Candidates)) / 2)
	}
	return topic.Candidates[best], confidence
}

// actionFeatures characterizes a candidate action for rule-based
// scoring.
type actionFeatures struct {
	Boldness    float64
	Risk        float64
	Benevolence float64
}

// Known action vocabulary; unknown actions get stable hash-derived
// features so scoring stays total and deterministic.
var knownActions = map[string]actionFeatures{
	"wage war":        {Boldness: 0.9, Risk: 0.9, Benevolence: 0.1},
	"negotiate":       {Boldness: 0.3, Risk: 0.2, Benevolence: 0.7},
	"raise taxes":     {Boldness: 0.5, Risk: 0.5, Benevolence: 0.2},
	"lower taxes":     {Boldness: 0.2, Risk: 0.3, Benevolence: 0.8},
	"hold festival":   {Boldness: 0.2, Risk: 0.1, Benevolence: 0.9},
	"fortify borders": {Boldness: 0.4, Risk: 0.3, Benevolence: 0.4},
	"purge dissent":   {Boldness: 0.8, Risk: 0.7, Benevolence: 0.0},
	"expand trade":    {Boldness: 0.5, Risk: 0.4, Benevolence: 0.6},
	"fund temples":    {Boldness: 0.2, Risk: 0.2, Benevolence: 0.7},
	"spy on rivals":   {Boldness: 0.6, Risk: 0.6, Benevolence: 0.2},
}

func featuresFor(action string) actionFeatures {
	if f, ok := knownActions[action]; ok {
		return f
	}
	h := fnv.New32a()
	h.Write([]byte(action))
	v := h.Sum32()
	return actionFeatures{
		Boldness:    float64(v%97) / 96,
		Risk:        float64((v/97)%97) / 96,
		Benevolence: float64((v/9409)%97) / 96,
	}
}

// roleEmphasis biases each portfolio toward its natural instincts.
var roleEmphasis = map[court.Role]actionFeatures{
	court.RoleMilitary:   {Boldness: 0.3, Risk: 0.1, Benevolence: -0.1},
	court.RoleEconomic:   {Boldness: 0.0, Risk: -0.2, Benevolence: 0.1},
	court.RoleDiplomatic: {Boldness: -0.2, Risk: -0.2, Benevolence: 0.3},
	court.RoleCultural:   {Boldness: -0.1, Risk: -0.1, Benevolence: 0.3},
	court.RoleReligious:  {Boldness: -0.1, Risk: -0.2, Benevolence: 0.2},
	court.RoleSecurity:   {Boldness: 0.2, Risk: 0.0, Benevolence: -0.2},
}

// jitter is a deterministic sub-epsilon perturbation per (advisor,
// candidate); it only ever breaks exact ties.
func jitter(id court.AdvisorID, candidate int) float64 {
	return float64((uint64(id)*31+uint64(candidate)*17)%97) * 1e-9
}

func styleAdviceWeight(s court.LeadershipStyle) float64 {
	switch s {
	case court.StyleAuthoritarian:
		return 0.3
	case court.StyleCollegial:
		return 0.8
	case court.StylePragmatic:
		return 0.6
	case court.StyleParanoid:
		return 0.4
	}
	return 0.5
}

func leaning(valence float64) string {
	switch {
	case valence > 0.3:
		return "warm"
	case valence < -0.3:
		return "bitter"
	}
	return "measured"
}
