// Advisor counsel generation — builds the context package an advisor's
// persona needs, submits it to the backend, and validates the reply
// against the structural advice contract.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// AdviceRequest is the context package submitted to the backend: persona
// summary, filtered memory excerpt, relationship snapshot, and the
// decision under consideration.
type AdviceRequest struct {
	PersonaSummary string
	Role           string
	Topic          string
	Candidates     []string
	Memories       []string // most salient recalled memory contents
	Relationships  []string // "Name (trust: 0.7)"
	Stability      float64
}

// AdviceResult is the structural contract a backend reply must satisfy.
type AdviceResult struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Oracle generates validated advice, caching identical requests so
// repeated queries within a session don't burn backend calls.
type Oracle struct {
	client *Client
	cache  *cache.Cache
}

// NewOracle wraps a client. A nil client disables generation.
func NewOracle(client *Client, cacheTTL time.Duration) *Oracle {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Oracle{
		client: client,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
	}
}

// Enabled reports whether the backend path is available.
func (o *Oracle) Enabled() bool {
	return o != nil && o.client.Enabled()
}

// GenerateAdvice submits the request and returns a validated result.
// Any transport failure, timeout, or contract violation is an error;
// the caller is expected to fall back to its rule-based path.
func (o *Oracle) GenerateAdvice(ctx context.Context, req *AdviceRequest) (*AdviceResult, error) {
	if !o.Enabled() {
		return nil, fmt.Errorf("backend not configured")
	}

	key := requestKey(req)
	if hit, ok := o.cache.Get(key); ok {
		result := hit.(AdviceResult)
		return &result, nil
	}

	system := buildAdviceSystemPrompt(req)
	user := buildAdviceUserPrompt(req)

	raw, err := o.client.Complete(ctx, system, user, 400)
	if err != nil {
		return nil, fmt.Errorf("generate advice: %w", err)
	}

	result, err := parseAdvice(raw, req.Candidates)
	if err != nil {
		return nil, fmt.Errorf("generate advice: %w", err)
	}

	o.cache.Set(key, *result, cache.DefaultExpiration)
	return result, nil
}

func requestKey(req *AdviceRequest) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%.3f",
		req.PersonaSummary, req.Role, req.Topic,
		strings.Join(req.Candidates, ","),
		strings.Join(req.Memories, ";"),
		req.Stability,
	)
	return fmt.Sprintf("%x", h.Sum64())
}

func buildAdviceSystemPrompt(req *AdviceRequest) string {
	return fmt.Sprintf(
		`You are the %s advisor at a ruler's court. %s

The court weighs a decision. Respond ONLY with a JSON object:
- "action": exactly one of the candidate actions you are given
- "confidence": a number between 0 and 1
- "rationale": one sentence in your own voice

Advise in character. Your memories and relationships should color your
counsel.`,
		req.Role, req.PersonaSummary,
	)
}

func buildAdviceUserPrompt(req *AdviceRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "The matter before the court: %s\n", req.Topic)
	fmt.Fprintf(&b, "Candidate actions: %s\n", strings.Join(req.Candidates, ", "))
	fmt.Fprintf(&b, "Realm stability: %.2f\n\n", req.Stability)

	if len(req.Memories) > 0 {
		b.WriteString("What you remember:\n")
		for _, m := range req.Memories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
		b.WriteString("\n")
	}

	if len(req.Relationships) > 0 {
		b.WriteString("Where you stand with others:\n")
		for _, r := range req.Relationships {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	b.WriteString("What do you advise? Respond with a single JSON object.")
	return b.String()
}

// parseAdvice extracts and validates the JSON object from a backend
// reply. The model may wrap the object in explanation text.
func parseAdvice(raw string, candidates []string) (*AdviceResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var result AdviceResult
	if err := json.Unmarshal([]byte(raw[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("parse advice: %w", err)
	}

	// Structural contract: required fields present, numerics in range,
	// action among the offered candidates.
	if result.Action == "" {
		return nil, fmt.Errorf("advice missing action")
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("advice confidence %.3f out of range", result.Confidence)
	}
	valid := false
	for _, c := range candidates {
		if strings.EqualFold(result.Action, c) {
			result.Action = c
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("advice action %q not among candidates", result.Action)
	}

	return &result, nil
}
