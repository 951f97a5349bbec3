// Package court provides the political data model: advisors, leaders,
// civilizations, personality traits, memories, and the relationship graph.
package court

// AdvisorID is a unique identifier for an advisor within a civilization.
type AdvisorID uint64

// LeaderID is the reserved actor id for the sitting leader. Relationship
// edges to and from the leader use this id; real advisors start at 1.
const LeaderID AdvisorID = 0

// Role represents an advisor's portfolio.
type Role uint8

const (
	RoleMilitary Role = iota
	RoleEconomic
	RoleDiplomatic
	RoleCultural
	RoleReligious
	RoleSecurity
)

// NumRoles is the total number of advisor roles.
const NumRoles = 6

// RoleName returns a human-readable role name.
func RoleName(r Role) string {
	switch r {
	case RoleMilitary:
		return "military"
	case RoleEconomic:
		return "economic"
	case RoleDiplomatic:
		return "diplomatic"
	case RoleCultural:
		return "cultural"
	case RoleReligious:
		return "religious"
	case RoleSecurity:
		return "security"
	}
	return "unknown"
}

// Status represents an advisor's standing at court. The terminal statuses
// are irreversible and freeze further memory writes for that advisor.
type Status uint8

const (
	StatusActive Status = iota
	StatusDismissed
	StatusExecuted
	StatusRetired
)

// Terminal reports whether the status is irreversible.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// LeadershipStyle shapes how a leader weighs advice against instinct.
type LeadershipStyle uint8

const (
	StyleAuthoritarian LeadershipStyle = iota // own traits dominate
	StyleCollegial                            // advice dominates
	StylePragmatic                            // balanced
	StyleParanoid                             // distrusts advice, raises detection
)

// Advisor is a political agent attached to a civilization.
type Advisor struct {
	ID     AdvisorID `json:"id"`
	Name   string    `json:"name"`
	Role   Role      `json:"role"`
	Traits Traits    `json:"traits"`

	Loyalty   float64 `json:"loyalty"`   // 0.0–1.0
	Influence float64 `json:"influence"` // 0.0–1.0
	Status    Status  `json:"status"`

	AppointedTurn uint64 `json:"appointed_turn"`
}

// Active reports whether the advisor can still participate in court life.
func (a *Advisor) Active() bool {
	return a.Status == StatusActive
}

// Leader holds executive authority within a civilization. Replaced
// wholesale on a successful coup.
type Leader struct {
	Name   string          `json:"name"`
	Traits Traits          `json:"traits"`
	Style  LeadershipStyle `json:"style"`

	// SecurityModifier adds to the leader's defensive strength against
	// coup attempts (personal guard, informant network).
	SecurityModifier float64 `json:"security_modifier"`

	CrownedTurn uint64 `json:"crowned_turn"`
}

// Civilization aggregates one leader, an advisor roster, and derived
// political-stability state.
type Civilization struct {
	ID     uint64     `json:"id"`
	Name   string     `json:"name"`
	Leader *Leader    `json:"leader"`
	Roster []*Advisor `json:"roster"`

	// Stability summarizes internal cohesion, 0.0–1.0.
	Stability float64 `json:"stability"`
	Turn      uint64  `json:"turn"`

	index map[AdvisorID]*Advisor
}

// NewCivilization wraps a leader and roster, building the advisor index.
func NewCivilization(id uint64, name string, leader *Leader, roster []*Advisor) *Civilization {
	c := &Civilization{
		ID:     id,
		Name:   name,
		Leader: leader,
		Roster: roster,
	}
	c.Reindex()
	return c
}

// Reindex rebuilds the advisor lookup index after roster mutation.
func (c *Civilization) Reindex() {
	c.index = make(map[AdvisorID]*Advisor, len(c.Roster))
	for _, a := range c.Roster {
		c.index[a.ID] = a
	}
}

// Advisor returns the advisor with the given id, or nil.
func (c *Civilization) Advisor(id AdvisorID) *Advisor {
	if c.index == nil {
		c.Reindex()
	}
	return c.index[id]
}

// ActiveAdvisors returns the advisors still serving, in roster order.
func (c *Civilization) ActiveAdvisors() []*Advisor {
	var out []*Advisor
	for _, a := range c.Roster {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out
}

// NextAdvisorID returns an id one above the highest in the roster.
func (c *Civilization) NextAdvisorID() AdvisorID {
	var max AdvisorID
	for _, a := range c.Roster {
		if a.ID > max {
			max = a.ID
		}
	}
	return max + 1
}

// Clamp01 clamps v into [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clamp11 clamps v into [-1, 1].
func Clamp11(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
