// Court founding — seeded generation of a leader and advisor roster.
package court

import (
	"fmt"
	"math/rand"
)

// Founder creates leaders and advisors from a deterministic seed.
type Founder struct {
	rng    *rand.Rand
	nextID AdvisorID
}

// NewFounder creates a founder with the given seed.
func NewFounder(seed int64) *Founder {
	return &Founder{
		rng:    rand.New(rand.NewSource(seed + 300)),
		nextID: 1,
	}
}

// SetNextID sets the next advisor id to issue (used when restoring).
func (f *Founder) SetNextID(id AdvisorID) {
	f.nextID = id
}

// Found creates a civilization with a leader and one advisor per role.
func (f *Founder) Found(civID uint64, name string) *Civilization {
	leader := &Leader{
		Name:             f.generateName(),
		Traits:           f.generateTraits(),
		Style:            LeadershipStyle(f.rng.Intn(4)),
		SecurityModifier: 0.5 + f.rng.Float64()*1.0,
	}

	roster := make([]*Advisor, 0, NumRoles)
	for r := Role(0); r < NumRoles; r++ {
		roster = append(roster, f.Appoint(r, 0))
	}

	civ := NewCivilization(civID, name, leader, roster)
	civ.Stability = 0.7 + f.rng.Float64()*0.2
	return civ
}

// Appoint creates a fresh advisor for a role, for founding or mid-game
// appointment events.
func (f *Founder) Appoint(role Role, turn uint64) *Advisor {
	id := f.nextID
	f.nextID++

	traits := f.generateTraits()
	return &Advisor{
		ID:     id,
		Name:   f.generateName(),
		Role:   role,
		Traits: traits,
		// Starting loyalty leans on the trait baseline with a little spread.
		Loyalty:       Clamp01(traits.LoyaltyBase*0.7 + 0.2 + f.rng.Float64()*0.2),
		Influence:     Clamp01(0.3 + f.rng.Float64()*0.4),
		Status:        StatusActive,
		AppointedTurn: turn,
	}
}

func (f *Founder) generateTraits() Traits {
	return Traits{
		Ambition:    f.rng.Float64(),
		LoyaltyBase: 0.3 + f.rng.Float64()*0.6,
		Corruption:  f.rng.Float64() * 0.5,
		Pragmatism:  f.rng.Float64(),
		Ideology:    Ideology(f.rng.Intn(NumIdeologies)),
	}
}

func (f *Founder) generateName() string {
	given := givenNames[f.rng.Intn(len(givenNames))]
	family := familyNames[f.rng.Intn(len(familyNames))]
	return fmt.Sprintf("%s %s", given, family)
}

// Name pools for procedural generation.
var givenNames = []string{
	"Aldric", "Astrid", "Bram", "Brenna", "Cedric", "Calla", "Doran",
	"Daria", "Erik", "Elara", "Finn", "Freya", "Gareth", "Greta",
	"Halvard", "Helene", "Ivan", "Iris", "Jasper", "Juno", "Kael",
	"Kira", "Leif", "Lena", "Magnus", "Mira", "Nils", "Nessa",
	"Oswin", "Olwen", "Petra", "Quinn", "Runa", "Rowan", "Senna",
	"Theron", "Thea", "Ulric", "Una", "Varen", "Vera", "Wren", "Willa",
	"Yorick", "Yara", "Zander", "Zara",
}

var familyNames = []string{
	"Voss", "Thornwood", "Blackwood", "Ashford", "Ironhand", "Dunmore",
	"Greenvale", "Stormcrow", "Frostborn", "Hearthstone", "Millward",
	"Copperfield", "Ravenmoor", "Silverdale", "Wolfsbane", "Stoneheart",
	"Deepwell", "Brightwater", "Oakenshield", "Redforge", "Windholm",
	"Marshwood", "Goldhaven", "Nightingale", "Riverstone", "Steelworth",
	"Embercroft", "Holloway", "Dawnridge", "Farrow", "Thatcher",
}
