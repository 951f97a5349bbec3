package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/talgya/politsim/internal/config"
	"github.com/talgya/politsim/internal/court"
	"github.com/talgya/politsim/internal/engine"
	"github.com/talgya/politsim/internal/entropy"
	"github.com/talgya/politsim/internal/persistence"
)

var (
	inspectDBPath string
	inspectCivID  uint64
	inspectEvents int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the court of a saved civilization",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectDBPath, "db", "data/politsim.db", "snapshot database path")
	inspectCmd.Flags().Uint64Var(&inspectCivID, "civ", 0, "civilization id (0 = all)")
	inspectCmd.Flags().IntVar(&inspectEvents, "events", 10, "recent events to show per civilization")
}

func runInspect(cmd *cobra.Command, _ []string) error {
	db, err := persistence.Open(inspectDBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ids, err := db.CivIDs()
	if err != nil {
		return fmt.Errorf("list civilizations: %w", err)
	}
	if inspectCivID != 0 {
		ids = []uint64{inspectCivID}
	}
	if len(ids) == 0 {
		fmt.Println("no civilizations saved")
		return nil
	}

	cfg := config.Default()
	for _, id := range ids {
		sim, err := db.Load(id, cfg, entropy.NewCrypto(), nil)
		if err != nil {
			return fmt.Errorf("load civilization %d: %w", id, err)
		}
		printCourt(sim)
	}
	return nil
}

func printCourt(sim *engine.Sim) {
	civ := sim.Civ
	fmt.Printf("\n=== %s (civ %d, turn %d) ===\n", civ.Name, civ.ID, civ.Turn)
	fmt.Printf("leader    %s (%s), stability %.2f\n",
		civ.Leader.Name, styleLabel(civ.Leader.Style), civ.Stability)

	fmt.Println("court:")
	for _, a := range civ.Roster {
		marker := ""
		if a.Status != court.StatusActive {
			marker = " [" + statusLabel(a.Status) + "]"
		}
		trust := sim.Relations.Trust(court.LeaderID, a.ID)
		fmt.Printf("  %-20s %-12s loyalty %.2f  influence %.2f  trust %+.2f%s\n",
			a.Name, court.RoleName(a.Role), a.Loyalty, a.Influence, trust, marker)
	}

	if live := sim.Machine.Active(); len(live) > 0 {
		fmt.Println("conspiracies:")
		for _, c := range live {
			names := make([]string, 0, len(c.Members))
			for _, id := range c.Members {
				if a := civ.Advisor(id); a != nil {
					names = append(names, a.Name)
				}
			}
			sort.Strings(names)
			fmt.Printf("  %s since turn %d: %v (influence %.2f, secrecy %.2f)\n",
				engine.StateName(c.State), c.FormedTurn, names, c.CombinedInfluence, c.Secrecy)
		}
	}

	history := sim.Pipeline.History()
	if n := len(history); n > 0 {
		from := n - inspectEvents
		if from < 0 {
			from = 0
		}
		fmt.Println("recent events:")
		for _, ev := range history[from:] {
			fmt.Printf("  t%-4d %-12s %s\n", ev.Turn, engine.EventTypeName(ev.Type), ev.Payload)
		}
	}
}

func styleLabel(s court.LeadershipStyle) string {
	switch s {
	case court.StyleAuthoritarian:
		return "authoritarian"
	case court.StyleCollegial:
		return "collegial"
	case court.StylePragmatic:
		return "pragmatic"
	case court.StyleParanoid:
		return "paranoid"
	default:
		return "unknown"
	}
}

func statusLabel(s court.Status) string {
	switch s {
	case court.StatusActive:
		return "active"
	case court.StatusDismissed:
		return "dismissed"
	case court.StatusExecuted:
		return "executed"
	case court.StatusRetired:
		return "retired"
	default:
		return "unknown"
	}
}
