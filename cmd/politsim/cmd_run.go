package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/politsim/internal/config"
	"github.com/talgya/politsim/internal/court"
	"github.com/talgya/politsim/internal/engine"
	"github.com/talgya/politsim/internal/entropy"
	"github.com/talgya/politsim/internal/llm"
	"github.com/talgya/politsim/internal/persistence"
)

var (
	runCivs       int
	runTurns      int
	runSeed       int64
	runDBPath     string
	runConfigPath string
	runSaveEvery  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Found civilizations and advance them through political turns",
	Long: `Founds N civilizations from the seed (or resumes them from the
snapshot database if present) and advances each through T turns.
Civilizations run in parallel; snapshots land every --save-every turns
and once more at the end.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runCivs, "civs", 4, "number of civilizations")
	runCmd.Flags().IntVar(&runTurns, "turns", 50, "turns to advance")
	runCmd.Flags().Int64Var(&runSeed, "seed", 42, "world seed")
	runCmd.Flags().StringVar(&runDBPath, "db", "data/politsim.db", "snapshot database path")
	runCmd.Flags().StringVar(&runConfigPath, "config", "politsim.yaml", "config file path")
	runCmd.Flags().IntVar(&runSaveEvery, "save-every", 10, "snapshot interval in turns")
}

var civNames = []string{
	"Valoria", "Kestria", "Morvane", "Althessa", "Drumheller",
	"Oskarid", "Peltane", "Sarvos", "Tyrelia", "Umbrecht",
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(runDBPath), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := persistence.Open(runDBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var backend engine.AdviceBackend
	client := llm.NewClient(cfg.Backend.APIKey, cfg.Backend.Timeout)
	if client != nil {
		backend = llm.NewOracle(client, cfg.Backend.CacheTTL)
		slog.Info("generative advice backend enabled")
	} else {
		slog.Warn("no API key set, advisors run rule-based only")
	}

	saved, err := db.CivIDs()
	if err != nil {
		return fmt.Errorf("list civilizations: %w", err)
	}
	savedSet := make(map[uint64]bool, len(saved))
	for _, id := range saved {
		savedSet[id] = true
	}

	sims := make([]*engine.Sim, 0, runCivs)
	for i := range runCivs {
		civID := uint64(i + 1)
		civSeed := runSeed + int64(i)*1000
		rng := entropy.NewSeeded(civSeed)

		var sim *engine.Sim
		if savedSet[civID] {
			sim, err = db.Load(civID, cfg, rng, backend)
			if err != nil {
				return fmt.Errorf("resume civilization %d: %w", civID, err)
			}
		} else {
			founder := court.NewFounder(civSeed)
			civ := founder.Found(civID, civNames[i%len(civNames)])
			sim = engine.NewSim(civ, founder, cfg, rng, backend)
			if err := db.Save(sim); err != nil {
				return fmt.Errorf("initial save: %w", err)
			}
		}
		sims = append(sims, sim)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, finishing current turns", "signal", sig)
		cancel()
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, sim := range sims {
		g.Go(func() error {
			for t := range runTurns {
				result, err := sim.AdvanceTurn(gctx)
				if err != nil {
					return err
				}
				for _, n := range result.Notable {
					slog.Info("notable",
						"civ", sim.Civ.Name,
						"turn", n.Turn,
						"type", n.Type,
						"what", n.Description,
					)
				}
				if runSaveEvery > 0 && (t+1)%runSaveEvery == 0 {
					if err := db.Save(sim); err != nil {
						slog.Error("snapshot failed", "civ", sim.Civ.Name, "error", err)
					}
				}
			}
			return nil
		})
	}
	runErr := g.Wait()

	// Snapshot whatever completed, even after cancellation.
	var totalEvents, totalMemories int
	for _, sim := range sims {
		if err := db.Save(sim); err != nil {
			slog.Error("final save failed", "civ", sim.Civ.Name, "error", err)
		}
		totalEvents += len(sim.Pipeline.History())
		totalMemories += len(sim.Memories.All())
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	fmt.Printf("\n%d civilizations, %s events, %s memories in %s\n",
		len(sims),
		humanize.Comma(int64(totalEvents)),
		humanize.Comma(int64(totalMemories)),
		time.Since(start).Round(time.Millisecond),
	)
	for _, sim := range sims {
		fmt.Printf("  %-12s turn %-4d stability %.2f  leader %s\n",
			sim.Civ.Name, sim.Civ.Turn, sim.Civ.Stability, sim.Civ.Leader.Name)
	}
	return nil
}
