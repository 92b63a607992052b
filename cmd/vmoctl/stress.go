package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/joshuapare/vmkit/cmd/vmoctl/logger"
	"github.com/joshuapare/vmkit/vmo"
	"github.com/joshuapare/vmkit/vmo/phys"
	"github.com/spf13/cobra"
)

var (
	stressPoolPages int
	stressObjects   int
	stressRounds    int
	stressSeed      int64
	stressLog       bool
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressPoolPages, "pool", 1024, "Frame pool capacity in pages")
	cmd.Flags().IntVar(&stressObjects, "objects", 8, "Live objects to cycle through")
	cmd.Flags().IntVar(&stressRounds, "rounds", 10000, "Operations to perform")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed (runs are deterministic per seed)")
	cmd.Flags().BoolVar(&stressLog, "log", false, "Write a structured log of every round")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized commit/clone/decommit workload",
		Long: `The stress command cycles a fixed set of objects through randomized
commits, writes, zeroing, cloning, and decommits against a capped frame pool,
then reports operation counts and pool state. Runs are deterministic for a
given seed.

Example:
  vmoctl stress
  vmoctl stress --pool 256 --rounds 50000 --seed 7 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

type stressStats struct {
	Rounds       int           `json:"rounds"`
	Commits      int           `json:"commits"`
	Decommits    int           `json:"decommits"`
	Writes       int           `json:"writes"`
	Zeroes       int           `json:"zeroes"`
	Clones       int           `json:"clones"`
	BytesWritten uint64        `json:"bytes_written"`
	FreePages    int           `json:"free_pages"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

func runStress() error {
	if err := logger.Init(logger.Options{Enabled: stressLog}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	ctx := context.Background()
	pageSize := uint64(vmo.PageSize)
	rng := rand.New(rand.NewSource(stressSeed))

	alloc := phys.NewAllocator(phys.Options{CapacityPages: stressPoolPages})
	defer alloc.Close()

	// Size objects so the pool oversubscribes roughly 2x; decommits and
	// destroys have to make room for later commits.
	objPages := uint64(2 * stressPoolPages / stressObjects)
	if objPages == 0 {
		objPages = 1
	}

	objects := make([]*vmo.Object, stressObjects)
	for i := range objects {
		o, err := vmo.NewAnonymous(alloc, objPages*pageSize, vmo.Options{
			Name: fmt.Sprintf("stress-%d", i),
		})
		if err != nil {
			return fmt.Errorf("creating object %d: %w", i, err)
		}
		objects[i] = o
	}
	defer func() {
		for _, o := range objects {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	var stats stressStats
	buf := make([]byte, pageSize)
	start := time.Now()

	for round := 0; round < stressRounds; round++ {
		o := objects[rng.Intn(len(objects))]
		page := uint64(rng.Intn(int(objPages)))
		switch op := rng.Intn(10); {
		case op < 3:
			if err := o.CommitRange(ctx, page*pageSize, pageSize); err != nil {
				// The pool may genuinely be empty; decommit and move on.
				logger.L.Warn("commit failed", slog.Int("round", round), slog.Any("error", err))
				_ = o.DecommitRange(0, objPages*pageSize)
				stats.Decommits++
				continue
			}
			stats.Commits++
		case op < 6:
			for i := range buf {
				buf[i] = byte(round)
			}
			if err := o.Write(ctx, page*pageSize, buf); err != nil {
				logger.L.Warn("write failed", slog.Int("round", round), slog.Any("error", err))
				_ = o.DecommitRange(0, objPages*pageSize)
				stats.Decommits++
				continue
			}
			stats.Writes++
			stats.BytesWritten += pageSize
		case op < 8:
			if err := o.DecommitRange(page*pageSize, pageSize); err != nil {
				return fmt.Errorf("round %d: decommit: %w", round, err)
			}
			stats.Decommits++
		case op < 9:
			if err := o.ZeroRange(ctx, page*pageSize, pageSize); err != nil {
				return fmt.Errorf("round %d: zero: %w", round, err)
			}
			stats.Zeroes++
		default:
			clone, err := o.NewClone(vmo.SnapshotAtLeastOnWrite, 0, objPages*pageSize, false)
			if err != nil {
				return fmt.Errorf("round %d: clone: %w", round, err)
			}
			// Touch one page through the clone, then drop it.
			if err := clone.Write(ctx, page*pageSize, []byte{byte(round)}); err != nil {
				clone.Destroy()
				logger.L.Warn("clone write failed", slog.Int("round", round), slog.Any("error", err))
				_ = o.DecommitRange(0, objPages*pageSize)
				stats.Decommits++
				continue
			}
			clone.Destroy()
			stats.Clones++
		}
		stats.Rounds++
	}

	stats.Elapsed = time.Since(start)
	stats.FreePages = alloc.FreePages()

	if jsonOut {
		return printJSON(stats)
	}
	printInfo("Stress run complete:\n")
	printInfo("  rounds:     %d\n", stats.Rounds)
	printInfo("  commits:    %d\n", stats.Commits)
	printInfo("  writes:     %d (%d bytes)\n", stats.Writes, stats.BytesWritten)
	printInfo("  zeroes:     %d\n", stats.Zeroes)
	printInfo("  decommits:  %d\n", stats.Decommits)
	printInfo("  clones:     %d\n", stats.Clones)
	printInfo("  free pages: %d of %d\n", stats.FreePages, stressPoolPages)
	printInfo("  elapsed:    %s\n", stats.Elapsed)
	return nil
}
