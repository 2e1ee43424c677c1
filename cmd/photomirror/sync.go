package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/photomirror/photomirror/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := newLogger(cfg, "[photomirror] ")
		m, err := buildMirror(cfg, logger)
		if err != nil {
			return err
		}
		defer m.close()

		fmt.Printf("%s Running sync cycle...\n", ui.RenderAccent("▸"))
		start := time.Now()

		if err := m.engine.RunCycle(context.Background()); err != nil {
			fmt.Printf("%s Cycle failed: %v\n", ui.RenderFail("✗"), err)
			return err
		}

		snap := m.engine.Metrics()
		fmt.Printf("%s Cycle complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Added:   %d\n", snap.LastRun.Added)
		fmt.Printf("   Removed: %d\n", snap.LastRun.Removed)
		return nil
	},
}
