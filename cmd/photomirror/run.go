package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/photomirror/photomirror/internal/daemon"
	"github.com/photomirror/photomirror/internal/dashboard"
	"github.com/photomirror/photomirror/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run continuous sync: one cycle immediately, then one per poll
interval. With a watched local source, new photos trigger an early
cycle. The optional dashboard serves mapping browsing and run metrics
over HTTP.`,
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

		var changes <-chan struct{}
		if m.localSource != nil && cfg.Source.Watch {
			changes, err = m.localSource.Watch()
			if err != nil {
				return fmt.Errorf("starting source watcher: %w", err)
			}
		} else if cfg.Source.Watch {
			fmt.Printf("%s source.watch has no effect with the http source, polling only\n", ui.RenderWarn("!"))
		}

		daemonCfg := &daemon.Config{
			PollInterval:    cfg.Sync.PollInterval,
			TriggerDebounce: daemon.DefaultConfig().TriggerDebounce,
			Logger:          log.New(logger.Writer(), "[daemon] ", log.LstdFlags),
		}

		if cfg.Dashboard.Enabled {
			srv, err := dashboard.NewServer(m.store, m.engine, &dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: log.New(logger.Writer(), "[dashboard] ", log.LstdFlags),
			})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Stop()
			daemonCfg.OnCycleComplete = srv.BroadcastCycle
			fmt.Printf("%s Dashboard on http://%s\n", ui.RenderAccent("◆"), srv.Addr())
		}

		d, err := daemon.New(m.engine, changes, daemonCfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Syncing every %v (policy: %s)\n",
			ui.RenderAccent("▸"), cfg.Sync.PollInterval, cfg.Sync.DeletionPolicy)
		return d.Start(ctx)
	},
}
