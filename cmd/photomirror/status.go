package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/photomirror/photomirror/internal/store"
	"github.com/photomirror/photomirror/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mapping database status",
	Long: `Display the state of the local mapping database: how many items
are synced and when the most recent sync happened.

Live run metrics (last cycle outcome, failure counts) are served by the
dashboard of a running daemon; this command inspects the durable state
only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Sync.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := context.Background()
		if err := st.InitSchema(ctx); err != nil {
			return err
		}

		count, err := st.Count(ctx, "")
		if err != nil {
			return err
		}

		fmt.Printf("%s Mapping database: %s\n", ui.RenderAccent("◆"), st.Path())
		fmt.Printf("   Synced items: %d\n", count)

		latest, err := st.ListPage(ctx, store.PageOptions{Page: 1, PageSize: 1})
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			fmt.Printf("   Last sync:    %s\n", ui.RenderMuted("never"))
			return nil
		}
		fmt.Printf("   Last sync:    %s (%s)\n",
			latest[0].SyncedAt.Local().Format(time.RFC1123),
			latest[0].SourceID)
		return nil
	},
}
