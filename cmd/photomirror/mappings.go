package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/photomirror/photomirror/internal/store"
	"github.com/photomirror/photomirror/internal/ui"
)

var (
	mappingsPage     int
	mappingsPageSize int
	mappingsSearch   string
	mappingsSort     string
	mappingsDir      string
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Inspect and manage the source→target mapping table",
}

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mappings (paginated, searchable)",
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

		rows, err := st.ListPage(ctx, store.PageOptions{
			Page:     mappingsPage,
			PageSize: mappingsPageSize,
			Search:   mappingsSearch,
			SortBy:   store.SortKey(mappingsSort),
			Dir:      store.SortDirection(mappingsDir),
		})
		if err != nil {
			return err
		}
		total, err := st.Count(ctx, mappingsSearch)
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("no mappings"))
			return nil
		}
		for _, m := range rows {
			fmt.Printf("%-40s %s %s %s\n",
				m.SourceID,
				ui.RenderMuted(m.ContentHash[:min(12, len(m.ContentHash))]),
				m.TargetID,
				ui.RenderMuted(m.SyncedAt.Local().Format("2006-01-02 15:04:05")))
		}
		fmt.Printf("\n%s page %d, %d of %d total\n",
			ui.RenderAccent("◆"), mappingsPage, len(rows), total)
		return nil
	},
}

var mappingsDeleteCmd = &cobra.Command{
	Use:   "delete <source-id>...",
	Short: "Delete mappings to force a resync of those items",
	Long: `Delete one or more mapping rows by source id. The next cycle will
see the items as unsynced and upload them again (or reattach via the
content hash). Use this to recover an item whose target copy was
removed outside photomirror.`,
	Args: cobra.MinimumNArgs(1),
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

		deleted, err := st.DeleteBySourceIDs(ctx, args)
		if err != nil {
			return err
		}
		fmt.Printf("%s Deleted %d of %d mapping(s)\n", ui.RenderPass("✓"), deleted, len(args))
		return nil
	},
}

func init() {
	mappingsListCmd.Flags().IntVar(&mappingsPage, "page", 1, "page number (1-indexed)")
	mappingsListCmd.Flags().IntVar(&mappingsPageSize, "page-size", 50, "rows per page")
	mappingsListCmd.Flags().StringVar(&mappingsSearch, "search", "", "substring filter across all columns")
	mappingsListCmd.Flags().StringVar(&mappingsSort, "sort", "synced_at", "sort key: synced_at or source_id")
	mappingsListCmd.Flags().StringVar(&mappingsDir, "dir", "desc", "sort direction: asc or desc")

	mappingsCmd.AddCommand(mappingsListCmd)
	mappingsCmd.AddCommand(mappingsDeleteCmd)
}
