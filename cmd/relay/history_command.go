package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"clip_relay/internal/storage/postgres"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit    int
		channels []string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently processed videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New("history requires a configured database")
			}

			db, err := postgres.Open(cmd.Context(), cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := postgres.NewItemStore(db).RecentItems(cmd.Context(), limit, channels)
			if err != nil {
				return err
			}
			renderHistory(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of items to show")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "Only show these channel ids")
	return cmd
}

func renderHistory(w io.Writer, items []postgres.ItemSummary) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No processed videos")
		return
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		state := it.State
		if it.Stage.Valid {
			state = fmt.Sprintf("%s (%s)", it.State, it.Stage.String)
		}
		rows = append(rows, []string{
			it.UpdatedAt.Local().Format("2006-01-02 15:04"),
			it.ChannelID,
			it.VideoID,
			it.Title,
			state,
			fmt.Sprintf("%d/%d", it.Published, it.Clips),
			it.Reason.String,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Updated", "Channel", "Video", "Title", "State", "Clips", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}
