package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"clip_relay/internal/config"
	"clip_relay/internal/domain"
	"clip_relay/internal/storage/postgres"
)

func newChannelsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List configured channels with their stored markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			markers := map[string]domain.Marker{}
			if cfg.Database.Enabled() {
				db, err := postgres.Open(cmd.Context(), cfg.Database.DSN())
				if err != nil {
					return err
				}
				defer db.Close()

				markers, err = postgres.NewMarkerStore(db).LoadMarkers(cmd.Context())
				if err != nil {
					return err
				}
			}

			renderChannels(cmd.OutOrStdout(), cfg.Channels, markers)
			return nil
		},
	}
}

func renderChannels(w io.Writer, channels []config.ChannelConfig, markers map[string]domain.Marker) {
	rows := make([][]string, 0, len(channels))
	for _, ch := range channels {
		enabled := "yes"
		if !ch.IsEnabled() {
			enabled = "no"
		}
		proxy := ch.Proxy
		if proxy == "" {
			proxy = "direct"
		}
		marker := "-"
		if m, ok := markers[ch.ID]; ok && !m.IsZero() {
			marker = fmt.Sprintf("%s (%s)", m.VideoID, m.PublishedAt.Format("2006-01-02 15:04"))
		}
		rows = append(rows, []string{
			ch.ID, ch.Name, ch.Mode, ch.Interval.String(), ch.Account, proxy, enabled, marker,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Name", "Mode", "Interval", "Account", "Proxy", "Enabled", "Marker"},
		rows,
		nil,
	))
}
