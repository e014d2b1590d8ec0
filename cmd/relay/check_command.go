package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"clip_relay/internal/app"
	"clip_relay/internal/scheduler"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var admit bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Poll every enabled channel once and report new videos",
		Long: "Poll every enabled channel once. By default nothing is admitted and no marker moves;\n" +
			"with --admit new videos are recorded as seen and markers advance without publishing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			a, err := app.New(cmd.Context(), cfg, app.Options{SkipBroker: true}, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			results := a.Scheduler.RunOnce(cmd.Context(), !admit)
			renderCheck(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admit, "admit", false, "Record new videos as seen and advance markers")
	return cmd
}

func renderCheck(w io.Writer, results []scheduler.Result) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		switch {
		case r.Err != nil:
			status = "error: " + r.Err.Error()
		case r.Skipped != "":
			status = "skipped: " + r.Skipped
		case r.Baseline:
			status = "baseline"
		}

		titles := make([]string, 0, len(r.New))
		for _, u := range r.New {
			titles = append(titles, fmt.Sprintf("%s %s", u.VideoID, u.Title))
		}

		rows = append(rows, []string{
			r.ChannelID,
			status,
			strconv.Itoa(r.Fetched),
			strconv.Itoa(len(r.New)),
			strings.Join(titles, "\n"),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Channel", "Status", "Fetched", "New", "Videos"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}
