package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/daemon"
	"github.com/orrn/instalabel/internal/logging"
)

const inventoryTimeout = 30 * time.Second

func newPrintersCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "printers",
		Short: "Enumerate wired printers, scan wireless ones and show the merged list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Keep stdout for the listing.
			logger, err := logging.New(logging.Options{
				Level:       "warn",
				Format:      cfg.Logging.Format,
				OutputPaths: []string{"stderr"},
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			runCtx, cancel := context.WithTimeout(cmd.Context(), inventoryTimeout)
			defer cancel()

			snap, err := daemon.Inventory(runCtx, cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, core.NewStatusMessage(snap))
			}
			writeInventory(out, snap, shouldColorize(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status message as JSON")
	return cmd
}

func writeInventory(out io.Writer, snap core.Snapshot, colorize bool) {
	if len(snap.Printers) == 0 {
		fmt.Fprintln(out, "No printers found")
		return
	}

	rows := make([][]string, 0, len(snap.Printers))
	for _, p := range snap.Printers {
		def := ""
		if snap.Default != nil && snap.Default.Name == p.Name {
			def = "*"
		}
		rows = append(rows, []string{def, p.Name, string(p.Transport), stateLabel(p.State, colorize)})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"", "Name", "Transport", "State"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	))
	fmt.Fprintf(out, "%d available (%d wired, %d of %d wireless connected)\n",
		snap.AvailableCount(), snap.WiredCount, snap.ConnectedWirelessCount, snap.WirelessCount)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
