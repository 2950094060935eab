package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gcprov/internal/history"
)

type historyFlags struct {
	limit  int
	format string
}

func newHistoryCmd() *cobra.Command {
	f := &historyFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past provisioning attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, f)
		},
	}

	cmd.Flags().IntVarP(&f.limit, "limit", "n", 20, "Number of attempts to show (0 for all)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output format (table, json)")
	return cmd
}

func runHistory(cmd *cobra.Command, f *historyFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	format := cfg.OutputFormat
	if f.format != "" {
		format = f.format
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	if f.limit < 0 {
		return fmt.Errorf("invalid limit %d: must be >= 0", f.limit)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	store, err := openHistory(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	attempts, err := store.List(cmd.Context(), f.limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if attempts == nil {
			attempts = []history.Attempt{}
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(attempts)
	}
	return displayAttemptsTable(out, attempts)
}

func displayAttemptsTable(out io.Writer, attempts []history.Attempt) error {
	if len(attempts) == 0 {
		fmt.Fprintln(out, "No provisioning attempts recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tDEVICE\tSERIAL\tSSID\tRESULT\tREGISTERED")
	for _, a := range attempts {
		result := a.FinalState
		if a.Error != "" {
			result += ": " + a.Error
		} else if len(a.Warnings) > 0 {
			result += fmt.Sprintf(" (%d warning(s))", len(a.Warnings))
		}
		if len(result) > 40 {
			result = result[:37] + "..."
		}

		registered := "no"
		if a.Registered {
			registered = "yes"
		}

		name := a.DeviceName
		if name == "" {
			name = a.DeviceID
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.FinishedAt.Local().Format(time.DateTime), name, a.Serial, a.SSID, result, registered)
	}
	return w.Flush()
}
