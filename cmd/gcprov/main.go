package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Every call returns fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gcprov",
		Short: "Provision GC- devices onto WiFi over Bluetooth LE",
		Long: `Provision GC- devices onto WiFi over Bluetooth Low Energy:

- Scan for advertising GC- devices
- Connect, list the WiFi networks the device can see
- Send credentials and wait for the device to confirm it joined
- Register the device with the backend and keep a local attempt history`,
		Version: formatVersion(version),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("gcprov %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	root.AddCommand(newScanCmd())
	root.AddCommand(newProvisionCmd())
	root.AddCommand(newHistoryCmd())

	// Global flags
	root.PersistentFlags().String("config", "", "Config file (default ~/.gcprov/config.yaml)")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Add -v as a short flag for --version
	root.Flags().BoolP("version", "v", false, "Show version information")
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
