package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gcprov/pkg/config"
	"github.com/srg/gcprov/scanner"
)

type scanFlags struct {
	duration time.Duration
	format   string
	allow    []string
	block    []string
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for provisionable GC- devices",
		Long: `Scan for Bluetooth LE devices advertising a GC- name and list them
strongest signal first, with the serial number taken from the name.

When a registry with validation is configured, only devices the registry
accepts are listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration, 10s to 30s (default from config, 15s)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output format (table, json)")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Hide devices with these addresses")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
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

	opts := cfg.ScanOptions()
	if f.duration != 0 {
		if f.duration < config.MinScanDuration || f.duration > config.MaxScanDuration {
			return fmt.Errorf("invalid duration %s: must be between %s and %s", f.duration, config.MinScanDuration, config.MaxScanDuration)
		}
		opts.Duration = f.duration
	}
	if len(f.allow) > 0 {
		opts.AllowList = f.allow
	}
	if len(f.block) > 0 {
		opts.BlockList = f.block
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Registry.Validate && reg != nil {
		opts.Validator = reg
	}

	s := scanner.NewScanner(newTransport(cfg, logger), logger)
	defer s.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, cancelling scan...")
			cancel()
		case <-ctx.Done():
		}
	}()

	out := cmd.OutOrStdout()
	var progress func(string)
	if isTerminal(out) {
		p := NewCountdownProgressPrinter(out, "Scanning for "+opts.NamePrefix+" devices", "Scanning", opts.Duration)
		p.Start()
		defer p.Stop()
		progress = func(phase string) {
			p.Callback()(phase)
			if phase == "Processing results" {
				p.Stop()
			}
		}
	}

	devices, err := s.Scan(ctx, opts, nil, progress)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	switch format {
	case "json":
		return displayDevicesJSON(out, devices)
	default:
		return displayDevicesTable(out, devices)
	}
}

func displayDevicesTable(out io.Writer, devices []scanner.DiscoveredDevice) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tSERIAL\tADDRESS\tRSSI")
	for i, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d dBm\n", i+1, displayName(d.Name), d.Serial, d.ID, d.RSSI)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []scanner.DiscoveredDevice) error {
	if devices == nil {
		devices = []scanner.DiscoveredDevice{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
