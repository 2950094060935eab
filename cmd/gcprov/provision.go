package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gcprov/internal/history"
	"github.com/srg/gcprov/internal/provision"
)

const statePollInterval = 50 * time.Millisecond

type provisionFlags struct {
	ssid           string
	password       string
	forceOnTimeout bool
	notify         bool
}

func newProvisionCmd() *cobra.Command {
	f := &provisionFlags{}
	cmd := &cobra.Command{
		Use:   "provision [address]",
		Short: "Send WiFi credentials to a GC- device",
		Long: `Connect to a GC- device, pick one of the WiFi networks it reports,
send the credentials and wait for the device to confirm it joined.

Without an address the command scans first and lets you choose a device.
Without --ssid you choose from the networks the device can see.
Without --password the password is prompted for without echo.`,
		Example: `  gcprov provision
  gcprov provision AA:BB:CC:DD:EE:FF --ssid Home
  gcprov provision AA:BB:CC:DD:EE:FF --ssid Home --password secret --force-on-timeout`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := ""
			if len(args) == 1 {
				address = args[0]
			}
			return runProvision(cmd, f, address)
		},
	}

	cmd.Flags().StringVar(&f.ssid, "ssid", "", "WiFi network name (chosen interactively when omitted)")
	cmd.Flags().StringVar(&f.password, "password", "", "WiFi password (prompted when omitted)")
	cmd.Flags().BoolVar(&f.forceOnTimeout, "force-on-timeout", false, "Finalize even if the device does not confirm in time")
	cmd.Flags().BoolVar(&f.notify, "notify", false, "Show a desktop notification when provisioning ends")
	return cmd
}

func runProvision(cmd *cobra.Command, f *provisionFlags, address string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
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

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := openHistory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	m := provision.New(newTransport(cfg, logger), reg, cfg.ProvisionOptions(), logger)
	out := &lockedWriter{w: cmd.OutOrStdout()}
	renderer := renderEvents(out, m.Events())
	defer func() {
		m.Close()
		renderer.Wait()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, cancelling...")
			m.Cancel()
			cancel()
		case <-ctx.Done():
		}
	}()

	in := bufio.NewReader(cmd.InOrStdin())

	if address == "" {
		if err := m.Scan(ctx); err != nil {
			return err
		}
		dev, err := chooseDevice(out, in, m.Devices())
		if err != nil {
			return err
		}
		address = dev.ID
	}

	// From here on every outcome is an attempt worth recording.
	defer func() {
		recordAttempt(store, m.Result(), logger)
		if f.notify || cfg.Notify {
			notifyOutcome(m.Result(), logger)
		}
	}()

	if err := m.Connect(ctx, address); err != nil {
		return err
	}

	ssid := f.ssid
	if ssid == "" {
		if ssid, err = chooseNetwork(out, in, m.Networks()); err != nil {
			m.Cancel()
			return err
		}
	}

	password := f.password
	if !cmd.Flags().Changed("password") {
		if password, err = promptPassword(out, cmd.InOrStdin(), in, ssid); err != nil {
			m.Cancel()
			return err
		}
	}

	if err := m.Configure(ctx, ssid, password); err != nil {
		if provision.KindOf(err) == "" {
			// Rejected before anything was sent; the session is still open.
			m.Cancel()
		}
		return err
	}

	state, err := waitTerminal(ctx, m)
	if err != nil {
		return err
	}

	if state == provision.StateFailed && errors.Is(m.Failure(), provision.ErrConfirmationTimeout) && f.forceOnTimeout {
		warnColor.Fprintln(out, "No confirmation received, finalizing anyway (--force-on-timeout)")
		if err := m.ForceAdvance(ctx); err != nil {
			return err
		}
		if state, err = waitTerminal(ctx, m); err != nil {
			return err
		}
	}

	if state == provision.StateFailed {
		return m.Failure()
	}

	res := m.Result()
	fmt.Fprintf(out, "%s joined %q", displayName(res.Device.Name), res.SSID)
	if res.Serial != "" {
		fmt.Fprintf(out, " (serial %s", res.Serial)
		if res.Registered {
			fmt.Fprint(out, ", registered")
		}
		fmt.Fprint(out, ")")
	}
	fmt.Fprintln(out)
	return nil
}

// waitTerminal polls the machine until it completes or fails. Cancelling ctx
// cancels the attempt.
func waitTerminal(ctx context.Context, m *provision.Machine) (provision.State, error) {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		if s := m.State(); s.IsTerminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			m.Cancel()
			return m.State(), ctx.Err()
		case <-ticker.C:
		}
	}
}

func recordAttempt(store *history.Store, res provision.Result, logger *logrus.Logger) {
	if res.Device.ID == "" {
		return
	}
	// Record even when the command context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := store.Record(ctx, attemptFromResult(res)); err != nil {
		logger.WithError(err).Warn("Failed to record provisioning attempt")
	}
}

func notifyOutcome(res provision.Result, logger *logrus.Logger) {
	name := displayName(res.Device.Name)
	msg := fmt.Sprintf("%s joined %s", name, res.SSID)
	if res.State != provision.StateCompleted {
		msg = fmt.Sprintf("%s: provisioning failed (%s)", name, FormatUserError(res.Err))
	}
	if err := desktopNotify("gcprov", msg); err != nil {
		logger.WithError(err).Debug("Desktop notification failed")
	}
}

// attemptFromResult converts a machine result into a history row.
func attemptFromResult(res provision.Result) history.Attempt {
	a := history.Attempt{
		DeviceID:   res.Device.ID,
		DeviceName: res.Device.Name,
		Serial:     res.Serial,
		SSID:       res.SSID,
		FinalState: string(res.State),
		Registered: res.Registered,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Err != nil {
		a.Error = res.Err.Error()
		if !res.State.IsTerminal() {
			// Connect failures leave the machine idle.
			a.FinalState = string(provision.StateFailed)
		}
	}
	for _, w := range res.Warnings {
		a.Warnings = append(a.Warnings, w.Error())
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now()
	}
	return a
}
