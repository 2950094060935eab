package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/srg/gcprov/internal/codec"
	"github.com/srg/gcprov/scanner"
	"golang.org/x/term"
)

// chooseDevice picks the only device, or asks the operator to pick one.
func chooseDevice(out io.Writer, in *bufio.Reader, devices []scanner.DiscoveredDevice) (scanner.DiscoveredDevice, error) {
	switch len(devices) {
	case 0:
		return scanner.DiscoveredDevice{}, ErrNoDevices
	case 1:
		fmt.Fprintf(out, "Using %s (%s)\n", displayName(devices[0].Name), devices[0].ID)
		return devices[0], nil
	}

	if err := displayDevicesTable(out, devices); err != nil {
		return scanner.DiscoveredDevice{}, err
	}
	i, err := promptIndex(out, in, "Select device", len(devices))
	if err != nil {
		return scanner.DiscoveredDevice{}, err
	}
	return devices[i], nil
}

// chooseNetwork asks the operator to pick a reported network, or to type an
// SSID when the device reported none.
func chooseNetwork(out io.Writer, in *bufio.Reader, networks []codec.WiFiNetwork) (string, error) {
	if len(networks) == 0 {
		fmt.Fprint(out, "The device reported no networks. SSID: ")
		line, err := readLine(in)
		if err != nil {
			return "", err
		}
		if line == "" {
			return "", ErrNoSelection
		}
		return line, nil
	}

	for i, n := range networks {
		fmt.Fprintf(out, "  %d) %s\n", i+1, n.SSID)
	}
	i, err := promptIndex(out, in, "Select network", len(networks))
	if err != nil {
		return "", err
	}
	return networks[i].SSID, nil
}

// promptPassword reads the password without echo on a terminal, or as a plain
// line from piped input.
func promptPassword(out io.Writer, raw io.Reader, in *bufio.Reader, ssid string) (string, error) {
	fmt.Fprintf(out, "Password for %q: ", ssid)

	if f, ok := raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(out)
	return strings.TrimRight(line, "\r\n"), nil
}

func promptIndex(out io.Writer, in *bufio.Reader, label string, n int) (int, error) {
	for attempt := 0; attempt < 3; attempt++ {
		fmt.Fprintf(out, "%s [1-%d]: ", label, n)
		line, err := readLine(in)
		if err != nil {
			return 0, err
		}
		v, convErr := strconv.Atoi(line)
		if convErr == nil && v >= 1 && v <= n {
			return v - 1, nil
		}
		fmt.Fprintf(out, "Enter a number between 1 and %d\n", n)
	}
	return 0, ErrNoSelection
}

// readLine returns the next trimmed line. EOF with no input is ErrNoSelection.
func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line = strings.TrimSpace(line); line != "" {
				return line, nil
			}
			return "", ErrNoSelection
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
