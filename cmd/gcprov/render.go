package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/gcprov/internal/codec"
	"github.com/srg/gcprov/internal/provision"
	"golang.org/x/term"
)

var (
	okColor    = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed, color.Bold)
	faintColor = color.New(color.Faint)
)

var stateMessages = map[provision.State]string{
	provision.StateScanning:             "Scanning for devices...",
	provision.StateConnecting:           "Connecting...",
	provision.StateDiscovering:          "Discovering services...",
	provision.StateListingNetworks:      "Reading WiFi networks...",
	provision.StateConfiguring:          "Sending WiFi credentials...",
	provision.StateAwaitingConfirmation: "Waiting for the device to join WiFi...",
	provision.StateFinalizing:           "Finalizing...",
}

// eventRenderer prints machine events as they arrive.
type eventRenderer struct {
	out  io.Writer
	done chan struct{}
}

// renderEvents consumes events until the stream is closed.
func renderEvents(out io.Writer, events <-chan provision.Event) *eventRenderer {
	r := &eventRenderer{out: out, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range events {
			r.render(ev)
		}
	}()
	return r
}

// Wait blocks until the event stream was closed and drained.
func (r *eventRenderer) Wait() {
	<-r.done
}

func (r *eventRenderer) render(ev provision.Event) {
	switch ev.Type {
	case provision.EventStateChanged:
		if ev.State == provision.StateCompleted {
			okColor.Fprintln(r.out, "Provisioning complete")
			return
		}
		if msg, ok := stateMessages[ev.State]; ok {
			fmt.Fprintln(r.out, msg)
		}

	case provision.EventDevice:
		if ev.Device != nil {
			faintColor.Fprintf(r.out, "  found %s (%s, %d dBm)\n", displayName(ev.Device.Name), ev.Device.ID, ev.Device.RSSI)
		}

	case provision.EventNetworks:
		fmt.Fprintf(r.out, "Device sees %d WiFi network(s)\n", len(ev.Networks))

	case provision.EventNotification:
		if ev.Notification == nil || ev.Notification.Kind == codec.NotificationEmpty {
			return
		}
		if ev.Notification.Confirmed() {
			okColor.Fprintf(r.out, "Device: %s\n", ev.Notification.Text)
			return
		}
		fmt.Fprintf(r.out, "Device: %s\n", ev.Notification.Text)

	case provision.EventWarning:
		warnColor.Fprintf(r.out, "WARNING: %v\n", ev.Err)

	case provision.EventError:
		errColor.Fprintf(r.out, "FAILED: %s\n", FormatUserError(ev.Err))
	}
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w interface{}) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// lockedWriter serializes writes from the event renderer and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
