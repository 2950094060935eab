package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with the remaining seconds.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(out, "Scanning for GC- devices", "Scanning", 15*time.Second)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of times.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	phase    atomic.Value // string
	duration time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewCountdownProgressPrinter creates a progress printer that counts down from duration.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{out: out, prefix: prefix, duration: duration}
	p.phase.Store(phase)
	return p
}

// Start begins redrawing in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.loop(time.Now())
	})
}

func (p *ProgressPrinter) loop(started time.Time) {
	defer close(p.done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	p.print(p.phase.Load().(string), 0)
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			seconds := 0
			if remaining := p.duration - time.Since(started); remaining > 0 {
				// Round to the nearest second, 3.7s -> 4s
				seconds = int(remaining.Seconds() + 0.5)
			}
			p.print(p.phase.Load().(string), seconds)
		}
	}
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a function that updates the displayed phase.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
	}
}

// Stop ends the redraw loop and clears the line. Safe to call repeatedly and
// before Start.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		if p.stop == nil {
			p.startOnce.Do(func() {})
			return
		}
		close(p.stop)
		<-p.done
		fmt.Fprint(p.out, clearLineSequence)
	})
}
