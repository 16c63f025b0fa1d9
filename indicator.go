package main

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusIndicator is the optional visual transfer indicator. Blink runs
// until its context is cancelled and always leaves the indicator off;
// the controller then writes the terminal state itself.
type StatusIndicator interface {
	Blink(ctx context.Context, interval time.Duration)
	On() error
	Off() error
}

// GPIOIndicator drives an LED through the gpioset tool (libgpiod).
// Presence of the tool is checked at startup when the indicator is
// enabled.
type GPIOIndicator struct {
	chip   string
	line   int
	logger logrus.FieldLogger
	run    func(args ...string) error // exec seam for tests
}

func NewGPIOIndicator(chip string, line int, logger logrus.FieldLogger) *GPIOIndicator {
	ind := &GPIOIndicator{
		chip:   chip,
		line:   line,
		logger: logger.WithField("component", "indicator"),
	}
	ind.run = func(args ...string) error {
		return exec.Command("gpioset", args...).Run()
	}
	return ind
}

func (g *GPIOIndicator) set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return g.run(g.chip, fmt.Sprintf("%d=%d", g.line, v))
}

// On sets the indicator solid-on (success state)
func (g *GPIOIndicator) On() error { return g.set(true) }

// Off sets the indicator to the safe off state
func (g *GPIOIndicator) Off() error { return g.set(false) }

// Blink toggles the line at the given interval until ctx is cancelled.
// The deferred Off guarantees a defined final hardware state on every
// exit path; a failed write is only worth a warning since the LED is
// purely informational.
func (g *GPIOIndicator) Blink(ctx context.Context, interval time.Duration) {
	defer func() {
		if err := g.Off(); err != nil {
			g.logger.WithError(err).Warn("failed to reset indicator")
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	on := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			on = !on
			if err := g.set(on); err != nil {
				g.logger.WithError(err).Warn("failed to toggle indicator")
			}
		}
	}
}

// noopIndicator is used when the LED integration is disabled
type noopIndicator struct{}

func (noopIndicator) Blink(ctx context.Context, interval time.Duration) { <-ctx.Done() }
func (noopIndicator) On() error                                         { return nil }
func (noopIndicator) Off() error                                        { return nil }
