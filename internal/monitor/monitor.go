// Package monitor watches for sandboxes left running by no-cleanup or
// setup-only sessions and nags about them on a schedule.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StatusFunc reports whether the sandbox container is running and since when.
type StatusFunc func(ctx context.Context) (running bool, since time.Time, err error)

// Watchdog runs the status check on a cron schedule and logs a warning for
// every sandbox found still running. It never acts on its own: tearing down
// is the operator's call, a forgotten sandbox may be a deliberate one.
type Watchdog struct {
	logger   zerolog.Logger
	status   StatusFunc
	schedule string
	cron     *cron.Cron
	maxAge   time.Duration
}

// New builds a watchdog. schedule takes standard cron syntax plus the
// @every form; maxAge controls when a running sandbox escalates from info
// to warning. Zero maxAge warns on any running sandbox.
func New(logger zerolog.Logger, status StatusFunc, schedule string, maxAge time.Duration) *Watchdog {
	return &Watchdog{
		logger:   logger,
		status:   status,
		schedule: schedule,
		maxAge:   maxAge,
	}
}

// Start validates the schedule, runs one immediate check, and begins the
// periodic ones. The returned stop function blocks until a running check
// finishes.
func (w *Watchdog) Start(ctx context.Context) (stop func(), err error) {
	w.cron = cron.New()
	_, err = w.cron.AddFunc(w.schedule, func() { w.check(ctx) })
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", w.schedule, err)
	}

	w.check(ctx)
	w.cron.Start()
	w.logger.Info().Str("schedule", w.schedule).Msg("sandbox watchdog started")

	return func() { <-w.cron.Stop().Done() }, nil
}

// check is a single inspection pass, also usable standalone for one-shot
// status commands.
func (w *Watchdog) check(ctx context.Context) {
	running, since, err := w.status(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("sandbox status check failed")
		return
	}
	if !running {
		w.logger.Debug().Msg("no sandbox running")
		return
	}

	age := time.Duration(0)
	if !since.IsZero() {
		age = time.Since(since).Round(time.Second)
	}
	event := w.logger.Warn()
	if w.maxAge > 0 && age < w.maxAge {
		event = w.logger.Info()
	}
	event.Dur("age", age).Msg("sandbox still running; tear it down with cleanup when done")
}

// CheckOnce runs a single inspection outside any schedule.
func (w *Watchdog) CheckOnce(ctx context.Context) {
	w.check(ctx)
}
