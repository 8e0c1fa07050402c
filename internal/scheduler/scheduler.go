// Package scheduler runs the background notification loop: each tick fires
// due scheduled rules, drains the outbox into dispatch jobs and sends the
// jobs that are due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/notify"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 5 * time.Second

// Drainer turns outbox records into dispatch jobs. Satisfied by notify.Drainer.
type Drainer interface {
	Drain(ctx context.Context) (notify.DrainStats, error)
}

// Dispatcher sends due dispatch jobs. Satisfied by notify.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context) (notify.DispatchStats, error)
	Close()
}

// RuleSweeper fires scheduled notification rules. Satisfied by Sweeper.
type RuleSweeper interface {
	Sweep(ctx context.Context) (SweepStats, error)
}

// Runner ticks the sweeper, the drainer and the dispatcher on a fixed interval.
type Runner struct {
	sweeper    RuleSweeper
	drainer    Drainer
	dispatcher Dispatcher
	interval   time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// tickMu keeps ticks from overlapping when RunOnce races the loop.
	tickMu sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSweeper fires scheduled rules at the start of every tick.
func WithSweeper(s RuleSweeper) RunnerOption {
	return func(r *Runner) { r.sweeper = s }
}

// NewRunner creates a Runner. A zero interval uses DefaultInterval.
func NewRunner(drainer Drainer, dispatcher Dispatcher, interval time.Duration, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Runner{
		drainer:    drainer,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logging.OrDiscard(logger).With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background loop. It runs one tick immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(loopCtx)
	r.logger.Info("scheduler started", slog.Duration("interval", r.interval))
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Result is the outcome of one tick.
type Result struct {
	Sweep    SweepStats           `json:"sweep"`
	Drain    notify.DrainStats    `json:"drain"`
	Dispatch notify.DispatchStats `json:"dispatch"`
}

// RunOnce sweeps scheduled rules, drains the outbox and dispatches due jobs
// once. Errors are logged; the next tick retries.
func (r *Runner) RunOnce(ctx context.Context) Result {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	var res Result
	if ctx.Err() != nil {
		return res
	}

	if r.sweeper != nil {
		swept, err := r.sweeper.Sweep(ctx)
		res.Sweep = swept
		if err != nil && ctx.Err() == nil {
			r.logger.Error("scheduled rule sweep failed", slog.String("error", err.Error()))
		}
	}

	drained, err := r.drainer.Drain(ctx)
	res.Drain = drained
	if err != nil && ctx.Err() == nil {
		r.logger.Error("outbox drain failed", slog.String("error", err.Error()))
	}

	dispatched, err := r.dispatcher.Dispatch(ctx)
	res.Dispatch = dispatched
	if err != nil && ctx.Err() == nil {
		r.logger.Error("dispatch failed", slog.String("error", err.Error()))
	}

	if res.Sweep.Jobs > 0 || drained.Records > 0 || dispatched.Claimed > 0 || dispatched.Cancelled > 0 {
		r.logger.Debug("tick",
			slog.Int("scheduled_jobs", res.Sweep.Jobs),
			slog.Int("records", drained.Records),
			slog.Int("jobs_created", drained.Jobs),
			slog.Int("sent", dispatched.Sent),
			slog.Int("retrying", dispatched.Retrying),
			slog.Int("failed", dispatched.Failed),
			slog.Int("cancelled", dispatched.Cancelled),
		)
	}
	return res
}

// Stop ends the loop and waits for in-flight sends to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
	r.dispatcher.Close()

	r.logger.Info("scheduler stopped")
	return nil
}
