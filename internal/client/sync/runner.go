package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/pkg/api"
)

// Session is the slice of the wire client the runner drives: the RPC
// surface plus the event stream and teardown.
type Session interface {
	remote.Repository
	Events() <-chan remote.Event
	Welcome() *api.Welcome
	Err() error
	Close() error
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	// Dial establishes one session. The runner owns the returned
	// session until it drops.
	Dial func(ctx context.Context) (Session, error)
	// ProjectOID selects the project phase of full sync passes. Empty
	// skips the phase.
	ProjectOID string
	// OnWelcome observes each successful handshake, e.g. to persist
	// the rotated session token. Optional.
	OnWelcome func(api.Welcome)
	// Backoff paces redials. Defaults to 1s..30s exponential.
	Backoff *remote.Backoff
}

// Runner keeps one session alive: dial with backoff, recover per the
// monitor's decision, pump events into the engine, redial on drop.
// Incompatible protocol and refused credentials are fatal; everything
// else retries.
type Runner struct {
	svc     *Service
	monitor *Monitor
	logger  *slog.Logger
	cfg     RunnerConfig
}

// NewRunner wires the dial loop. The Service's Run loop must be started
// alongside it, on the same context.
func NewRunner(svc *Service, monitor *Monitor, logger *slog.Logger, cfg RunnerConfig) *Runner {
	if cfg.Backoff == nil {
		cfg.Backoff = remote.NewBackoff(time.Second, 30*time.Second)
	}
	return &Runner{svc: svc, monitor: monitor, logger: logger, cfg: cfg}
}

// Run dials and redials until ctx is cancelled or a fatal condition
// surfaces.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.monitor.Connecting()
		sess, err := r.cfg.Dial(ctx)
		if err != nil {
			r.monitor.Disconnected()
			if errors.Is(err, remote.ErrProtocolIncompatible) || errors.Is(err, remote.ErrAuthFailed) {
				return err
			}
			delay := r.cfg.Backoff.Next()
			r.logger.Warn("dial failed", "error", err, "retry_in", delay.String())
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		r.cfg.Backoff.Reset()
		if err := r.runSession(ctx, sess); err != nil {
			return err
		}
		r.monitor.Disconnected()
	}
}

// runSession drives one established session until it drops. A nil
// return means redial; an error is fatal to the loop.
func (r *Runner) runSession(ctx context.Context, sess Session) error {
	defer sess.Close()

	if err := r.svc.AttachSession(ctx, sess); err != nil {
		return err
	}
	defer func() {
		// Best effort: with ctx cancelled the engine loop is going
		// down anyway.
		_ = r.svc.DetachSession(ctx)
	}()

	if r.cfg.OnWelcome != nil {
		if welcome := sess.Welcome(); welcome != nil {
			r.cfg.OnWelcome(*welcome)
		}
	}

	switch r.monitor.Connected() {
	case DecisionFullSync:
		if _, err := r.svc.SyncAll(ctx, r.cfg.ProjectOID); err != nil {
			// The session stays up; a dead link surfaces through the
			// event stream below.
			r.logger.Warn("sync pass failed", "error", err)
		}
	case DecisionResubscribe:
		if err := r.svc.Resubscribe(ctx); err != nil {
			r.logger.Warn("resubscribe failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				r.logger.Warn("session lost", "error", sess.Err())
				return nil
			}
			if err := r.svc.Deliver(ctx, ev); err != nil {
				return err
			}
		}
	}
}
