package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kycbridge/internal/verification"
	dErrors "kycbridge/pkg/domain-errors"
)

// DefaultPollInterval keeps reconciliation responsive without hammering
// the provider; anything in the 3-5s range is acceptable.
const DefaultPollInterval = 3 * time.Second

// Reconciler periodically re-checks pending verification sessions until they
// reach a terminal status.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	// useProvider makes each tick poll the upstream provider instead of
	// only re-reading the stored record. Off by default: webhooks are the
	// primary decision path and the stored record reflects them.
	useProvider bool
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithProviderPolling makes each reconciliation tick call the provider
// decision endpoint rather than only re-reading the store.
func WithProviderPolling() ReconcilerOption {
	return func(r *Reconciler) { r.useProvider = true }
}

// NewReconciler constructs a reconciler polling at the given interval.
func NewReconciler(svc *Service, interval time.Duration, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	r := &Reconciler{svc: svc, interval: interval, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Watch is a handle on one subject's reconciliation loop.
type Watch struct {
	done   chan verification.Status
	cancel context.CancelFunc
	stop   sync.Once
}

// Done delivers the terminal status exactly once, then the loop exits.
// The channel is never closed on cancellation, so callers should select
// against their own context.
func (w *Watch) Done() <-chan verification.Status {
	return w.done
}

// Stop cancels the loop. Safe to call multiple times and after completion.
func (w *Watch) Stop() {
	w.stop.Do(w.cancel)
}

// Watch starts a reconciliation loop for one subject. The loop ticks at the
// configured interval until the session reaches a terminal status, the check
// fails hard, or ctx is cancelled. The terminal status is signalled exactly
// once on the returned watch.
func (r *Reconciler) Watch(ctx context.Context, subjectID string) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		done:   make(chan verification.Status, 1),
		cancel: cancel,
	}

	go func() {
		defer cancel()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			status, err := r.check(ctx, subjectID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.ErrorContext(ctx, "reconciliation check failed",
					"subject_id", subjectID, "error", err)
				return
			}
			if status.Terminal() {
				w.done <- status
				return
			}
		}
	}()

	return w
}

// CheckNow performs a single reconciliation pass for a subject, always going
// to the provider. It backs the operator-triggered check endpoint.
func (r *Reconciler) CheckNow(ctx context.Context, subjectID string) (*DecisionResult, error) {
	return r.svc.FetchDecision(ctx, subjectID)
}

func (r *Reconciler) check(ctx context.Context, subjectID string) (verification.Status, error) {
	if r.useProvider {
		res, err := r.svc.FetchDecision(ctx, subjectID)
		if err != nil {
			return verification.StatusInProgress, err
		}
		return res.Status, nil
	}
	sess, err := r.svc.GetSession(ctx, subjectID)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		// The record may not be written yet; keep polling.
		return verification.StatusInProgress, nil
	}
	if err != nil {
		return verification.StatusInProgress, err
	}
	return sess.Status, nil
}
