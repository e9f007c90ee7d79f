package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/internal/metrics"
	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/relay"
)

// Janitor periodically fails sessions stranded before execution, e.g.
// after a dispatch queue loss or a process restart.
type Janitor struct {
	store     store.Store
	hub       *relay.Hub
	metrics   *metrics.Metrics
	interval  time.Duration
	orphanAge time.Duration
}

// NewJanitor creates a sweep with the given cadence and orphan age
func NewJanitor(st store.Store, hub *relay.Hub, m *metrics.Metrics, interval, orphanAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if orphanAge <= 0 {
		orphanAge = 30 * time.Minute
	}
	return &Janitor{store: st, hub: hub, metrics: m, interval: interval, orphanAge: orphanAge}
}

// Start runs the sweep loop until ctx is cancelled
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", j.interval).Dur("orphan_age", j.orphanAge).Msg("Janitor sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Janitor sweep stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep fails every session stuck in a pre-execution status longer
// than the orphan age.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.orphanAge)
	orphans, err := j.store.ListOrphanSessions(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Janitor failed to list orphaned sessions")
		return
	}

	for _, sess := range orphans {
		now := time.Now().UTC()
		fin := store.Finalization{
			Status:       store.StatusFailed,
			CompletedAt:  now,
			ErrorMessage: "orphaned by dispatch loss",
		}
		if sess.StartedAt != nil {
			fin.DurationSeconds = int(now.Sub(*sess.StartedAt).Seconds())
		}
		if err := j.store.FinalizeSession(ctx, sess.ID, fin); err != nil {
			if !errors.Is(err, store.ErrAlreadyFinal) {
				log.Error().Err(err).Str("session_id", sess.ID).Msg("Janitor failed to finalize orphan")
			}
			continue
		}

		j.metrics.SessionsTotal.WithLabelValues(sess.ProviderSlug, string(store.StatusFailed)).Inc()
		j.hub.Publish(sess.ID, relay.Event{Type: relay.EventError, Content: fin.ErrorMessage})
		j.hub.Publish(sess.ID, relay.Event{Type: relay.EventDone, Content: string(store.StatusFailed)})
		j.hub.Finish(sess.ID)

		log.Warn().
			Str("session_id", sess.ID).
			Str("workspace_id", sess.WorkspaceID).
			Time("created_at", sess.CreatedAt).
			Msg("Orphaned session swept as failed")
	}
}
