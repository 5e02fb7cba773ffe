package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// Run ejecuta el loop de poll y limpieza hasta que el contexto se cancele.
//
// El poll es adaptativo: espera max(PollInterval, intervalo del limiter) entre
// ciclos. La limpieza (caché, interpolador, grupos huérfanos) va por su
// propio ticker, independiente del tráfico.
func (o *Orchestrator) Run(ctx context.Context) error {
	slog.Info("orchestrator starting",
		"poll_interval", o.cfg.PollInterval,
		"cleanup_interval", o.cfg.CleanupInterval,
		"groups", len(o.groupKeys()),
	)

	o.pollDue(ctx)

	cleanup := o.clock.NewTicker(o.cfg.CleanupInterval, "tracker", "cleanup")
	defer cleanup.Stop()
	poll := o.clock.NewTimer(o.nextPollDelay(), "tracker", "poll")
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("orchestrator stopped")
			return nil
		case <-o.life.Done():
			return nil
		case <-cleanup.C:
			o.Cleanup()
		case <-poll.C:
			o.pollDue(ctx)
			poll.Reset(o.nextPollDelay(), "tracker", "poll")
		}
	}
}

// RunOnce sincroniza una vez todos los grupos seguidos y devuelve sus snapshots.
// Los fallos de un grupo no impiden los demás: se devuelven en errs.
func (o *Orchestrator) RunOnce(ctx context.Context) ([]domain.Snapshot, map[string]error) {
	var snaps []domain.Snapshot
	errs := make(map[string]error)
	for _, st := range o.Groups() {
		snap, err := o.Sync(ctx, st.Key)
		if err != nil {
			errs[st.Key] = err
			if len(snap.Entities) == 0 {
				continue
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, errs
}

// pollDue refresca en serie los grupos que tocan. Devuelve cuántos refrescó.
func (o *Orchestrator) pollDue(ctx context.Context) int {
	start := o.clock.Now()
	due := o.dueGroups(start)
	if len(due) == 0 {
		return 0
	}

	n := 0
	for _, key := range due {
		if ctx.Err() != nil {
			break
		}
		snap, err := o.Refresh(ctx, key)
		if err != nil {
			slog.Warn("poll refresh failed", "group", key, "err", err, "stale_entities", len(snap.Entities))
			continue
		}
		if snap.Partial() {
			slog.Warn("poll refresh partial", "group", key, "failed_ids", len(domain.FailedIDs(snap.Failures)))
		}
		n++
	}

	slog.Debug("poll cycle complete",
		"due", len(due),
		"refreshed", n,
		"duration", o.clock.Since(start).Round(time.Millisecond),
	)
	return n
}

// nextPollDelay no baja nunca del intervalo actual del limiter.
func (o *Orchestrator) nextPollDelay() time.Duration {
	d := o.cfg.PollInterval
	if iv := o.limiter.Interval(); iv > d {
		d = iv
	}
	return d
}

// Cleanup barre la caché viva, purga historiales de interpolación y recoge
// los grupos sin suscriptores ni datos.
func (o *Orchestrator) Cleanup() {
	swept := o.live.Sweep()
	purged := o.interp.Cleanup()

	reaped := 0
	for _, key := range o.groupKeys() {
		if o.reapGroup(key) {
			reaped++
		}
	}

	if swept+purged+reaped > 0 {
		slog.Debug("cleanup complete",
			"cache_swept", swept,
			"histories_purged", purged,
			"groups_reaped", reaped,
		)
	}
}
