package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/skysync/internal/batch"
	"github.com/alejandrodnm/skysync/internal/domain"
)

// fetchResult es lo que comparten los callers deduplicados.
type fetchResult struct {
	entities []domain.Entity
	stamp    time.Time // inicio del fetch
	failures []domain.ChunkFailure
}

// resolve obtiene y valida los ids miembros del grupo.
func (o *Orchestrator) resolve(ctx context.Context, key string) ([]string, error) {
	sel := domain.ParseSelector(key)
	if sel.Value == "" {
		return nil, domain.InvalidInput("tracker.resolve", "group %q has an empty selector", key)
	}

	raw := sel.ExplicitIDs()
	if sel.Field != domain.FieldICAO {
		if o.registry == nil {
			return nil, domain.InvalidInput("tracker.resolve", "group %q needs a registry (only icao: groups work without one)", key)
		}
		members, err := o.registry.GroupMembers(ctx, sel)
		if err != nil {
			return nil, fmt.Errorf("tracker.resolve: group members %q: %w", key, err)
		}
		raw = members
	}

	ids := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	var invalid []string
	for _, id := range raw {
		id = domain.NormalizeID(id)
		if !domain.ValidID(id) {
			invalid = append(invalid, id)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	switch {
	case sel.Field == domain.FieldICAO && len(invalid) > 0:
		return nil, domain.InvalidInput("tracker.resolve", "malformed icao24 ids: %s", strings.Join(invalid, ","))
	case len(invalid) > 0:
		// Filas sucias del registro: se ignoran, no tumban el grupo.
		slog.Warn("registry returned malformed ids", "group", key, "count", len(invalid))
	}
	if len(ids) == 0 {
		return nil, domain.InvalidInput("tracker.resolve", "group %q has no members", key)
	}

	sort.Strings(ids)
	o.setMembers(key, ids)
	return ids, nil
}

// fetch trae los state vectors de ids, los mergea con los datos estáticos y
// actualiza caché, interpolador e historial. Corre una vez por fingerprint.
func (o *Orchestrator) fetch(ctx context.Context, key string, ids []string) (fetchResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.life, cancel)
	defer stop()

	stamp := o.clock.Now()
	o.markFetching(key)

	res, err := batch.Process(ctx, o.chunker, ids, func(cctx context.Context, chunk []string) ([]domain.StateVector, error) {
		return o.fetchChunk(cctx, chunk)
	})
	if err != nil {
		o.markFailed(key, err)
		return fetchResult{}, err
	}

	run := domain.SyncRun{
		GroupKey:     key,
		StartedAt:    stamp,
		Chunks:       res.Chunks,
		FailedChunks: len(res.Failed),
	}

	if res.AllFailed() {
		err := withRetryAt(res.Err(), "tracker.fetch", o.limiter.NextAvailableSlot())
		run.Duration = o.clock.Since(stamp)
		run.Error = err.Error()
		o.record(run, "failed")
		o.markFailed(key, err)
		slog.Warn("group sync failed",
			"group", key,
			"chunks", res.Chunks,
			"err", err,
		)
		return fetchResult{}, err
	}

	entities := o.merge(ctx, res.Items)
	o.live.Set(key, entities, stamp)
	fed := o.feedInterpolator(entities)
	o.markReady(key, stamp)

	run.Duration = o.clock.Since(stamp)
	run.Entities = len(entities)
	result := "ok"
	if res.Partial() {
		result = "partial"
		run.Error = res.Err().Error()
	}
	o.record(run, result)

	slog.Info("group synced",
		"group", key,
		"ids", len(ids),
		"entities", len(entities),
		"chunks", res.Chunks,
		"failed_chunks", len(res.Failed),
		"interpolated", fed,
		"duration", run.Duration.Round(time.Millisecond),
	)

	return fetchResult{
		entities: entities,
		stamp:    stamp,
		failures: res.Failed,
	}, nil
}

// fetchChunk hace una llamada al upstream bajo el rate limiter y con timeout.
func (o *Orchestrator) fetchChunk(ctx context.Context, chunk []string) ([]domain.StateVector, error) {
	var states []domain.StateVector
	err := o.limiter.Schedule(ctx, func(sctx context.Context) error {
		callCtx, cancel := context.WithTimeout(sctx, o.cfg.FetchTimeout)
		defer cancel()

		got, err := o.source.FetchStates(callCtx, chunk)
		if err != nil {
			// Un timeout propio cuenta como caída del upstream.
			if errors.Is(err, context.DeadlineExceeded) && sctx.Err() == nil {
				return domain.NewError(domain.KindUpstreamUnavailable, "tracker.fetchChunk",
					fmt.Errorf("upstream call exceeded %s: %w", o.cfg.FetchTimeout, err))
			}
			return err
		}
		states = got
		return nil
	})
	return states, err
}

// merge convierte los state vectors en entidades y les añade los datos
// estáticos (caché primero, registro para lo que falte).
func (o *Orchestrator) merge(ctx context.Context, states []domain.StateVector) []domain.Entity {
	// Un id repetido en la respuesta: gana el contacto más reciente.
	latest := make(map[string]domain.StateVector, len(states))
	for _, sv := range states {
		id := domain.NormalizeID(sv.ICAO24)
		if id == "" {
			continue
		}
		sv.ICAO24 = id
		if cur, ok := latest[id]; ok && !sv.LastContact.After(cur.LastContact) {
			continue
		}
		latest[id] = sv
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	static, missing := o.static.GetMany(ids)
	if len(missing) > 0 && o.registry != nil {
		found, err := o.registry.LookupMany(ctx, missing)
		if err != nil {
			slog.Warn("registry lookup failed, merging without static data", "ids", len(missing), "err", err)
		}
		for id, info := range found {
			o.static.Set(id, info)
			static[id] = info
		}
	}

	entities := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		entities = append(entities, toEntity(latest[id], static[id]))
	}
	return entities
}

// feedInterpolator pasa las posiciones nuevas al interpolador.
func (o *Orchestrator) feedInterpolator(entities []domain.Entity) int {
	n := 0
	for _, e := range entities {
		if ob, ok := e.Observation(); ok && o.interp.Update(e.ID, ob) {
			n++
		}
	}
	return n
}

func (o *Orchestrator) record(run domain.SyncRun, result string) {
	o.metrics.ObserveSync(result, run.Duration)
	if o.recorder == nil {
		return
	}
	// El historial se escribe aunque el caller ya no espere.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.recorder.RecordSync(ctx, run); err != nil {
		slog.Warn("sync recorder error", "group", run.GroupKey, "err", err)
	}
}
