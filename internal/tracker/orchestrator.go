// Package tracker compone el motor de sincronización: grupos seguidos,
// caché, deduplicación, troceado, rate limiting e interpolación.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/alejandrodnm/skysync/internal/batch"
	"github.com/alejandrodnm/skysync/internal/cache"
	"github.com/alejandrodnm/skysync/internal/dedup"
	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/interpolate"
	"github.com/alejandrodnm/skysync/internal/metrics"
	"github.com/alejandrodnm/skysync/internal/ports"
	"github.com/alejandrodnm/skysync/internal/ratelimit"
)

// Config contiene la configuración del orquestador.
type Config struct {
	PollInterval    time.Duration
	FetchTimeout    time.Duration // por llamada al upstream
	StaleAfter      time.Duration // umbral de validez del estado vivo
	CleanupInterval time.Duration
	DedupGrace      time.Duration
}

// DefaultConfig devuelve una configuración sensata para producción.
func DefaultConfig() Config {
	return Config{
		PollInterval:    30 * time.Second,
		FetchTimeout:    12 * time.Second,
		StaleAfter:      time.Hour,
		CleanupInterval: time.Minute,
		DedupGrace:      dedup.DefaultGrace,
	}
}

// Deps son los colaboradores del orquestador. Source, Limiter y Chunker son
// obligatorios; el resto se crea con valores por defecto si viene nil.
type Deps struct {
	Source       ports.PositionSource
	Registry     ports.Registry
	Recorder     ports.SyncRecorder
	Limiter      *ratelimit.Limiter
	Chunker      *batch.Chunker
	Live         *cache.LiveCache[[]domain.Entity]
	Static       *cache.TTLStore[domain.StaticInfo]
	Interpolator *interpolate.Interpolator
	Clock        quartz.Clock
	Metrics      *metrics.Metrics
}

// Callback recibe cada actualización de un grupo suscrito.
type Callback func(domain.Snapshot)

// Orchestrator es el punto de entrada del motor.
type Orchestrator struct {
	cfg      Config
	source   ports.PositionSource
	registry ports.Registry
	recorder ports.SyncRecorder
	limiter  *ratelimit.Limiter
	chunker  *batch.Chunker
	live     *cache.LiveCache[[]domain.Entity]
	static   *cache.TTLStore[domain.StaticInfo]
	interp   *interpolate.Interpolator
	dedup    *dedup.Group[fetchResult]
	clock    quartz.Clock
	metrics  *metrics.Metrics

	mu     sync.Mutex
	groups map[string]*group

	// life se cancela en Close; corta los fetches en vuelo y las syncs de fondo.
	life     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// New crea un Orchestrator con todas las dependencias inyectadas.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Source == nil || deps.Limiter == nil || deps.Chunker == nil {
		return nil, errors.New("tracker.New: source, limiter and chunker are required")
	}

	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleAfter < 0 {
		cfg.StaleAfter = 0
	}

	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	if deps.Live == nil {
		deps.Live = cache.NewLive[[]domain.Entity](cache.LiveConfig{StaleRetention: cache.DefaultStaleRetention}, clock, deps.Metrics)
	}
	if deps.Static == nil {
		deps.Static = cache.NewTTLStore[domain.StaticInfo](cache.DefaultStaticTTL, cache.DefaultStaticMaxEntries, deps.Metrics)
	}
	if deps.Interpolator == nil {
		deps.Interpolator = interpolate.New(interpolate.Config{}, clock, deps.Metrics)
	}

	life, shutdown := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		source:   deps.Source,
		registry: deps.Registry,
		recorder: deps.Recorder,
		limiter:  deps.Limiter,
		chunker:  deps.Chunker,
		live:     deps.Live,
		static:   deps.Static,
		interp:   deps.Interpolator,
		dedup:    dedup.New[fetchResult](clock, cfg.DedupGrace, deps.Metrics),
		clock:    clock,
		metrics:  deps.Metrics,
		groups:   make(map[string]*group),
		life:     life,
		shutdown: shutdown,
	}, nil
}

// Sync devuelve el estado del grupo: de la caché si está fresca, si no lo
// trae del upstream.
//
// Un fallo parcial no es error: el Snapshot lleva los chunks fallidos en
// Failures. Un fallo total devuelve error y un Snapshot Stale con los datos
// que hubiera en caché, que nunca se borran por un refresh fallido.
func (o *Orchestrator) Sync(ctx context.Context, groupKey string) (domain.Snapshot, error) {
	return o.sync(ctx, groupKey, false)
}

// Refresh es Sync sin mirar la caché. Sigue deduplicado.
func (o *Orchestrator) Refresh(ctx context.Context, groupKey string) (domain.Snapshot, error) {
	return o.sync(ctx, groupKey, true)
}

func (o *Orchestrator) sync(ctx context.Context, groupKey string, force bool) (domain.Snapshot, error) {
	key := domain.NormalizeKey(groupKey)
	if key == "" {
		return domain.Snapshot{}, domain.InvalidInput("tracker.Sync", "empty group key")
	}

	if !force {
		if entities, ok := o.live.Get(key); ok {
			snap := domain.Snapshot{GroupKey: key, Entities: entities, FromCache: true}
			if e, ok := o.live.Peek(key); ok {
				snap.FetchedAt = e.Stamp
			}
			return snap, nil
		}
	}

	o.ensureGroup(key, false)

	ids, err := o.resolve(ctx, key)
	if err != nil {
		o.markFailed(key, err)
		return o.staleSnapshot(key), err
	}

	res, _, err := o.dedup.Do(ctx, dedup.Fingerprint(ids), func(fctx context.Context) (fetchResult, error) {
		return o.fetch(fctx, key, ids)
	})
	if err != nil {
		if ctx.Err() == nil {
			o.markFailed(key, err)
		}
		return o.staleSnapshot(key), err
	}

	// Otro grupo con el mismo conjunto de ids pudo iniciar el fetch: esta
	// clave también se alimenta. Para el iniciador es un duplicado.
	o.live.Set(key, res.entities, res.stamp)
	o.markReady(key, res.stamp)

	return domain.Snapshot{
		GroupKey:  key,
		Entities:  res.entities,
		FetchedAt: res.stamp,
		Failures:  res.failures,
	}, nil
}

// GetGroup es la lectura puntual: datos frescos, o viejos pero válidos sin
// error. Solo falla si no hay nada que servir.
func (o *Orchestrator) GetGroup(ctx context.Context, groupKey string) ([]domain.Entity, error) {
	snap, err := o.Sync(ctx, groupKey)
	if err != nil {
		if len(snap.Entities) > 0 {
			slog.Warn("serving stale group data", "group", snap.GroupKey, "err", err)
			return snap.Entities, nil
		}
		return nil, err
	}
	return snap.Entities, nil
}

// Active filtra las entidades cuyo último contacto supera StaleAfter.
func (o *Orchestrator) Active(entities []domain.Entity) []domain.Entity {
	return domain.ActiveOnly(entities, o.clock.Now(), o.cfg.StaleAfter)
}

// Subscribe registra cb para las actualizaciones del grupo. Si ya hay datos
// en caché se entregan enseguida; además se lanza una sync inicial en
// segundo plano. Devuelve la función para darse de baja (idempotente).
//
// cb corre dentro del dispatch del grupo: puede leer o sincronizar otros
// grupos, pero un Refresh del mismo grupo desde cb se bloquea.
func (o *Orchestrator) Subscribe(groupKey string, cb Callback) (func(), error) {
	key := domain.NormalizeKey(groupKey)
	if key == "" {
		return nil, domain.InvalidInput("tracker.Subscribe", "empty group key")
	}
	if cb == nil {
		return nil, domain.InvalidInput("tracker.Subscribe", "nil callback")
	}

	o.ensureGroup(key, false)
	o.addSubscriber(key, 1)

	unsubCache := o.live.SubscribeCurrent(key, func(e cache.Entry[[]domain.Entity]) {
		cb(domain.Snapshot{GroupKey: key, Entities: e.Data, FetchedAt: e.Stamp})
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Sync(o.life, key); err != nil && o.life.Err() == nil {
			slog.Warn("initial sync failed", "group", key, "err", err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubCache()
			o.addSubscriber(key, -1)
			o.reapGroup(key)
		})
	}, nil
}

// Position devuelve la posición interpolada de una aeronave en t.
func (o *Orchestrator) Position(id string, t time.Time) (domain.Position, bool) {
	return o.interp.Interpolate(id, t)
}

// Limiter expone el rate limiter (para estado y métricas).
func (o *Orchestrator) Limiter() *ratelimit.Limiter { return o.limiter }

// Close cancela el trabajo de fondo y espera a que termine.
func (o *Orchestrator) Close() error {
	o.shutdown()
	o.wg.Wait()
	return nil
}

// staleSnapshot construye la respuesta de un refresh fallido.
func (o *Orchestrator) staleSnapshot(key string) domain.Snapshot {
	snap := domain.Snapshot{GroupKey: key, Stale: true}
	if e, ok := o.live.Peek(key); ok {
		snap.Entities = e.Data
		snap.FetchedAt = e.Stamp
		snap.FromCache = true
	}
	return snap
}

// withRetryAt completa el error con el próximo hueco del limiter si no lo trae.
func withRetryAt(err error, op string, slot time.Time) error {
	var se *domain.SyncError
	if errors.As(err, &se) {
		if !se.RetryAt.IsZero() {
			return err
		}
		cp := *se
		cp.RetryAt = slot
		return &cp
	}
	return &domain.SyncError{
		Kind:    domain.KindUpstreamUnavailable,
		Op:      op,
		RetryAt: slot,
		Err:     fmt.Errorf("fetch: %w", err),
	}
}
