package ratelimit

// limiter.go: cuota por minuto y por día + intervalo adaptativo.
//
// El upstream cobra por request y castiga las ráfagas con 429. El Limiter:
//   - Lleva ventanas deslizantes de 1 minuto y 24 horas (timestamps reales,
//     no token bucket: necesitamos saber cuándo se libera el próximo hueco).
//   - Separa cada request del anterior por un intervalo que se adapta:
//     ÷1.5 tras éxito, ×2 tras fallo, siempre dentro de [min, max].
//   - Respeta el retry-after explícito del upstream como bloqueo duro.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/metrics"
)

const (
	minuteSpan = time.Minute
	daySpan    = 24 * time.Hour
)

// Mode distingue las cuotas anónimas de las autenticadas.
type Mode int

const (
	ModeAnonymous Mode = iota
	ModeAuthenticated
)

func (m Mode) String() string {
	if m == ModeAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Quota son los techos de requests por ventana.
type Quota struct {
	PerMinute int
	PerDay    int
}

// Config contiene la configuración del Limiter.
type Config struct {
	Mode          Mode
	Anonymous     Quota
	Authenticated Quota // zero = el doble de Anonymous
	MinInterval   time.Duration
	MaxInterval   time.Duration
	// BackoffFactor multiplica el intervalo en cada fallo (default 2).
	BackoffFactor float64
	// RecoveryFactor divide el intervalo en cada éxito (default 1.5).
	RecoveryFactor float64
	// MaxWait es lo máximo que Schedule espera un hueco antes de rendirse
	// con RateLimited. 0 = esperar lo que haga falta.
	MaxWait time.Duration
}

// DefaultConfig devuelve límites conservadores para uso anónimo.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeAnonymous,
		Anonymous:      Quota{PerMinute: 10, PerDay: 400},
		MinInterval:    5 * time.Second,
		MaxInterval:    5 * time.Minute,
		BackoffFactor:  2,
		RecoveryFactor: 1.5,
		MaxWait:        2 * time.Minute,
	}
}

// Stats es una foto del estado del limiter.
type Stats struct {
	Mode                Mode
	Quota               Quota
	MinuteCount         int
	DayCount            int
	Interval            time.Duration
	ConsecutiveFailures int
	NextSlot            time.Time
	RateLimited         bool
}

// Limiter controla el ritmo de requests al upstream.
// Es seguro para uso concurrente; nadie más muta sus contadores.
type Limiter struct {
	cfg     Config
	quota   Quota
	clock   quartz.Clock
	metrics *metrics.Metrics

	mu           sync.Mutex
	minute       window
	day          window
	interval     time.Duration
	failures     int
	lastRequest  time.Time
	blockedUntil time.Time
}

// New crea un Limiter. El modo queda fijo para toda la sesión.
// m puede ser nil.
func New(cfg Config, clock quartz.Clock, m *metrics.Metrics) *Limiter {
	def := DefaultConfig()
	if cfg.Anonymous.PerMinute <= 0 && cfg.Anonymous.PerDay <= 0 {
		cfg.Anonymous = def.Anonymous
	}
	if cfg.Authenticated.PerMinute <= 0 && cfg.Authenticated.PerDay <= 0 {
		cfg.Authenticated = Quota{
			PerMinute: cfg.Anonymous.PerMinute * 2,
			PerDay:    cfg.Anonymous.PerDay * 2,
		}
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.RecoveryFactor <= 1 {
		cfg.RecoveryFactor = def.RecoveryFactor
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	quota := cfg.Anonymous
	if cfg.Mode == ModeAuthenticated {
		quota = cfg.Authenticated
	}

	l := &Limiter{
		cfg:      cfg,
		quota:    quota,
		clock:    clock,
		metrics:  m,
		minute:   newWindow(quota.PerMinute, minuteSpan),
		day:      newWindow(quota.PerDay, daySpan),
		interval: cfg.MinInterval,
	}
	m.SetLimiterInterval(l.interval)
	return l
}

// Mode devuelve el modo con el que se construyó el limiter.
func (l *Limiter) Mode() Mode { return l.cfg.Mode }

// Quota devuelve la cuota efectiva del modo actual.
func (l *Limiter) Quota() Quota { return l.quota }

// TryAcquire consume un hueco si ambas ventanas tienen sitio. Nunca bloquea.
// No consulta el intervalo: eso es cosa de Schedule.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.evictLocked(now)
	if l.minute.full() || l.day.full() {
		l.metrics.LimiterRejected()
		return false
	}
	l.recordLocked(now)
	return true
}

// Schedule espera (sin bloquear el hilo: timer + ctx) hasta que haya hueco,
// ejecuta op y registra el resultado. Si el próximo hueco está más lejos que
// MaxWait devuelve un RateLimited con RetryAt sin ejecutar op.
func (l *Limiter) Schedule(ctx context.Context, op func(context.Context) error) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		slot := l.nextSlotLocked(now)
		if !slot.After(now) {
			l.recordLocked(now)
			l.mu.Unlock()

			err := op(ctx)
			l.observe(err)
			return err
		}
		l.mu.Unlock()

		wait := slot.Sub(now)
		if l.cfg.MaxWait > 0 && wait > l.cfg.MaxWait {
			l.metrics.LimiterRejected()
			return &domain.SyncError{
				Kind:    domain.KindRateLimited,
				Op:      "ratelimit.Schedule",
				RetryAt: slot,
				Err:     fmt.Errorf("next slot in %s: %w", wait.Round(time.Second), domain.ErrQuotaExhausted),
			}
		}

		slog.Debug("rate limiter waiting for slot", "wait", wait.Round(time.Millisecond))
		timer := l.clock.NewTimer(wait, "ratelimit", "schedule")
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// observe adapta el intervalo según el resultado de op.
// Solo los errores transitorios (y los timeouts) cuentan como fallo.
func (l *Limiter) observe(err error) {
	switch {
	case err == nil:
		l.RecordSuccess()
	case domain.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		l.RecordFailure(domain.RetryAfterOf(err))
	}
}

// RecordSuccess acerca el intervalo al mínimo: interval = max(min, interval/1.5).
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures = 0
	l.interval = l.clamp(time.Duration(float64(l.interval) / l.cfg.RecoveryFactor))
	l.metrics.SetLimiterInterval(l.interval)
}

// RecordFailure duplica el intervalo hasta el máximo. Si el upstream mandó un
// retry-after explícito, ese valor manda (con piso en el mínimo) y además
// bloquea nuevos huecos hasta now+retryAfter.
func (l *Limiter) RecordFailure(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	if retryAfter > 0 {
		l.interval = l.clamp(retryAfter)
		l.blockedUntil = l.clock.Now().Add(retryAfter)
	} else {
		l.interval = l.clamp(time.Duration(float64(l.interval) * l.cfg.BackoffFactor))
	}
	l.metrics.SetLimiterInterval(l.interval)

	slog.Debug("rate limiter backing off",
		"interval", l.interval,
		"consecutive_failures", l.failures,
		"retry_after", retryAfter,
	)
}

// IsRateLimited devuelve true si alguna ventana está llena o hay un bloqueo del upstream.
func (l *Limiter) IsRateLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.evictLocked(now)
	return l.minute.full() || l.day.full() || l.blockedUntil.After(now)
}

// NextAvailableSlot devuelve el primer instante en que se puede emitir un request.
func (l *Limiter) NextAvailableSlot() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	slot := l.nextSlotLocked(now)
	if slot.Before(now) {
		return now
	}
	return slot
}

// Interval devuelve el intervalo actual.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// ConsecutiveFailures devuelve el número de fallos seguidos.
func (l *Limiter) ConsecutiveFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Stats devuelve una foto consistente del estado.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	slot := l.nextSlotLocked(now)
	if slot.Before(now) {
		slot = now
	}
	return Stats{
		Mode:                l.cfg.Mode,
		Quota:               l.quota,
		MinuteCount:         l.minute.count(),
		DayCount:            l.day.count(),
		Interval:            l.interval,
		ConsecutiveFailures: l.failures,
		NextSlot:            slot,
		RateLimited:         l.minute.full() || l.day.full() || l.blockedUntil.After(now),
	}
}

// --- helpers internos (requieren l.mu) ---

func (l *Limiter) evictLocked(now time.Time) {
	l.minute.evict(now)
	l.day.evict(now)
}

func (l *Limiter) recordLocked(now time.Time) {
	l.minute.record(now)
	l.day.record(now)
	l.lastRequest = now
}

// nextSlotLocked combina ventanas, intervalo y bloqueo del upstream.
// Puede devolver un instante <= now (hay hueco ya).
func (l *Limiter) nextSlotLocked(now time.Time) time.Time {
	l.evictLocked(now)

	var slot time.Time
	later := func(t time.Time) {
		if t.After(slot) {
			slot = t
		}
	}
	later(l.minute.nextFree())
	later(l.day.nextFree())
	if !l.lastRequest.IsZero() {
		later(l.lastRequest.Add(l.interval))
	}
	later(l.blockedUntil)
	return slot
}

func (l *Limiter) clamp(d time.Duration) time.Duration {
	if d < l.cfg.MinInterval {
		return l.cfg.MinInterval
	}
	if d > l.cfg.MaxInterval {
		return l.cfg.MaxInterval
	}
	return d
}
