// Package dedup colapsa fetches concurrentes idénticos en una sola operación.
//
// Sobre singleflight añade dos cosas: el resultado terminado sigue
// disponible durante una ventana de gracia corta (los que llegan justo
// después de completarse lo comparten) y un caller que cancela su contexto
// se desengancha sin abortar el fetch de los demás.
package dedup

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/metrics"
)

// DefaultGrace es lo que vive un resultado terminado.
const DefaultGrace = 100 * time.Millisecond

type completed[T any] struct {
	val T
	err error
	at  time.Time
}

// Group deduplica llamadas por clave. El zero value no es usable: usar New.
type Group[T any] struct {
	sf      singleflight.Group
	clock   quartz.Clock
	grace   time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	recent  map[string]completed[T]
	waiters map[string]int
}

// New crea un Group. grace <= 0 usa DefaultGrace; m puede ser nil.
func New[T any](clock quartz.Clock, grace time.Duration, m *metrics.Metrics) *Group[T] {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Group[T]{
		clock:   clock,
		grace:   grace,
		metrics: m,
		recent:  make(map[string]completed[T]),
		waiters: make(map[string]int),
	}
}

// Do ejecuta fn una sola vez por clave mientras haya una en vuelo (o terminada
// hace menos de grace). shared indica si el resultado vino de otra llamada.
//
// fn recibe un contexto sin cancelación: si el caller cancela, Do devuelve
// ctx.Err() pero el fetch sigue para el resto.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	if c, ok := g.lookup(key); ok {
		g.metrics.DedupJoined()
		return c.val, true, c.err
	}

	g.addWaiter(key, 1)
	defer g.addWaiter(key, -1)

	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		v, err := fn(detached)
		g.remember(key, v, err)
		return v, err
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	case r := <-ch:
		if r.Shared {
			g.metrics.DedupJoined()
		}
		v, _ := r.Val.(T)
		return v, r.Shared, r.Err
	}
}

// Forget descarta el resultado retenido de key. Una llamada en vuelo no se
// interrumpe, pero los nuevos callers ya no se unen a ella.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.recent, key)
	g.mu.Unlock()
	g.sf.Forget(key)
}

// Waiters devuelve cuántos callers esperan ahora mismo la clave.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[key]
}

func (g *Group[T]) lookup(key string) (completed[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.recent[key]
	if !ok {
		return completed[T]{}, false
	}
	if g.clock.Since(c.at) >= g.grace {
		delete(g.recent, key)
		return completed[T]{}, false
	}
	return c, true
}

func (g *Group[T]) remember(key string, v T, err error) {
	at := g.clock.Now()
	g.mu.Lock()
	g.recent[key] = completed[T]{val: v, err: err, at: at}
	g.mu.Unlock()

	g.clock.AfterFunc(g.grace, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		// Solo si no lo pisó un resultado posterior.
		if c, ok := g.recent[key]; ok && c.at.Equal(at) {
			delete(g.recent, key)
		}
	}, "dedup", "grace")
}

func (g *Group[T]) addWaiter(key string, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiters[key] += delta
	if g.waiters[key] <= 0 {
		delete(g.waiters, key)
	}
}

// Fingerprint identifica un conjunto de ids con independencia del orden,
// mayúsculas o duplicados.
func Fingerprint(ids []string) string {
	norm := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = domain.NormalizeID(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		norm = append(norm, id)
	}
	sort.Strings(norm)
	return strings.Join(norm, ",")
}
