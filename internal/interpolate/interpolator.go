// Package interpolate estima la posición de una aeronave entre polls.
//
// Guarda las últimas N observaciones reales de cada aeronave. Entre dos
// observaciones interpola linealmente; después de la última extrapola por
// círculo máximo con rumbo y velocidad, como mucho hasta Horizon.
package interpolate

import (
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/metrics"
)

const (
	DefaultHistorySize = 5
	DefaultHorizon     = 60 * time.Second
)

// Config configura el Interpolator.
type Config struct {
	HistorySize int
	Horizon     time.Duration
}

// Interpolator mantiene el historial corto por aeronave. Es el único dueño de
// esos historiales; seguro para uso concurrente.
type Interpolator struct {
	cfg     Config
	clock   quartz.Clock
	metrics *metrics.Metrics

	mu      sync.RWMutex
	history map[string][]domain.Observation // orden cronológico
}

// New crea un Interpolator. m puede ser nil.
func New(cfg Config, clock quartz.Clock, m *metrics.Metrics) *Interpolator {
	if cfg.HistorySize < 2 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Interpolator{
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		history: make(map[string][]domain.Observation),
	}
}

// Update añade una observación. Devuelve false si se descartó por llegar
// desordenada (más vieja que la última). Con el mismo timestamp que la
// última, la reemplaza.
func (ip *Interpolator) Update(id string, obs domain.Observation) bool {
	id = domain.NormalizeID(id)
	obs.Heading = normalizeHeading(obs.Heading)

	ip.mu.Lock()
	defer ip.mu.Unlock()

	h := ip.history[id]
	if n := len(h); n > 0 {
		last := h[n-1].Timestamp
		switch {
		case obs.Timestamp.Before(last):
			return false
		case obs.Timestamp.Equal(last):
			h[n-1] = obs
			return true
		}
	}

	h = append(h, obs)
	if len(h) > ip.cfg.HistorySize {
		h = append(h[:0], h[len(h)-ip.cfg.HistorySize:]...)
	}
	ip.history[id] = h
	ip.metrics.SetInterpolated(len(ip.history))
	return true
}

// Interpolate devuelve la posición estimada de id en t.
//
// No hay posición si el historial tiene menos de dos puntos, si la última
// observación es más vieja que el horizonte, si t es anterior a la primera
// observación o si t queda más allá del horizonte.
func (ip *Interpolator) Interpolate(id string, t time.Time) (domain.Position, bool) {
	id = domain.NormalizeID(id)

	ip.mu.RLock()
	h := append([]domain.Observation(nil), ip.history[id]...)
	ip.mu.RUnlock()

	if len(h) < 2 {
		return domain.Position{}, false
	}
	newest := h[len(h)-1]
	if ip.clock.Since(newest.Timestamp) > ip.cfg.Horizon {
		return domain.Position{}, false
	}
	if t.Before(h[0].Timestamp) {
		return domain.Position{}, false
	}

	if t.After(newest.Timestamp) {
		elapsed := t.Sub(newest.Timestamp)
		if elapsed > ip.cfg.Horizon {
			return domain.Position{}, false
		}
		return extrapolate(h[len(h)-2], newest, elapsed, t), true
	}

	// Primer índice con timestamp >= t; t está entre h[i-1] y h[i].
	i := sort.Search(len(h), func(i int) bool { return !h[i].Timestamp.Before(t) })
	if h[i].Timestamp.Equal(t) {
		return fromObservation(h[i]), true
	}
	return between(h[i-1], h[i], t), true
}

// Cleanup purga las aeronaves cuya última observación superó el horizonte.
// Devuelve cuántas purgó.
func (ip *Interpolator) Cleanup() int {
	now := ip.clock.Now()

	ip.mu.Lock()
	defer ip.mu.Unlock()

	n := 0
	for id, h := range ip.history {
		if len(h) == 0 || now.Sub(h[len(h)-1].Timestamp) > ip.cfg.Horizon {
			delete(ip.history, id)
			n++
		}
	}
	ip.metrics.SetInterpolated(len(ip.history))
	return n
}

// Len devuelve cuántas aeronaves tienen historial.
func (ip *Interpolator) Len() int {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return len(ip.history)
}

func between(a, b domain.Observation, t time.Time) domain.Position {
	span := b.Timestamp.Sub(a.Timestamp)
	frac := float64(t.Sub(a.Timestamp)) / float64(span)
	return domain.Position{
		Latitude:  lerp(a.Latitude, b.Latitude, frac),
		Longitude: lerpLon(a.Longitude, b.Longitude, frac),
		Altitude:  lerp(a.Altitude, b.Altitude, frac),
		Speed:     lerp(a.Speed, b.Speed, frac),
		Heading:   normalizeHeading(a.Heading + headingDelta(a.Heading, b.Heading)*frac),
		Timestamp: t,
	}
}

// extrapolate proyecta newest elapsed hacia delante. Si el upstream no mandó
// velocidad se deriva de la distancia entre las dos últimas observaciones.
func extrapolate(prev, newest domain.Observation, elapsed time.Duration, t time.Time) domain.Position {
	speed := newest.Speed
	if speed <= 0 {
		if dt := newest.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
			speed = haversine(prev.Latitude, prev.Longitude, newest.Latitude, newest.Longitude) / dt
		}
	}

	secs := elapsed.Seconds()
	lat, lon := destination(newest.Latitude, newest.Longitude, newest.Heading, speed*secs)
	return domain.Position{
		Latitude:     lat,
		Longitude:    lon,
		Altitude:     newest.Altitude + newest.VerticalRate*secs,
		Speed:        speed,
		Heading:      newest.Heading,
		Timestamp:    t,
		Extrapolated: true,
	}
}

func fromObservation(o domain.Observation) domain.Position {
	return domain.Position{
		Latitude:  o.Latitude,
		Longitude: o.Longitude,
		Altitude:  o.Altitude,
		Speed:     o.Speed,
		Heading:   o.Heading,
		Timestamp: o.Timestamp,
	}
}
