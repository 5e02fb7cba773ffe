package ratelimit

import "time"

// window es una ventana deslizante de timestamps de requests.
// Un request hecho en t cuenta mientras now < t+span.
// No es thread-safe: el Limiter la protege con su mutex.
type window struct {
	limit  int // <= 0 = sin límite
	span   time.Duration
	stamps []time.Time // orden cronológico
}

func newWindow(limit int, span time.Duration) window {
	capacity := limit
	if capacity <= 0 || capacity > 4096 {
		capacity = 64
	}
	return window{limit: limit, span: span, stamps: make([]time.Time, 0, capacity)}
}

// evict descarta los timestamps que ya salieron de la ventana.
func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) record(now time.Time) {
	w.stamps = append(w.stamps, now)
}

func (w *window) count() int {
	return len(w.stamps)
}

func (w *window) full() bool {
	return w.limit > 0 && len(w.stamps) >= w.limit
}

// nextFree devuelve cuándo se libera un hueco, o zero si ya hay hueco.
// Requiere evict previo.
func (w *window) nextFree() time.Time {
	if !w.full() {
		return time.Time{}
	}
	// El hueco se abre cuando expira el más viejo de los últimos `limit`.
	return w.stamps[len(w.stamps)-w.limit].Add(w.span)
}
