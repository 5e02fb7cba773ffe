// Package cache guarda los resultados de los fetches con TTL.
//
// LiveCache es la caché de grupos: entradas ordenadas por stamp (instante de
// inicio del fetch) y suscriptores que se notifican de forma síncrona en cada
// escritura aceptada. TTLStore es la caché de datos estáticos por aeronave.
package cache

import (
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/metrics"
)

const (
	DefaultLiveTTL        = 5 * time.Minute
	DefaultStaleRetention = time.Hour
)

// Entry es una entrada de la caché tal como la ven los suscriptores.
type Entry[V any] struct {
	Key      string
	Data     V
	Stamp    time.Time // inicio del fetch que produjo Data
	StoredAt time.Time // para el TTL
}

// Callback recibe cada escritura aceptada sobre la clave suscrita.
// Corre en la goroutine del Set con la clave bloqueada: puede leer cualquier
// clave y escribir en otras, pero un Set sobre la misma clave se bloquea.
type Callback[V any] func(Entry[V])

type subscription[V any] struct {
	id uint64
	cb Callback[V]
}

// LiveConfig configura una LiveCache.
type LiveConfig struct {
	TTL time.Duration
	// StaleRetention es lo que sobrevive una entrada ya expirada antes de que
	// Sweep la borre; mientras tanto Peek la sigue devolviendo.
	StaleRetention time.Duration
}

// LiveCache es una caché TTL con fan-out a suscriptores.
type LiveCache[V any] struct {
	cfg     LiveConfig
	clock   quartz.Clock
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]Entry[V]
	subs    map[string][]subscription[V]
	nextID  uint64
	// locks serializa los Set de cada clave (escritura + dispatch) para que
	// sus suscriptores vean stamps no decrecientes. Claves distintas no se
	// esperan entre sí.
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLive crea una LiveCache. m puede ser nil.
func NewLive[V any](cfg LiveConfig, clock quartz.Clock, m *metrics.Metrics) *LiveCache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLiveTTL
	}
	if cfg.StaleRetention < 0 {
		cfg.StaleRetention = 0
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &LiveCache[V]{
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		entries: make(map[string]Entry[V]),
		subs:    make(map[string][]subscription[V]),
		locks:   make(map[string]*keyLock),
	}
}

// lockKey toma el lock de escritura de key y devuelve cómo soltarlo. El lock
// se borra del mapa cuando nadie lo usa.
func (c *LiveCache[V]) lockKey(key string) func() {
	c.mu.Lock()
	kl, ok := c.locks[key]
	if !ok {
		kl = &keyLock{}
		c.locks[key] = kl
	}
	kl.refs++
	c.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		c.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

// TTL devuelve el TTL efectivo.
func (c *LiveCache[V]) TTL() time.Duration { return c.cfg.TTL }

// Get devuelve el dato si existe y no ha expirado.
func (c *LiveCache[V]) Get(key string) (V, bool) {
	key = domain.NormalizeKey(key)
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	hit := ok && now.Sub(e.StoredAt) < c.cfg.TTL
	c.metrics.CacheLookup("live", hit)
	if !hit {
		var zero V
		return zero, false
	}
	return e.Data, true
}

// Peek devuelve la entrada aunque haya expirado (fallback a datos viejos).
func (c *LiveCache[V]) Peek(key string) (Entry[V], bool) {
	key = domain.NormalizeKey(key)
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Set guarda data si stamp es posterior al de la entrada actual y notifica a
// los suscriptores antes de volver. Un stamp anterior se descarta (llegó
// tarde) y uno igual es una entrega duplicada; en ambos casos devuelve false.
func (c *LiveCache[V]) Set(key string, data V, stamp time.Time) bool {
	key = domain.NormalizeKey(key)
	defer c.lockKey(key)()

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && !stamp.After(cur.Stamp) {
		c.mu.Unlock()
		return false
	}
	e := Entry[V]{Key: key, Data: data, Stamp: stamp, StoredAt: c.clock.Now()}
	c.entries[key] = e
	subs := append([]subscription[V](nil), c.subs[key]...)
	c.mu.Unlock()

	for _, s := range subs {
		s.cb(e)
	}
	return true
}

// Subscribe registra cb para la clave y devuelve la función para darse de
// baja (idempotente). No se entrega el valor actual: solo escrituras futuras.
func (c *LiveCache[V]) Subscribe(key string, cb Callback[V]) func() {
	key = domain.NormalizeKey(key)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[key] = append(c.subs[key], subscription[V]{id: id, cb: cb})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(key, id) })
	}
}

// SubscribeCurrent es Subscribe más la entrega inmediata de la entrada actual
// (aunque haya expirado). Ningún Set se intercala entre ambas cosas, así que
// el suscriptor nunca ve un stamp más viejo después de uno más nuevo.
func (c *LiveCache[V]) SubscribeCurrent(key string, cb Callback[V]) func() {
	key = domain.NormalizeKey(key)
	defer c.lockKey(key)()

	unsub := c.Subscribe(key, cb)
	if e, ok := c.Peek(key); ok {
		cb(e)
	}
	return unsub
}

func (c *LiveCache[V]) unsubscribe(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subs[key]
	for i, s := range subs {
		if s.id == id {
			// Copia nueva: un Set en curso puede estar iterando la anterior.
			next := make([]subscription[V], 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(c.subs, key)
			} else {
				c.subs[key] = next
			}
			return
		}
	}
}

// Subscribers devuelve cuántos suscriptores tiene la clave.
func (c *LiveCache[V]) Subscribers(key string) int {
	key = domain.NormalizeKey(key)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[key])
}

// Clear borra la entrada de key y sus suscripciones. Las funciones de baja
// ya entregadas siguen siendo seguras de llamar.
func (c *LiveCache[V]) Clear(key string) {
	key = domain.NormalizeKey(key)
	c.mu.Lock()
	delete(c.entries, key)
	delete(c.subs, key)
	c.mu.Unlock()
}

// ClearAll borra todas las entradas y todas las suscripciones.
func (c *LiveCache[V]) ClearAll() {
	c.mu.Lock()
	clear(c.entries)
	clear(c.subs)
	c.mu.Unlock()
}

// Sweep borra las entradas expiradas hace más de StaleRetention.
// Devuelve cuántas borró.
func (c *LiveCache[V]) Sweep() int {
	limit := c.cfg.TTL + c.cfg.StaleRetention
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if now.Sub(e.StoredAt) >= limit {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len devuelve el número de entradas (expiradas incluidas).
func (c *LiveCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
