package cache

import (
	"time"

	"github.com/ammario/tlru"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/metrics"
)

const (
	DefaultStaticTTL        = 24 * time.Hour
	DefaultStaticMaxEntries = 200_000
)

// TTLStore es la caché de datos lentos (registro) por id de aeronave.
// Acotada por número de entradas: al llenarse descarta las menos usadas.
type TTLStore[V any] struct {
	ttl     time.Duration
	lru     *tlru.Cache[string, V]
	metrics *metrics.Metrics
}

// NewTTLStore crea un TTLStore. m puede ser nil.
func NewTTLStore[V any](ttl time.Duration, maxEntries int, m *metrics.Metrics) *TTLStore[V] {
	if ttl <= 0 {
		ttl = DefaultStaticTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultStaticMaxEntries
	}
	return &TTLStore[V]{
		ttl:     ttl,
		lru:     tlru.New[string](tlru.ConstantCost[V], maxEntries),
		metrics: m,
	}
}

// Get devuelve el valor de id si no ha expirado.
func (s *TTLStore[V]) Get(id string) (V, bool) {
	v, _, ok := s.lru.Get(domain.NormalizeID(id))
	s.metrics.CacheLookup("static", ok)
	return v, ok
}

// Set guarda v para id con el TTL del store.
func (s *TTLStore[V]) Set(id string, v V) {
	s.lru.Set(domain.NormalizeID(id), v, s.ttl)
}

// GetMany separa ids en encontrados y pendientes de buscar en el registro.
func (s *TTLStore[V]) GetMany(ids []string) (map[string]V, []string) {
	found := make(map[string]V, len(ids))
	var missing []string
	for _, id := range ids {
		id = domain.NormalizeID(id)
		if v, ok := s.Get(id); ok {
			found[id] = v
			continue
		}
		missing = append(missing, id)
	}
	return found, missing
}
