package tracker

import (
	"sort"
	"time"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// group es un TrackedGroup. Solo se toca con o.mu.
type group struct {
	key         string
	state       domain.GroupState
	members     []string
	subscribers int
	pinned      bool // viene de la config: se sondea sin suscriptores y no se recoge
	lastSync    time.Time
	lastErr     error
}

// Track fija un grupo para que el poll loop lo mantenga fresco aunque nadie
// esté suscrito.
func (o *Orchestrator) Track(groupKey string) {
	if key := domain.NormalizeKey(groupKey); key != "" {
		o.ensureGroup(key, true)
	}
}

// Groups devuelve el estado de todos los grupos, ordenado por clave.
func (o *Orchestrator) Groups() []domain.GroupStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]domain.GroupStatus, 0, len(o.groups))
	for _, g := range o.groups {
		st := domain.GroupStatus{
			Key:         g.key,
			State:       g.state,
			Members:     len(g.members),
			Subscribers: g.subscribers,
			LastSync:    g.lastSync,
		}
		if g.lastErr != nil {
			st.LastError = g.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (o *Orchestrator) ensureGroup(key string, pin bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	g, ok := o.groups[key]
	if !ok {
		g = &group{key: key, state: domain.GroupIdle}
		o.groups[key] = g
		o.metrics.SetTrackedGroups(len(o.groups))
	}
	if pin {
		g.pinned = true
	}
}

func (o *Orchestrator) addSubscriber(key string, delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.groups[key]; ok {
		g.subscribers += delta
		if g.subscribers < 0 {
			g.subscribers = 0
		}
	}
}

func (o *Orchestrator) setMembers(key string, ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.groups[key]; ok {
		g.members = ids
	}
}

func (o *Orchestrator) markFetching(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.groups[key]; ok {
		g.state = domain.GroupFetching
	}
}

func (o *Orchestrator) markReady(key string, stamp time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[key]
	if !ok {
		return
	}
	g.state = domain.GroupReady
	g.lastErr = nil
	if stamp.After(g.lastSync) {
		g.lastSync = stamp
	}
}

// markFailed deja el grupo en Ready si conserva datos (viejos) o en Idle si no.
func (o *Orchestrator) markFailed(key string, err error) {
	_, hasData := o.live.Peek(key)

	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[key]
	if !ok {
		return
	}
	g.lastErr = err
	if hasData {
		g.state = domain.GroupReady
	} else {
		g.state = domain.GroupIdle
	}
}

// reapGroup borra el grupo si no tiene suscriptores, no está fijado y no
// quedan datos en caché.
func (o *Orchestrator) reapGroup(key string) bool {
	_, hasData := o.live.Peek(key)

	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[key]
	if !ok || g.subscribers > 0 || g.pinned || hasData || g.state == domain.GroupFetching {
		return false
	}
	delete(o.groups, key)
	o.metrics.SetTrackedGroups(len(o.groups))
	return true
}

// dueGroups devuelve los grupos a refrescar: suscritos o fijados, que no
// estén ya en vuelo y cuya última sync supere el intervalo de poll.
func (o *Orchestrator) dueGroups(now time.Time) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var due []string
	for key, g := range o.groups {
		if g.subscribers == 0 && !g.pinned {
			continue
		}
		if g.state == domain.GroupFetching {
			continue
		}
		if !g.lastSync.IsZero() && now.Sub(g.lastSync) < o.cfg.PollInterval {
			continue
		}
		due = append(due, key)
	}
	sort.Strings(due)
	return due
}

func (o *Orchestrator) groupKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.groups))
	for k := range o.groups {
		keys = append(keys, k)
	}
	return keys
}
