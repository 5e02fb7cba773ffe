package domain

import (
	"strings"
	"time"
)

// GroupState es el estado de sincronización de un TrackedGroup.
//
//	Idle → Fetching → Ready → (Idle | Fetching)
type GroupState int

const (
	GroupIdle GroupState = iota
	GroupFetching
	GroupReady
)

func (s GroupState) String() string {
	switch s {
	case GroupFetching:
		return "fetching"
	case GroupReady:
		return "ready"
	default:
		return "idle"
	}
}

// GroupStatus es la foto pública de un grupo seguido.
type GroupStatus struct {
	Key         string
	State       GroupState
	Members     int
	Subscribers int
	LastSync    time.Time
	LastError   string
}

// NormalizeKey normaliza una clave de grupo/caché: trim + case-fold.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Campos por los que se puede agrupar en el registro.
const (
	FieldManufacturer = "manufacturer"
	FieldOperator     = "operator"
	FieldModel        = "model"
	FieldOwnerType    = "owner_type"
	FieldAircraftType = "aircraft_type"
	FieldICAO         = "icao"
)

// GroupSelector describe cómo resolver los miembros de un grupo.
// Formato de la clave: "[campo:]valor". Sin campo se asume fabricante,
// p.ej. "boeing" == "manufacturer:boeing". "icao:a1b2c3,a1b2c4" es una lista explícita.
type GroupSelector struct {
	Field string
	Value string
}

// ParseSelector interpreta una clave de grupo ya normalizada o no.
func ParseSelector(key string) GroupSelector {
	key = NormalizeKey(key)
	if field, value, ok := strings.Cut(key, ":"); ok {
		field = strings.TrimSpace(field)
		switch field {
		case FieldManufacturer, FieldOperator, FieldModel, FieldOwnerType, FieldAircraftType, FieldICAO:
			return GroupSelector{Field: field, Value: strings.TrimSpace(value)}
		}
	}
	return GroupSelector{Field: FieldManufacturer, Value: key}
}

// ExplicitIDs devuelve los ids de un selector "icao:".
func (s GroupSelector) ExplicitIDs() []string {
	if s.Field != FieldICAO {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(s.Value, ",") {
		if id := NormalizeID(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
