package ports

import (
	"context"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// Registry es el almacén de metadata estática por icao24.
type Registry interface {
	// Lookup devuelve la info estática de un id; ok=false si no existe.
	Lookup(ctx context.Context, id string) (domain.StaticInfo, bool, error)

	// LookupMany devuelve un mapa parcial id → info para los ids encontrados.
	LookupMany(ctx context.Context, ids []string) (map[string]domain.StaticInfo, error)

	// GroupMembers resuelve el conjunto de ids de un grupo.
	GroupMembers(ctx context.Context, sel domain.GroupSelector) ([]string, error)
}
