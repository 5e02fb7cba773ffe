package ports

import (
	"context"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// PositionSource obtiene el estado vivo de un lote de aeronaves del upstream.
type PositionSource interface {
	// FetchStates devuelve los state vectors de los ids dados (un solo request).
	// Los errores son *domain.SyncError con el Kind que corresponda al status HTTP.
	// Los ids sin estado en el upstream simplemente no aparecen en el resultado.
	FetchStates(ctx context.Context, ids []string) ([]domain.StateVector, error)
}
