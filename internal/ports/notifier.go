package ports

import (
	"context"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// Notifier presenta las actualizaciones de un grupo al usuario.
type Notifier interface {
	// Notify recibe la lista mergeada de entidades en cada actualización de caché.
	// En la implementación de consola, imprime una tabla o una línea compacta.
	Notify(ctx context.Context, groupKey string, entities []domain.Entity) error
}
