package ports

import (
	"context"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// SyncRecorder persiste el historial de sincronizaciones. Opcional.
type SyncRecorder interface {
	RecordSync(ctx context.Context, run domain.SyncRun) error
}
