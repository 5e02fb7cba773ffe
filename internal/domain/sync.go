package domain

import "time"

// Snapshot es el resultado de sincronizar un grupo.
type Snapshot struct {
	GroupKey  string
	Entities  []Entity
	FetchedAt time.Time // stamp de inicio del fetch que produjo los datos
	FromCache bool
	// Stale es true cuando el refresh falló y Entities son datos viejos de la caché.
	Stale    bool
	Failures []ChunkFailure
}

// Partial devuelve true si algún chunk falló pero hay datos.
func (s Snapshot) Partial() bool {
	return len(s.Failures) > 0
}

// Err devuelve un PartialBatchFailure con el manifiesto de chunks fallidos,
// o nil si el snapshot está completo.
func (s Snapshot) Err() error {
	if !s.Partial() {
		return nil
	}
	var last error
	for _, f := range s.Failures {
		last = f.Err
	}
	return &SyncError{Kind: KindPartialBatchFailure, Op: "sync " + s.GroupKey, Err: last}
}

// SyncRun es una fila del historial de sincronizaciones.
type SyncRun struct {
	GroupKey     string
	StartedAt    time.Time
	Duration     time.Duration
	Entities     int
	Chunks       int
	FailedChunks int
	Error        string
}
