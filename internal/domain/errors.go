package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind clasifica los fallos del motor de sincronización.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindRateLimited: cuota agotada (local o upstream 429). Reintentar en RetryAt.
	KindRateLimited
	// KindUpstreamUnavailable: red, 5xx o timeout.
	KindUpstreamUnavailable
	// KindAuthenticationFailed: 401/403 tras un intento de re-autenticación.
	KindAuthenticationFailed
	// KindInvalidInput: id malformado, lista vacía, batch demasiado grande. Nunca se reintenta.
	KindInvalidInput
	// KindPartialBatchFailure: algunos chunks fallaron; el resto de datos es válido.
	KindPartialBatchFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindInvalidInput:
		return "invalid_input"
	case KindPartialBatchFailure:
		return "partial_batch_failure"
	default:
		return "unknown"
	}
}

// ErrQuotaExhausted marca un rechazo del rate limiter local (no del upstream).
// El chunker no lo reintenta: esperar no cambia nada dentro del mismo ciclo.
var ErrQuotaExhausted = errors.New("local request quota exhausted")

// SyncError es el error tipado que ven los callers del motor.
type SyncError struct {
	Kind ErrorKind
	Op   string
	// RetryAfter es la pista explícita del upstream (0 si no la hubo).
	RetryAfter time.Duration
	// RetryAt es el momento sugerido para reintentar (zero si no aplica).
	RetryAt time.Time
	Err     error
}

func (e *SyncError) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if !e.RetryAt.IsZero() {
		msg += fmt.Sprintf(" (retry at %s)", e.RetryAt.UTC().Format(time.RFC3339))
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewError construye un SyncError sin pistas de reintento.
func NewError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// InvalidInput es un atajo para los errores de validación.
func InvalidInput(op, format string, args ...any) *SyncError {
	return &SyncError{Kind: KindInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf devuelve el ErrorKind de err, o KindUnknown si no es un SyncError.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsTransient indica si el error merece backoff y reintento.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUpstreamUnavailable:
		return true
	}
	return false
}

// RetryAfterOf extrae la pista de retry-after de err (0 si no hay).
func RetryAfterOf(err error) time.Duration {
	var se *SyncError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// ChunkFailure describe un chunk que agotó sus reintentos.
type ChunkFailure struct {
	Index    int
	IDs      []string
	Attempts int
	Err      error
}

// FailedIDs aplana los ids de todos los chunks fallidos.
func FailedIDs(failures []ChunkFailure) []string {
	var ids []string
	for _, f := range failures {
		ids = append(ids, f.IDs...)
	}
	return ids
}
