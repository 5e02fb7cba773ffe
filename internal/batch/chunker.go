package batch

// chunker.go: parte listas de ids en lotes del tamaño que acepta el upstream.
//
// Cada chunk se reintenta con backoff exponencial + jitter. Un 429 con
// retry-after espera exactamente lo que pide el upstream. Un chunk que agota
// sus intentos queda en Result.Failed y se sigue con el siguiente: el caller
// siempre recibe el resultado parcial, nunca un abort total.
//
// Por defecto es secuencial (un solo presupuesto de rate global) con una
// pausa mínima entre chunks aunque todo vaya bien, para no hacer ráfagas.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/metrics"
)

// Config controla el troceado y la política de reintentos.
type Config struct {
	BatchSize    int // tamaño por defecto de cada chunk
	MaxBatchSize int // máximo que acepta el upstream
	MaxRetries   int // intentos por chunk, incluido el primero
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // factor de aleatorización del backoff [0, 1)
	ChunkDelay   time.Duration
	Parallelism  int // 1 = secuencial
}

// DefaultConfig devuelve valores pensados para un upstream lento y estricto.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		MaxBatchSize: 100,
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       0.5,
		ChunkDelay:   time.Second,
		Parallelism:  1,
	}
}

// Func procesa un chunk. Debe devolver *domain.SyncError para que la
// política de reintentos pueda clasificar el fallo.
type Func[T any] func(ctx context.Context, chunk []string) ([]T, error)

// Result es el resultado (posiblemente parcial) de Process.
type Result[T any] struct {
	Items  []T // en el orden de los chunks
	Chunks int
	Calls  int // invocaciones totales de fn, reintentos incluidos
	Failed []domain.ChunkFailure
}

// Partial devuelve true si fallaron algunos chunks pero no todos.
func (r Result[T]) Partial() bool {
	return len(r.Failed) > 0 && len(r.Failed) < r.Chunks
}

// AllFailed devuelve true si no se obtuvo ningún chunk.
func (r Result[T]) AllFailed() bool {
	return r.Chunks > 0 && len(r.Failed) == r.Chunks
}

// Err resume los fallos: nil si no hubo, el error del último chunk si fallaron
// todos (conserva su Kind), o un PartialBatchFailure si fue parcial.
func (r Result[T]) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	last := r.Failed[len(r.Failed)-1].Err
	if r.AllFailed() {
		return last
	}
	return &domain.SyncError{
		Kind: domain.KindPartialBatchFailure,
		Op:   "batch.Process",
		Err:  fmt.Errorf("%d/%d chunks failed: %w", len(r.Failed), r.Chunks, last),
	}
}

// Chunker ejecuta Funcs sobre listas troceadas.
type Chunker struct {
	cfg     Config
	clock   quartz.Clock
	metrics *metrics.Metrics
}

// New crea un Chunker. m puede ser nil.
func New(cfg Config, clock quartz.Clock, m *metrics.Metrics) *Chunker {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.MaxBatchSize {
		cfg.BatchSize = cfg.MaxBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Chunker{cfg: cfg, clock: clock, metrics: m}
}

// Config devuelve la configuración efectiva.
func (c *Chunker) Config() Config { return c.cfg }

// Process trocea ids con el BatchSize configurado y ejecuta fn por chunk.
func Process[T any](ctx context.Context, c *Chunker, ids []string, fn Func[T]) (Result[T], error) {
	return ProcessSize(ctx, c, ids, c.cfg.BatchSize, fn)
}

// ProcessSize es Process con un tamaño de chunk explícito.
// El único error devuelto es InvalidInput; los fallos de chunks van en Result.
func ProcessSize[T any](ctx context.Context, c *Chunker, ids []string, batchSize int, fn Func[T]) (Result[T], error) {
	if len(ids) == 0 {
		return Result[T]{}, nil
	}
	if batchSize <= 0 {
		return Result[T]{}, domain.InvalidInput("batch.Process", "batch size must be positive, got %d", batchSize)
	}
	if batchSize > c.cfg.MaxBatchSize {
		return Result[T]{}, domain.InvalidInput("batch.Process", "batch size %d exceeds upstream max %d", batchSize, c.cfg.MaxBatchSize)
	}

	chunks := Split(ids, batchSize)
	outcomes := make([]chunkOutcome[T], len(chunks))

	if c.cfg.Parallelism > 1 && len(chunks) > 1 {
		runParallel(ctx, c, chunks, fn, outcomes)
	} else {
		runSequential(ctx, c, chunks, fn, outcomes)
	}

	res := Result[T]{Chunks: len(chunks)}
	for i, o := range outcomes {
		res.Calls += o.calls
		if o.failure != nil {
			res.Failed = append(res.Failed, *o.failure)
			continue
		}
		res.Items = append(res.Items, outcomes[i].items...)
	}

	if len(res.Failed) > 0 {
		slog.Warn("batch finished with failed chunks",
			"chunks", res.Chunks,
			"failed", len(res.Failed),
			"calls", res.Calls,
		)
	}
	return res, nil
}

// Split divide ids en slices contiguos de tamaño máximo size.
func Split(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

type chunkOutcome[T any] struct {
	items   []T
	calls   int
	failure *domain.ChunkFailure
}

func runSequential[T any](ctx context.Context, c *Chunker, chunks [][]string, fn Func[T], out []chunkOutcome[T]) {
	for i, chunk := range chunks {
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.ChunkDelay); err != nil {
				abandon(chunks, i, err, out)
				return
			}
		}
		out[i] = runChunk(ctx, c, i, chunk, fn)
	}
}

// runParallel lanza chunks con un máximo de Parallelism en vuelo.
// ChunkDelay se usa como escalonado entre lanzamientos.
func runParallel[T any](ctx context.Context, c *Chunker, chunks [][]string, fn Func[T], out []chunkOutcome[T]) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)

	for i, chunk := range chunks {
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.ChunkDelay); err != nil {
				_ = g.Wait()
				abandon(chunks, i, err, out)
				return
			}
		}
		g.Go(func() error {
			out[i] = runChunk(ctx, c, i, chunk, fn)
			return nil
		})
	}
	_ = g.Wait()
}

// abandon marca como fallidos los chunks que no llegaron a ejecutarse.
func abandon[T any](chunks [][]string, from int, err error, out []chunkOutcome[T]) {
	for j := from; j < len(chunks); j++ {
		out[j] = chunkOutcome[T]{failure: &domain.ChunkFailure{Index: j, IDs: chunks[j], Err: err}}
	}
}

// runChunk ejecuta fn sobre un chunk con reintentos.
func runChunk[T any](ctx context.Context, c *Chunker, idx int, chunk []string, fn Func[T]) chunkOutcome[T] {
	bo := c.newBackOff()

	var lastErr error
	attempts := 0
	for attempts < c.cfg.MaxRetries {
		attempts++
		items, err := fn(ctx, chunk)
		if err == nil {
			slog.Debug("chunk fetched", "chunk", idx, "ids", len(chunk), "items", len(items), "attempts", attempts)
			return chunkOutcome[T]{items: items, calls: attempts}
		}
		lastErr = err

		if !retryable(err) || attempts >= c.cfg.MaxRetries || ctx.Err() != nil {
			break
		}

		wait := bo.NextBackOff()
		if domain.KindOf(err) == domain.KindRateLimited {
			if ra := domain.RetryAfterOf(err); ra > 0 {
				wait = ra
			}
		}
		c.metrics.ChunkRetried()
		slog.Debug("chunk failed, retrying",
			"chunk", idx,
			"attempt", attempts,
			"wait", wait.Round(time.Millisecond),
			"err", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			break
		}
	}

	c.metrics.ChunkFailed()
	slog.Warn("chunk exhausted retries", "chunk", idx, "ids", len(chunk), "attempts", attempts, "err", lastErr)
	return chunkOutcome[T]{
		calls:   attempts,
		failure: &domain.ChunkFailure{Index: idx, IDs: chunk, Attempts: attempts, Err: lastErr},
	}
}

// retryable decide si un fallo merece otro intento.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrQuotaExhausted) || errors.Is(err, context.Canceled) {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidInput, domain.KindAuthenticationFailed:
		return false
	}
	return true
}

func (c *Chunker) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	bo.MaxInterval = c.cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = c.cfg.Jitter
	bo.MaxElapsedTime = 0 // el tope lo pone MaxRetries
	bo.Reset()
	return bo
}

// sleep espera d respetando el contexto.
func (c *Chunker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.clock.NewTimer(d, "batch", "sleep")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
