package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa de skysync.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Limits   LimitsConfig   `yaml:"limits"`
	Batch    BatchConfig    `yaml:"batch"`
	Cache    CacheConfig    `yaml:"cache"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Storage  StorageConfig  `yaml:"storage"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// UpstreamConfig describe la API de posiciones y sus credenciales.
type UpstreamConfig struct {
	BaseURL          string  `yaml:"base_url"`
	TokenURL         string  `yaml:"token_url"`
	AuthMode         string  `yaml:"auth_mode"` // anonymous | authenticated
	ClientID         string  `yaml:"client_id"` // mejor por .env: OPENSKY_CLIENT_ID
	ClientSecret     string  `yaml:"client_secret"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	BurstPerSecond   float64 `yaml:"burst_per_second"`
	BreakerFailures  uint32  `yaml:"breaker_failures"`
	BreakerOpenSecs  int     `yaml:"breaker_open_seconds"`
	FetchTimeoutSecs int     `yaml:"fetch_timeout_seconds"` // por llamada, dentro del orquestador
}

// QuotaConfig son los techos de requests por ventana.
type QuotaConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// LimitsConfig controla el rate limiter.
type LimitsConfig struct {
	Anonymous          QuotaConfig `yaml:"anonymous"`
	Authenticated      QuotaConfig `yaml:"authenticated"`
	MinIntervalSeconds float64     `yaml:"min_interval_seconds"`
	MaxIntervalSeconds float64     `yaml:"max_interval_seconds"`
	MaxWaitSeconds     float64     `yaml:"max_wait_seconds"`
}

// BatchConfig controla el troceado y los reintentos por chunk.
type BatchConfig struct {
	Size              int     `yaml:"size"`
	MaxSize           int     `yaml:"max_size"` // lo que acepta el upstream por request
	MaxRetries        int     `yaml:"max_retries"`
	RetryBaseSeconds  float64 `yaml:"retry_base_seconds"`
	RetryMaxSeconds   float64 `yaml:"retry_max_seconds"`
	ChunkDelaySeconds float64 `yaml:"chunk_delay_seconds"`
	Parallelism       int     `yaml:"parallelism"`
}

// CacheConfig controla las cachés y el interpolador.
type CacheConfig struct {
	LiveTTLSeconds        int `yaml:"live_ttl_seconds"`
	StaticTTLHours        int `yaml:"static_ttl_hours"`
	SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
	DedupGraceMillis      int `yaml:"dedup_grace_ms"`
	InterpolationHorizonS int `yaml:"interpolation_horizon_seconds"`
	HistoryLength         int `yaml:"history_length"`
}

// TrackerConfig controla el poll loop y los grupos fijos.
type TrackerConfig struct {
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
	StaleAfterSeconds   int      `yaml:"stale_after_seconds"`
	Groups              []string `yaml:"groups"` // claves seguidas desde el arranque
}

// StorageConfig controla dónde vive el registro.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// HTTPConfig controla la API. Addr vacío = sin servidor HTTP.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse interpreta un YAML ya leído, aplica el entorno, defaults y validación.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate comprueba las combinaciones que los defaults no pueden arreglar.
func (c *Config) Validate() error {
	var errs []error
	switch c.Upstream.AuthMode {
	case "anonymous":
	case "authenticated":
		if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
			errs = append(errs, errors.New("authenticated mode requires client_id and client_secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth_mode %q", c.Upstream.AuthMode))
	}
	if c.Limits.MinIntervalSeconds > c.Limits.MaxIntervalSeconds {
		errs = append(errs, fmt.Errorf("min_interval_seconds (%g) > max_interval_seconds (%g)",
			c.Limits.MinIntervalSeconds, c.Limits.MaxIntervalSeconds))
	}
	if c.Batch.Size > c.Batch.MaxSize {
		errs = append(errs, fmt.Errorf("batch size (%d) > max_size (%d)", c.Batch.Size, c.Batch.MaxSize))
	}
	if c.Limits.Anonymous.PerMinute > c.Limits.Anonymous.PerDay {
		errs = append(errs, errors.New("anonymous per_minute exceeds per_day"))
	}
	return errors.Join(errs...)
}

// Authenticated indica si hay que pedir token al upstream.
func (c *Config) Authenticated() bool {
	return c.Upstream.AuthMode == "authenticated"
}

// UpstreamTimeout es el timeout del cliente HTTP.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// BreakerTimeout es lo que el circuit breaker se queda abierto.
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Upstream.BreakerOpenSecs) * time.Second
}

// FetchTimeout acota cada llamada al upstream dentro de una sync.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Upstream.FetchTimeoutSecs) * time.Second
}

// MinInterval es el intervalo mínimo entre requests.
func (c *Config) MinInterval() time.Duration { return seconds(c.Limits.MinIntervalSeconds) }

// MaxInterval es el techo del backoff del limiter.
func (c *Config) MaxInterval() time.Duration { return seconds(c.Limits.MaxIntervalSeconds) }

// MaxWait es lo máximo que una request espera un hueco libre.
func (c *Config) MaxWait() time.Duration { return seconds(c.Limits.MaxWaitSeconds) }

func (c *Config) RetryBaseDelay() time.Duration { return seconds(c.Batch.RetryBaseSeconds) }
func (c *Config) RetryMaxDelay() time.Duration  { return seconds(c.Batch.RetryMaxSeconds) }
func (c *Config) ChunkDelay() time.Duration     { return seconds(c.Batch.ChunkDelaySeconds) }

// LiveTTL es la frescura de un grupo en caché.
func (c *Config) LiveTTL() time.Duration {
	return time.Duration(c.Cache.LiveTTLSeconds) * time.Second
}

// StaticTTL es lo que vive un registro estático en memoria.
func (c *Config) StaticTTL() time.Duration {
	return time.Duration(c.Cache.StaticTTLHours) * time.Hour
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSeconds) * time.Second
}

func (c *Config) DedupGrace() time.Duration {
	return time.Duration(c.Cache.DedupGraceMillis) * time.Millisecond
}

func (c *Config) InterpolationHorizon() time.Duration {
	return time.Duration(c.Cache.InterpolationHorizonS) * time.Second
}

// PollInterval devuelve el intervalo de poll como time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Tracker.PollIntervalSeconds) * time.Second
}

// StaleAfter es el umbral de validez del estado vivo.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Tracker.StaleAfterSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SKYSYNC_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SKYSYNC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("OPENSKY_CLIENT_ID"); v != "" {
		cfg.Upstream.ClientID = v
	}
	if v := os.Getenv("OPENSKY_CLIENT_SECRET"); v != "" {
		cfg.Upstream.ClientSecret = v
	}
	if v := os.Getenv("OPENSKY_AUTH_MODE"); v != "" {
		cfg.Upstream.AuthMode = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	u := &cfg.Upstream
	u.AuthMode = strings.ToLower(strings.TrimSpace(u.AuthMode))
	if u.AuthMode == "" {
		// Con credenciales en el entorno se asume modo autenticado.
		if u.ClientID != "" && u.ClientSecret != "" {
			u.AuthMode = "authenticated"
		} else {
			u.AuthMode = "anonymous"
		}
	}
	if u.BaseURL == "" {
		u.BaseURL = "https://opensky-network.org/api"
	}
	if u.TimeoutSeconds <= 0 {
		u.TimeoutSeconds = 15
	}
	if u.BurstPerSecond <= 0 {
		u.BurstPerSecond = 4
	}
	if u.BreakerFailures == 0 {
		u.BreakerFailures = 5
	}
	if u.BreakerOpenSecs <= 0 {
		u.BreakerOpenSecs = 60
	}
	if u.FetchTimeoutSecs <= 0 {
		u.FetchTimeoutSecs = 12
	}

	l := &cfg.Limits
	if l.Anonymous.PerMinute <= 0 {
		l.Anonymous.PerMinute = 10
	}
	if l.Anonymous.PerDay <= 0 {
		l.Anonymous.PerDay = 400
	}
	// Authenticated en cero: el limiter usa el doble de Anonymous.
	if l.MinIntervalSeconds <= 0 {
		l.MinIntervalSeconds = 5
	}
	if l.MaxIntervalSeconds <= 0 {
		l.MaxIntervalSeconds = 300
	}
	if l.MaxWaitSeconds <= 0 {
		l.MaxWaitSeconds = 120
	}

	b := &cfg.Batch
	if b.MaxSize <= 0 {
		b.MaxSize = 100
	}
	if b.Size <= 0 {
		b.Size = b.MaxSize
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
	if b.RetryBaseSeconds <= 0 {
		b.RetryBaseSeconds = 1
	}
	if b.RetryMaxSeconds <= 0 {
		b.RetryMaxSeconds = 30
	}
	if b.ChunkDelaySeconds <= 0 {
		b.ChunkDelaySeconds = 1
	}
	if b.Parallelism <= 0 {
		b.Parallelism = 1
	}

	c := &cfg.Cache
	if c.LiveTTLSeconds <= 0 {
		c.LiveTTLSeconds = 300
	}
	if c.StaticTTLHours <= 0 {
		c.StaticTTLHours = 24
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 60
	}
	if c.DedupGraceMillis <= 0 {
		c.DedupGraceMillis = 100
	}
	if c.InterpolationHorizonS <= 0 {
		c.InterpolationHorizonS = 60
	}
	if c.HistoryLength < 2 {
		c.HistoryLength = 5
	}

	t := &cfg.Tracker
	if t.PollIntervalSeconds <= 0 {
		t.PollIntervalSeconds = 30
	}
	if t.StaleAfterSeconds <= 0 {
		t.StaleAfterSeconds = 3600
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "skysync.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
