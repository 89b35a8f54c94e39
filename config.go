package visao

import (
	"time"

	"github.com/visao-labs/visao/backends"
)

// Config holds the configuration for the analysis service.
type Config struct {
	// Cache configures the result cache.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// Pool bounds concurrent backend calls.
	Pool PoolConfig `json:"pool" yaml:"pool"`
	// Timeouts are the per-mode defaults applied to backends without their
	// own timeout.
	Timeouts TimeoutConfig `json:"timeouts" yaml:"timeouts"`
	// Backends lists the services to register, at most one per mode.
	Backends []BackendConfig `json:"backends" yaml:"backends"`
	// Image configures preprocessing applied before fingerprinting.
	Image ImageConfig `json:"image" yaml:"image"`
	// History configures the analysis history store (optional).
	History HistoryConfig `json:"history,omitempty" yaml:"history,omitempty"`
	// Auth configures bearer token verification (optional).
	Auth AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`
	// Server configures the HTTP listener of visaod.
	Server ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
}

// CacheStore names a cache implementation.
type CacheStore string

// Supported cache stores.
const (
	CacheMemory CacheStore = "memory"
	CacheRedis  CacheStore = "redis"
)

// CacheConfig configures the result cache.
type CacheConfig struct {
	Store   CacheStore `json:"store,omitempty" yaml:"store,omitempty"`
	MaxSize int        `json:"max_size" yaml:"max_size"`
	// TTL is a Go duration string, e.g. "30m".
	TTL string `json:"ttl" yaml:"ttl"`
	// DedupeInFlight collapses concurrent misses for the same key into a
	// single backend call.
	DedupeInFlight bool         `json:"dedupe_in_flight,omitempty" yaml:"dedupe_in_flight,omitempty"`
	Redis          *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig locates the shared cache.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db,omitempty" yaml:"db,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers int `json:"workers" yaml:"workers"`
}

// TimeoutConfig holds per-mode timeout defaults as Go duration strings.
type TimeoutConfig struct {
	Vision     string `json:"vision" yaml:"vision"`
	Generative string `json:"generative" yaml:"generative"`
}

// BackendType names a backend implementation.
type BackendType string

// Supported backend types.
const (
	BackendGoogleVision BackendType = "google-vision"
	BackendGemini       BackendType = "gemini"
	BackendOpenAI       BackendType = "openai"
	BackendBedrock      BackendType = "bedrock"
)

// Mode returns the analysis mode served by backends of type t.
func (t BackendType) Mode() backends.Mode {
	if t == BackendGoogleVision {
		return backends.ModeVision
	}
	return backends.ModeGenerative
}

// BackendConfig configures one backend.
type BackendConfig struct {
	Name string      `json:"name" yaml:"name"`
	Type BackendType `json:"type" yaml:"type"`
	// APIKey is used verbatim; APIKeyEnv names an environment variable to
	// read it from instead.
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt    string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxResults caps labels and web entities (vision only).
	MaxResults int `json:"max_results,omitempty" yaml:"max_results,omitempty"`
	// Generation parameters (generative only).
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	// CredentialsFile is a Google service account file (google-vision).
	CredentialsFile string `json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
	// Region, AccessKeyID and SecretAccessKeyEnv configure bedrock.
	Region             string                `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKeyID        string                `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKeyEnv string                `json:"secret_access_key_env,omitempty" yaml:"secret_access_key_env,omitempty"`
	CircuitBreaker     *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	RateLimit          *RateLimitConfig      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// CircuitBreakerConfig configures a per-backend circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	Timeout          string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RateLimitConfig configures a token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             float64 `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// ImageConfig controls image downscaling before analysis.
type ImageConfig struct {
	Optimize  bool `json:"optimize" yaml:"optimize"`
	MaxWidth  int  `json:"max_width" yaml:"max_width"`
	MaxHeight int  `json:"max_height" yaml:"max_height"`
	Quality   int  `json:"quality" yaml:"quality"`
}

// HistoryConfig selects the history database. An empty Driver disables
// history.
type HistoryConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// AuthMode selects how bearer tokens are verified.
type AuthMode string

// Supported auth modes.
const (
	AuthNone     AuthMode = "none"
	AuthFirebase AuthMode = "firebase"
	AuthOIDC     AuthMode = "oidc"
	AuthHMAC     AuthMode = "hmac"
)

// AuthConfig configures token verification.
type AuthConfig struct {
	Mode      AuthMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	ProjectID string   `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Issuer    string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Audience  string   `json:"audience,omitempty" yaml:"audience,omitempty"`
	SecretEnv string   `json:"secret_env,omitempty" yaml:"secret_env,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string           `json:"addr,omitempty" yaml:"addr,omitempty"`
	CORSOrigins    []string         `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	RateLimit      *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	MaxUploadBytes int64            `json:"max_upload_bytes,omitempty" yaml:"max_upload_bytes,omitempty"`
}

// Defaults used by DefaultConfig and when a field is left empty.
const (
	DefaultCacheMaxSize      = 50
	DefaultCacheTTL          = 30 * time.Minute
	DefaultVisionTimeout     = 15 * time.Second
	DefaultGenerativeTimeout = 8 * time.Second
	DefaultImageMaxDimension = 512
	DefaultImageQuality      = 70
	DefaultMaxUploadBytes    = 10 << 20
)

// DefaultConfig returns a configuration with no backends and the standard
// cache, pool and timeout settings.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Store:   CacheMemory,
			MaxSize: DefaultCacheMaxSize,
			TTL:     DefaultCacheTTL.String(),
		},
		Pool: PoolConfig{Workers: 2},
		Timeouts: TimeoutConfig{
			Vision:     DefaultVisionTimeout.String(),
			Generative: DefaultGenerativeTimeout.String(),
		},
		Image: ImageConfig{
			Optimize:  true,
			MaxWidth:  DefaultImageMaxDimension,
			MaxHeight: DefaultImageMaxDimension,
			Quality:   DefaultImageQuality,
		},
		Auth:   AuthConfig{Mode: AuthNone},
		Server: ServerConfig{Addr: ":8080", MaxUploadBytes: DefaultMaxUploadBytes},
	}
}

// TTLDuration returns the parsed cache TTL, falling back to DefaultCacheTTL.
func (c CacheConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, DefaultCacheTTL)
}

// For returns the configured timeout for mode.
func (c TimeoutConfig) For(mode backends.Mode) time.Duration {
	if mode == backends.ModeVision {
		return parseDuration(c.Vision, DefaultVisionTimeout)
	}
	return parseDuration(c.Generative, DefaultGenerativeTimeout)
}

// Backend returns the config entry named name.
func (c Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
