package visao

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/visao-labs/visao/backends"
	"github.com/visao-labs/visao/internal/cache"
	"github.com/visao-labs/visao/internal/imageopt"
	"github.com/visao-labs/visao/internal/logging"
	"github.com/visao-labs/visao/internal/metrics"
)

// BuildBackend constructs the backend described by bc. Secrets named by
// APIKeyEnv and SecretAccessKeyEnv are read from the environment.
func BuildBackend(ctx context.Context, bc BackendConfig) (backends.Backend, error) {
	apiKey := bc.APIKey
	if apiKey == "" && bc.APIKeyEnv != "" {
		apiKey = os.Getenv(bc.APIKeyEnv)
	}

	switch bc.Type {
	case BackendGoogleVision:
		return backends.NewVision(ctx, backends.VisionOptions{
			Name:            bc.Name,
			APIKey:          apiKey,
			BaseURL:         bc.BaseURL,
			CredentialsFile: bc.CredentialsFile,
			MaxResults:      bc.MaxResults,
		})
	case BackendGemini:
		return backends.NewGemini(backends.GeminiOptions{
			Name:       bc.Name,
			APIKey:     apiKey,
			BaseURL:    bc.BaseURL,
			Model:      bc.Model,
			Prompt:     bc.Prompt,
			Generation: generationFor(bc),
		})
	case BackendOpenAI:
		return backends.NewOpenAI(backends.OpenAIOptions{
			Name:       bc.Name,
			APIKey:     apiKey,
			BaseURL:    bc.BaseURL,
			Model:      bc.Model,
			Prompt:     bc.Prompt,
			Generation: generationFor(bc),
		})
	case BackendBedrock:
		var secret string
		if bc.SecretAccessKeyEnv != "" {
			secret = os.Getenv(bc.SecretAccessKeyEnv)
		}
		return backends.NewBedrock(ctx, backends.BedrockOptions{
			Name:            bc.Name,
			Region:          bc.Region,
			Model:           bc.Model,
			Prompt:          bc.Prompt,
			Generation:      generationFor(bc),
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: secret,
		})
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}

// generationFor overlays the configured sampling parameters on the defaults.
func generationFor(bc BackendConfig) backends.GenerationConfig {
	g := backends.DefaultGeneration()
	if bc.MaxTokens > 0 {
		g.MaxOutputTokens = bc.MaxTokens
	}
	if bc.Temperature != nil {
		g.Temperature = *bc.Temperature
	}
	if bc.TopP != nil {
		g.TopP = *bc.TopP
	}
	if bc.TopK > 0 {
		g.TopK = bc.TopK
	}
	return g
}

// BuildCache constructs the result cache selected by cfg.Store.
func BuildCache(cfg CacheConfig) (cache.Cache, error) {
	switch cfg.Store {
	case "", CacheMemory:
		return newMemoryCache(cfg), nil
	case CacheRedis:
		if cfg.Redis == nil || cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis cache requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		maxSize := cfg.MaxSize
		if maxSize == 0 && cfg.TTL == "" {
			maxSize = DefaultCacheMaxSize
		}
		return cache.NewRedis(client, cache.RedisOptions{
			Namespace: cfg.Redis.Namespace,
			TTL:       cfg.TTLDuration(),
			MaxSize:   maxSize,
			OnEvict: func(n int) {
				metrics.CacheEvictions.WithLabelValues(string(cache.EvictCapacity)).Add(float64(n))
			},
		}), nil
	default:
		return nil, fmt.Errorf("unknown cache store %q", cfg.Store)
	}
}

// NewFromConfig builds an Analyzer with the cache, backends and image
// preprocessing described by cfg. Options are applied after the config, so
// WithCache or WithPreprocessor override it.
func NewFromConfig(ctx context.Context, cfg Config, opts ...Option) (*Analyzer, error) {
	c, err := BuildCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	base := []Option{WithCache(c)}
	if cfg.Image.Optimize {
		base = append(base, WithPreprocessor(optimizer(cfg.Image)))
	}

	a, err := New(cfg, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	for _, bc := range cfg.Backends {
		b, err := BuildBackend(ctx, bc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("backend %q: %w", bc.Name, err)
		}
		a.RegisterBackend(b)
	}
	return a, nil
}

// optimizer returns a preprocessor that downsizes images. Anything it cannot
// decode is passed through untouched so the backend reports the real error.
func optimizer(ic ImageConfig) func([]byte) []byte {
	opts := imageopt.Options{MaxWidth: ic.MaxWidth, MaxHeight: ic.MaxHeight, Quality: ic.Quality}
	return func(data []byte) []byte {
		res, err := imageopt.Optimize(data, opts)
		if err != nil {
			logging.Logger.Debug("image optimisation skipped", "error", err.Error())
			return data
		}
		if len(res.Data) >= len(data) {
			return data
		}
		metrics.ImageBytesSaved.Add(float64(len(data) - len(res.Data)))
		return res.Data
	}
}

// envBackend maps an environment variable to a backend that it enables.
type envBackend struct {
	envKey string
	cfg    BackendConfig
}

// ConfigFromEnv returns DefaultConfig with one backend per mode enabled from
// well-known environment variables. The first variable set for a mode wins.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	candidates := []envBackend{
		{"GOOGLE_VISION_API_KEY", BackendConfig{Name: "google-vision", Type: BackendGoogleVision, APIKeyEnv: "GOOGLE_VISION_API_KEY"}},
		{"GOOGLE_APPLICATION_CREDENTIALS", BackendConfig{Name: "google-vision", Type: BackendGoogleVision, CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")}},
		{"GEMINI_API_KEY", BackendConfig{Name: "gemini", Type: BackendGemini, APIKeyEnv: "GEMINI_API_KEY"}},
		{"OPENAI_API_KEY", BackendConfig{Name: "openai", Type: BackendOpenAI, APIKeyEnv: "OPENAI_API_KEY"}},
		{"AWS_BEDROCK_REGION", BackendConfig{Name: "bedrock", Type: BackendBedrock, Region: os.Getenv("AWS_BEDROCK_REGION")}},
	}
	taken := make(map[backends.Mode]bool)
	for _, c := range candidates {
		mode := c.cfg.Type.Mode()
		if taken[mode] || os.Getenv(c.envKey) == "" {
			continue
		}
		taken[mode] = true
		cfg.Backends = append(cfg.Backends, c.cfg)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.Store = CacheRedis
		cfg.Cache.Redis = &RedisConfig{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")}
	}
	return cfg
}
