package visao

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchemaJSON []byte

const configSchemaURL = "config.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(configSchemaURL, bytes.NewReader(configSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("loading config schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(configSchemaURL)
	})
	return compiledSchema, schemaErr
}

// LoadConfig reads and parses a config file from the given path. Fields the
// file omits keep their DefaultConfig values.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig checks cfg against the config schema and then applies the
// cross-field rules the schema cannot express.
func ValidateConfig(cfg Config) error {
	schema, err := configSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}

	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	names := make(map[string]bool, len(cfg.Backends))
	modes := make(map[string]string, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if names[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		names[b.Name] = true

		mode := string(b.Type.Mode())
		if other, ok := modes[mode]; ok {
			return fmt.Errorf("backends %q and %q both serve mode %q", other, b.Name, mode)
		}
		modes[mode] = b.Name

		switch b.Type {
		case BackendGemini, BackendOpenAI:
			if b.APIKey == "" && b.APIKeyEnv == "" {
				return fmt.Errorf("backend %q: api_key or api_key_env is required", b.Name)
			}
		}
		if err := checkDuration(b.Timeout); err != nil {
			return fmt.Errorf("backend %q: timeout: %w", b.Name, err)
		}
		if b.CircuitBreaker != nil {
			if err := checkDuration(b.CircuitBreaker.Timeout); err != nil {
				return fmt.Errorf("backend %q: circuit_breaker.timeout: %w", b.Name, err)
			}
		}
	}

	if err := checkDuration(cfg.Cache.TTL); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	if cfg.Cache.Store == CacheRedis && cfg.Cache.Redis == nil {
		return fmt.Errorf("cache.redis is required when cache.store is redis")
	}
	if err := checkDuration(cfg.Timeouts.Vision); err != nil {
		return fmt.Errorf("timeouts.vision: %w", err)
	}
	if err := checkDuration(cfg.Timeouts.Generative); err != nil {
		return fmt.Errorf("timeouts.generative: %w", err)
	}

	if cfg.History.Driver == "postgres" && cfg.History.DSN == "" {
		return fmt.Errorf("history.dsn is required for postgres")
	}

	switch cfg.Auth.Mode {
	case AuthFirebase:
		if cfg.Auth.ProjectID == "" {
			return fmt.Errorf("auth.project_id is required for firebase")
		}
	case AuthOIDC:
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required for oidc")
		}
	case AuthHMAC:
		if cfg.Auth.SecretEnv == "" {
			return fmt.Errorf("auth.secret_env is required for hmac")
		}
	}

	return nil
}

func checkDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}
