package platform

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/notesync/pkg/core"
)

// ConfigFile is the file FindRoot looks for and the CLI loads by default.
const ConfigFile = ".notesync.yaml"

// Config is the runtime configuration read from YAML and the environment.
type Config struct {
	Principal      string        `yaml:"principal"`
	Store          StoreConfig   `yaml:"store"`
	Feed           FeedConfig    `yaml:"feed"`
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
	Debounce       time.Duration `yaml:"debounce"`
	RefreshMode    string        `yaml:"refresh_mode"`
	Match          string        `yaml:"match"`
	JaegerEndpoint string        `yaml:"jaeger_endpoint"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	// Adapter is one of memory, fs, postgres.
	Adapter string `yaml:"adapter"`
	Path    string `yaml:"path"`
	Format  string `yaml:"format"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
	// DevSafety re-roots fs data into the temp dir under go run / go test.
	DevSafety bool `yaml:"dev_safety"`
}

// FeedConfig selects the push feed. An empty adapter uses the store's own.
type FeedConfig struct {
	// Adapter is one of "", none, memory, fs, postgres, redis, websocket.
	Adapter   string `yaml:"adapter"`
	RedisAddr string `yaml:"redis_addr"`
	URL       string `yaml:"url"`
	Channel   string `yaml:"channel"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Adapter:   "fs",
			Path:      ".notesync",
			Format:    "yaml",
			DevSafety: true,
		},
		CoalesceWindow: 750 * time.Millisecond,
		Debounce:       50 * time.Millisecond,
		RefreshMode:    "single",
	}
}

// LoadConfig reads path (if not empty) over the defaults, then applies the
// environment. A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("NOTESYNC_PRINCIPAL", &c.Principal)
	str("NOTESYNC_STORE", &c.Store.Adapter)
	str("NOTESYNC_STORE_PATH", &c.Store.Path)
	str("NOTESYNC_STORE_FORMAT", &c.Store.Format)
	str("NOTESYNC_DATABASE_URL", &c.Store.DSN)
	str("NOTESYNC_FEED", &c.Feed.Adapter)
	str("NOTESYNC_REDIS_ADDR", &c.Feed.RedisAddr)
	str("NOTESYNC_FEED_URL", &c.Feed.URL)
	str("NOTESYNC_REFRESH_MODE", &c.RefreshMode)
	str("NOTESYNC_MATCH", &c.Match)
	str("NOTESYNC_JAEGER_ENDPOINT", &c.JaegerEndpoint)

	if v := getenv("NOTESYNC_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NOTESYNC_MIGRATE: %w", err)
		}
		c.Store.Migrate = b
	}
	if v := getenv("NOTESYNC_COALESCE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NOTESYNC_COALESCE_WINDOW: %w", err)
		}
		c.CoalesceWindow = d
	}
	return nil
}

// Validate checks adapter names and the settings each adapter needs.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return core.NewError("config", "", core.ErrValidation, fmt.Errorf(format, args...))
	}
	switch c.Store.Adapter {
	case "memory", "fs":
	case "postgres":
		if c.Store.DSN == "" {
			return invalid("postgres store needs a dsn")
		}
	default:
		return invalid("unknown store adapter %q", c.Store.Adapter)
	}
	switch c.Feed.Adapter {
	case "", "none":
	case "memory", "fs":
		if c.Feed.Adapter != c.Store.Adapter {
			return invalid("%s feed only works with the %s store", c.Feed.Adapter, c.Feed.Adapter)
		}
	case "postgres":
		if c.Store.DSN == "" {
			return invalid("postgres feed needs a dsn")
		}
	case "redis":
		if c.Feed.RedisAddr == "" {
			return invalid("redis feed needs redis_addr")
		}
	case "websocket":
		if c.Feed.URL == "" {
			return invalid("websocket feed needs url")
		}
	default:
		return invalid("unknown feed adapter %q", c.Feed.Adapter)
	}
	switch c.RefreshMode {
	case "", "single", "full":
	default:
		return invalid("unknown refresh mode %q", c.RefreshMode)
	}
	return nil
}
