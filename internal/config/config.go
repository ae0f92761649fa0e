package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Auth        AuthConfig                `mapstructure:"auth"`
	Quota       QuotaConfig               `mapstructure:"quota"`
	RabbitMQ    RabbitMQConfig            `mapstructure:"rabbitmq"`
	Supabase    SupabaseConfig            `mapstructure:"supabase"`
	Security    SecurityConfig            `mapstructure:"security"`
	// Gateway selects the persistence backend: "sql" (default) or "supabase".
	Gateway string `mapstructure:"gateway"`
}

type ProviderConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	// Database names the entry of Databases used by the sql gateway.
	Database               string `mapstructure:"database"`
	MinWorkers             int    `mapstructure:"min_workers"`
	MaxWorkers             int    `mapstructure:"max_workers"`
	QueueSize              int    `mapstructure:"queue_size"`
	WorkerIdleTimeout      int    `mapstructure:"worker_idle_timeout"` // minutes
	StreamTimeout          int    `mapstructure:"stream_timeout"`      // seconds
	MaxCandidates          int    `mapstructure:"max_candidates"`
	TitleProvider          string `mapstructure:"title_provider"`
	TitleModel             string `mapstructure:"title_model"`
	SubscriptionSweepEvery int    `mapstructure:"subscription_sweep_every"` // minutes
	GoogleSearchAPIKey     string `mapstructure:"google_search_api_key"`
	GoogleSearchEngineID   string `mapstructure:"google_search_engine_id"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	Issuer     string `mapstructure:"issuer"`
	Audience   string `mapstructure:"audience"`
	CookieName string `mapstructure:"cookie_name"`
}

type QuotaConfig struct {
	FreeDaily   int `mapstructure:"free_daily"`
	FreeMonthly int `mapstructure:"free_monthly"`
	ProMonthly  int `mapstructure:"pro_monthly"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	TitleQueue string `mapstructure:"title_queue"`
}

type SupabaseConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type SecurityConfig struct {
	// KeyEncryptionKey seals user supplied provider keys (32 raw bytes or base64).
	KeyEncryptionKey string `mapstructure:"key_encryption_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway", "sql")
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.database", "sqlite3")
	v.SetDefault("basic_config.min_workers", 2)
	v.SetDefault("basic_config.max_workers", 8)
	v.SetDefault("basic_config.queue_size", 64)
	v.SetDefault("basic_config.worker_idle_timeout", 5)
	v.SetDefault("basic_config.stream_timeout", 120)
	v.SetDefault("basic_config.max_candidates", 2)
	v.SetDefault("basic_config.subscription_sweep_every", 10)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("auth.cookie_name", "__session")
	v.SetDefault("quota.free_daily", 20)
	v.SetDefault("quota.free_monthly", 100)
	v.SetDefault("quota.pro_monthly", 1500)
	v.SetDefault("rabbitmq.title_queue", "wussup.titles")
}

// Load reads configuration from the provided path (defaults to config.json).
// Any key can be overridden from the environment, e.g. WUSSUP_AUTH_JWT_SECRET.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("WUSSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(baseDir string) error {
	c.Gateway = strings.ToLower(strings.TrimSpace(c.Gateway))
	switch c.Gateway {
	case "", "sql":
		c.Gateway = "sql"
		name := c.BasicConfig.Database
		dbCfg, ok := c.Databases[name]
		if !ok {
			return fmt.Errorf("database config for %s not found", name)
		}
		// relative sqlite files live next to the config file
		if (name == "sqlite" || name == "sqlite3") && dbCfg.DSN != "" && !strings.HasPrefix(dbCfg.DSN, ":memory:") &&
			!strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
			c.Databases[name] = dbCfg
		}
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.APIKey == "" {
			return fmt.Errorf("supabase url and api_key must be configured")
		}
	default:
		return fmt.Errorf("unsupported gateway: %s", c.Gateway)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	return nil
}

// TitleProvider returns the provider and model used for title generation.
func (c *Config) TitleProvider() (string, ProviderConfig) {
	if name := c.BasicConfig.TitleProvider; name != "" {
		if p, ok := c.Providers[name]; ok {
			if c.BasicConfig.TitleModel != "" {
				p.Model = c.BasicConfig.TitleModel
			}
			return name, p
		}
	}
	for _, name := range []string{"openai", "claude", "gemini", "xai"} {
		if p, ok := c.Providers[name]; ok {
			return name, p
		}
	}
	for name, p := range c.Providers {
		return name, p
	}
	return "", ProviderConfig{}
}
