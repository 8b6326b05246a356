package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"gitea.jw6.us/james/davkit/internal/logger"
)

const (
	logSender = "config"
	envPrefix = "APP"

	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BaseURL    string `mapstructure:"base_url"`

	DAV struct {
		BasePath           string `mapstructure:"base_path"`
		MaxDepth           int    `mapstructure:"max_depth"`
		AllowInfiniteDepth bool   `mapstructure:"allow_infinite_depth"`
		NodeCacheSize      int    `mapstructure:"node_cache_size"`
		SyncLimit          int    `mapstructure:"sync_limit"`
		MaxBodyBytes       int64  `mapstructure:"max_body_bytes"`
		MaxCalendarSize    int    `mapstructure:"max_calendar_size"`
		MaxCardSize        int    `mapstructure:"max_card_size"`
	} `mapstructure:"dav"`

	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`

	DB struct {
		DSN      string `mapstructure:"dsn"`
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	OIDC struct {
		IssuerURL    string `mapstructure:"issuer_url"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		// UsernameClaim names the ID token claim used as principal name.
		UsernameClaim string `mapstructure:"username_claim"`
	} `mapstructure:"oidc"`

	Log struct {
		Level      string `mapstructure:"level"`
		File       string `mapstructure:"file"`
		MaxSize    int    `mapstructure:"max_size"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAge     int    `mapstructure:"max_age"`
		Compress   bool   `mapstructure:"compress"`
	} `mapstructure:"log"`

	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	PrometheusEnabled bool     `mapstructure:"prometheus_enabled"`
	TrustedProxies    []string `mapstructure:"trusted_proxies"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("dav.base_path", "/dav/")
	v.SetDefault("dav.max_depth", 8)
	v.SetDefault("dav.allow_infinite_depth", true)
	v.SetDefault("dav.node_cache_size", 512)
	v.SetDefault("dav.sync_limit", 1000)
	v.SetDefault("dav.max_body_bytes", 10<<20)
	v.SetDefault("dav.max_calendar_size", 10<<20)
	v.SetDefault("dav.max_card_size", 1<<20)
	v.SetDefault("storage.driver", StoragePostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "")
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("oidc.issuer_url", "")
	v.SetDefault("oidc.client_id", "")
	v.SetDefault("oidc.client_secret", "")
	v.SetDefault("oidc.username_claim", "preferred_username")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("ratelimit.rps", 20)
	v.SetDefault("ratelimit.burst", 50)
	v.SetDefault("prometheus_enabled", false)
	v.SetDefault("trusted_proxies", []string{})
}

// Load reads the configuration from defaults, the optional config file and
// APP_* environment variables, in increasing order of precedence. Nested
// keys map to variables with "_" separators, so dav.base_path is
// APP_DAV_BASE_PATH.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if configFile == "" {
		configFile = v.GetString("config_file")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// A comma separated env value arrives as a single element.
	if len(cfg.TrustedProxies) == 1 && strings.Contains(cfg.TrustedProxies[0], ",") {
		cfg.TrustedProxies = splitList(cfg.TrustedProxies[0])
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) finish() error {
	if !strings.HasPrefix(cfg.DAV.BasePath, "/") {
		cfg.DAV.BasePath = "/" + cfg.DAV.BasePath
	}
	if !strings.HasSuffix(cfg.DAV.BasePath, "/") {
		cfg.DAV.BasePath += "/"
	}

	switch cfg.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if cfg.DB.DSN == "" {
			var missing []string
			for key, val := range map[string]string{
				"APP_DB_HOST":     cfg.DB.Host,
				"APP_DB_NAME":     cfg.DB.Name,
				"APP_DB_USER":     cfg.DB.User,
				"APP_DB_PASSWORD": cfg.DB.Password,
			} {
				if val == "" {
					missing = append(missing, key)
				}
			}
			if len(missing) > 0 {
				return errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
			}
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
				url.QueryEscape(cfg.DB.User), url.QueryEscape(cfg.DB.Password), cfg.DB.Host, cfg.DB.Port, cfg.DB.Name, cfg.DB.SSLMode)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.OIDC.IssuerURL != "" && cfg.OIDC.ClientID == "" {
		return errors.New("APP_OIDC_CLIENT_ID is required when APP_OIDC_ISSUER_URL is set")
	}
	if cfg.DAV.MaxDepth < 1 {
		return fmt.Errorf("dav.max_depth must be at least 1 (got %d)", cfg.DAV.MaxDepth)
	}
	if cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0 {
		return errors.New("ratelimit.rps and ratelimit.burst must be positive")
	}

	if len(cfg.TrustedProxies) == 0 {
		logger.Warn(logSender, "no trusted proxies configured, forwarded client addresses are trusted from every peer")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
