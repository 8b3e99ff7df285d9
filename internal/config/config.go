// Package config loads autoforge settings from defaults, an optional
// autoforge.yaml and AUTOFORGE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AUTOFORGE_DATABASE_URL.
const EnvPrefix = "AUTOFORGE"

type Config struct {
	Store      string           `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Hub        HubConfig        `mapstructure:"hub"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
	Log        LogConfig        `mapstructure:"log"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type TemplatesConfig struct {
	// Dir is the catalog directory. Empty means the built-in catalog.
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// StaticResponse is returned verbatim by the static provider.
	StaticResponse string `mapstructure:"static_response"`
}

type HubConfig struct {
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	TargetID string        `mapstructure:"target_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type DeployConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SnapshotConfig struct {
	Source   string        `mapstructure:"source"`
	File     string        `mapstructure:"file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type SafetyConfig struct {
	DeniedDomains []string `mapstructure:"denied_domains"`
}

type ResolutionConfig struct {
	TieBreak []string `mapstructure:"tie_break"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults, the config file search path
// and environment binding set up. Flags may be bound to it before Load.
func New(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("autoforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", "postgres")
	v.SetDefault("database.url", "postgres://localhost:5432/autoforge?sslmode=disable")
	v.SetDefault("redis.url", "")
	v.SetDefault("templates.dir", "")
	v.SetDefault("templates.watch", false)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.token", "")
	v.SetDefault("llm.timeout", 20*time.Second)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.static_response", "")
	v.SetDefault("hub.url", "http://homeassistant.local:8123")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.target_id", "home")
	v.SetDefault("hub.timeout", 10*time.Second)
	v.SetDefault("deploy.max_attempts", 3)
	v.SetDefault("deploy.timeout", 30*time.Second)
	v.SetDefault("snapshot.source", "hub")
	v.SetDefault("snapshot.file", "")
	v.SetDefault("snapshot.cache_ttl", 5*time.Second)
	v.SetDefault("safety.denied_domains", []string{"lock", "alarm_control_panel", "camera"})
	v.SetDefault("resolution.tie_break", []string{"area", "recency", "id"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the config file if present and decodes the result.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown enum values and impossible limits.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", key, val, strings.Join(allowed, ", ")))
	}
	oneOf("store", c.Store, "postgres", "memory")
	oneOf("llm.provider", c.LLM.Provider, "openai", "static")
	oneOf("snapshot.source", c.Snapshot.Source, "hub", "file")
	oneOf("log.format", c.Log.Format, "text", "json")

	if c.Snapshot.Source == "file" && c.Snapshot.File == "" {
		errs = append(errs, errors.New("snapshot.file is required when snapshot.source is file"))
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("llm.max_attempts: must be at least 1, got %d", c.LLM.MaxAttempts))
	}
	if c.Deploy.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("deploy.max_attempts: must be at least 1, got %d", c.Deploy.MaxAttempts))
	}
	if c.Snapshot.CacheTTL < 0 {
		errs = append(errs, errors.New("snapshot.cache_ttl: must not be negative"))
	}
	return errors.Join(errs...)
}
