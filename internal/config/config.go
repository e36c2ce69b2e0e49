// Package config loads and validates linkwatch configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/linkwatch/internal/extract"
	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

// EnvPrefix namespaces environment overrides, e.g. LINKWATCH_DATABASE_DSN.
const EnvPrefix = "LINKWATCH"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Notifier sinks.
const (
	SinkPushover = "pushover"
	SinkPubSub   = "pubsub"
	SinkLog      = "log"
	SinkNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Interval time.Duration  `mapstructure:"interval"`
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Targets  []TargetConfig `mapstructure:"targets"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Pushover PushoverConfig `mapstructure:"pushover"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Watch    bool           `mapstructure:"watch"`
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// HTTPConfig configures the fetchers.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`

	// PerHostRPS spaces requests to one host; zero disables it.
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`

	// RespectRobots skips URLs that robots.txt disallows for UserAgent.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// TargetConfig is one monitored page as written in the config file.
type TargetConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Kind     string `mapstructure:"kind"`
	Selector string `mapstructure:"selector"`
	Render   bool   `mapstructure:"render"`
}

// NotifierConfig controls the notification queue and its sink.
type NotifierConfig struct {
	Sink           string        `mapstructure:"sink"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Digest         bool          `mapstructure:"digest"`
}

// PushoverConfig holds Pushover credentials.
type PushoverConfig struct {
	Token    string `mapstructure:"token"`
	User     string `mapstructure:"user"`
	Endpoint string `mapstructure:"endpoint"`
}

// PubSubConfig names the topic new-link events are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the control/metrics HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// APIKey, when set, is required on every request via X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. An empty path searches the
// working directory, /etc/linkwatch and $HOME/.linkwatch for linkwatch.{yaml,toml,json}.
func Load(path string) (Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (Config, string, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, "", fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	v.SetConfigName("linkwatch")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/linkwatch/")
	v.AddConfigPath("$HOME/.linkwatch")
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", "24h")
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.migrate", true)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.user_agent", "linkwatch/1.0")
	v.SetDefault("http.render_timeout", "45s")
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.per_host_burst", 1)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("notifier.sink", SinkLog)
	v.SetDefault("notifier.queue_depth", 256)
	v.SetDefault("notifier.max_retries", 5)
	v.SetDefault("notifier.backoff_initial", "1s")
	v.SetDefault("notifier.backoff_max", "1m")
	v.SetDefault("notifier.digest", false)
	v.SetDefault("pushover.endpoint", "https://api.pushover.net/1/messages.json")
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("watch", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be >= 1s, got %s", c.Interval)
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.PerHostRPS < 0 {
		return fmt.Errorf("http.per_host_rps must be >= 0")
	}
	if _, err := c.LinkTargets(); err != nil {
		return err
	}
	switch c.Notifier.Sink {
	case SinkPushover:
		if c.Pushover.Token == "" || c.Pushover.User == "" {
			return fmt.Errorf("pushover.token and pushover.user are required for the pushover sink")
		}
	case SinkPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic are required for the pubsub sink")
		}
	case SinkLog, SinkNone:
	default:
		return fmt.Errorf("notifier.sink %q is not supported", c.Notifier.Sink)
	}
	if c.Notifier.QueueDepth <= 0 {
		return fmt.Errorf("notifier.queue_depth must be > 0")
	}
	if c.Notifier.MaxRetries < 0 {
		return fmt.Errorf("notifier.max_retries must be >= 0")
	}
	return nil
}

// LinkTargets converts and validates the configured targets, preserving order.
// Names default to the URL host.
func (c Config) LinkTargets() ([]linkwatch.Target, error) {
	if len(c.Targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	seen := make(map[string]int, len(c.Targets))
	out := make([]linkwatch.Target, 0, len(c.Targets))
	for i, tc := range c.Targets {
		u, err := url.Parse(tc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("targets[%d].url %q must be an absolute http(s) URL", i, tc.URL)
		}
		kind, err := linkwatch.ParseSelectorKind(tc.Kind)
		if err != nil {
			return nil, fmt.Errorf("targets[%d].kind: %w", i, err)
		}
		expr := strings.TrimSpace(tc.Selector)
		if expr == "" {
			return nil, fmt.Errorf("targets[%d].selector is required", i)
		}
		// XPath expressions are left unchecked so the path engine stays unloaded.
		if kind == linkwatch.KindCSS {
			if err := extract.CompileCSS(expr); err != nil {
				return nil, fmt.Errorf("targets[%d].selector: %w", i, err)
			}
		}
		target := linkwatch.Target{
			Name:     tc.Name,
			URL:      tc.URL,
			Selector: linkwatch.Selector{Kind: kind, Expression: expr},
			Render:   tc.Render,
		}
		if target.Name == "" {
			target.Name = u.Host
		}
		key := target.URL + "\x00" + target.Selector.String()
		if j, dup := seen[key]; dup {
			return nil, fmt.Errorf("targets[%d] duplicates targets[%d]", i, j)
		}
		seen[key] = i
		out = append(out, target)
	}
	return out, nil
}
