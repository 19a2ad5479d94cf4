// Package config loads the chatsync client configuration from defaults, an
// optional config file, CHATSYNC_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/realtime"
	"github.com/whisper/chatsync/internal/ws"
)

// EnvPrefix prefixes every environment variable, e.g. CHATSYNC_TOKEN or
// CHATSYNC_RECONNECT_DELAY.
const EnvPrefix = "CHATSYNC"

// Reconnect policies.
const (
	PolicyConstant    = "constant"
	PolicyExponential = "exponential"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete client configuration.
type Config struct {
	URL          string `mapstructure:"url"`
	Token        string `mapstructure:"token"`
	UserID       string `mapstructure:"user_id"`
	Workspace    string `mapstructure:"workspace"`
	Channel      string `mapstructure:"channel"`
	Conversation string `mapstructure:"conversation"`
	MetricsAddr  string `mapstructure:"metrics_addr"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
}

type ReconnectConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Policy   string        `mapstructure:"policy"` // constant | exponential
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type TypingConfig struct {
	Idle   time.Duration `mapstructure:"idle"`
	Expiry time.Duration `mapstructure:"expiry"`
}

// RedisConfig enables the Redis fan-out when Addr is set.
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// NATSConfig enables the NATS fan-out when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

var defaults = map[string]any{
	"url":                 "ws://localhost:8080/ws/websocket",
	"token":               "",
	"user_id":             "",
	"workspace":           "",
	"channel":             "",
	"conversation":        "",
	"metrics_addr":        "",
	"reconnect.delay":     5 * time.Second,
	"reconnect.max_delay": 30 * time.Second,
	"reconnect.policy":    PolicyConstant,
	"heartbeat.interval":  10 * time.Second,
	"heartbeat.timeout":   5 * time.Second,
	"typing.idle":         2 * time.Second,
	"typing.expiry":       3 * time.Second,
	"redis.addr":          "",
	"redis.channel":       "chatsync:invalidate",
	"nats.url":            "",
	"nats.subject":        "chatsync.invalidate",
	"cache.ttl":           5 * time.Minute,
	"log.level":           "info",
	"log.format":          "console",
}

// flags maps command-line flags to configuration keys.
var flags = []struct {
	name, key, usage string
}{
	{"url", "url", "broker WebSocket endpoint"},
	{"token", "token", "bearer token (prefer CHATSYNC_TOKEN)"},
	{"user-id", "user_id", "local user id, excluded from typing indicators"},
	{"workspace", "workspace", "workspace to follow"},
	{"channel", "channel", "channel to follow"},
	{"conversation", "conversation", "direct conversation to follow"},
	{"metrics-addr", "metrics_addr", "address for the Prometheus endpoint, e.g. :9090"},
	{"reconnect-policy", "reconnect.policy", "constant or exponential"},
	{"redis-addr", "redis.addr", "publish invalidations to this Redis"},
	{"nats-url", "nats.url", "publish invalidations to this NATS server"},
	{"log-level", "log.level", "debug, info, warn or error"},
	{"log-format", "log.format", "json or console"},
}

// Load parses args and builds the configuration. It returns an error
// wrapping pflag.ErrHelp when -h or --help was given.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML, TOML or JSON config file")
	for _, f := range flags {
		fs.String(f.name, "", f.usage)
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, f := range flags {
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return nil, fmt.Errorf("config: bind flag %s: %w", f.name, err)
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalid, u.Scheme)
	}
	if err := c.Scope().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"reconnect.delay", c.Reconnect.Delay},
		{"reconnect.max_delay", c.Reconnect.MaxDelay},
		{"heartbeat.timeout", c.Heartbeat.Timeout},
		{"typing.idle", c.Typing.Idle},
		{"typing.expiry", c.Typing.Expiry},
		{"cache.ttl", c.Cache.TTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}
	if c.Heartbeat.Interval < 0 {
		return fmt.Errorf("%w: heartbeat.interval must not be negative", ErrInvalid)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("%w: reconnect.max_delay is below reconnect.delay", ErrInvalid)
	}

	switch c.Reconnect.Policy {
	case PolicyConstant, PolicyExponential:
	default:
		return fmt.Errorf("%w: unknown reconnect.policy %q", ErrInvalid, c.Reconnect.Policy)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalid, c.Log.Format)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	return nil
}

// Scope returns the workspace, channel or conversation being followed.
func (c *Config) Scope() protocol.Scope {
	return protocol.Scope{
		WorkspaceID:    c.Workspace,
		ChannelID:      c.Channel,
		ConversationID: c.Conversation,
	}
}

// Realtime returns the connection manager settings.
func (c *Config) Realtime() realtime.Config {
	return realtime.Config{
		Reconnect: realtime.ReconnectConfig{
			Delay:       c.Reconnect.Delay,
			MaxDelay:    c.Reconnect.MaxDelay,
			Exponential: c.Reconnect.Policy == PolicyExponential,
		},
		Heartbeat: c.heartbeat(),
	}
}

// Dialer returns the transport settings.
func (c *Config) Dialer() ws.DialerConfig {
	d := ws.DefaultDialerConfig()
	d.URL = c.URL
	d.Heartbeat = c.heartbeat()
	return d
}

func (c *Config) heartbeat() realtime.HeartbeatConfig {
	return realtime.HeartbeatConfig{
		Interval: c.Heartbeat.Interval,
		Timeout:  c.Heartbeat.Timeout,
	}
}
