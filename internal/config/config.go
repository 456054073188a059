package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "WAYFARER"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "wayfarer.db"
	defaultLogLevel       = "info"
	defaultIssuer         = "wayfarer-relay"
	defaultAudience       = "wayfarer-channel"
	defaultTokenTTL       = 12 * time.Hour
	defaultBrokerKind     = BrokerMemory
	defaultRedisPrefix    = "wayfarer:rooms:"
	defaultChannelURL     = "ws://127.0.0.1:8080/ws"
	defaultActionTimeout  = 8 * time.Second
	defaultJoinTimeout    = 5 * time.Second
	defaultCommentPage    = 50
	defaultRequestTimeout = 5 * time.Second
)

// Broker kinds accepted by broker.kind.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// TokenConfig describes the handshake token parameters shared by the relay
// and the token command.
type TokenConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TTL           time.Duration
	CookieName    string
}

// RelayConfig captures runtime configuration for the relay server.
type RelayConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string
	RequestTimeout time.Duration
	CommentPage    int
	Token          TokenConfig
	Broker         BrokerConfig
}

// BrokerConfig selects how rooms are fanned out across relay instances.
type BrokerConfig struct {
	Kind          string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string
}

// ClientConfig captures configuration for the interactive client commands.
type ClientConfig struct {
	ChannelURL    string
	Token         string
	LogLevel      string
	ActionTimeout time.Duration
	JoinTimeout   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.issuer", defaultIssuer)
	configViper.SetDefault("token.audience", defaultAudience)
	configViper.SetDefault("token.ttl", defaultTokenTTL)
	configViper.SetDefault("comments.page_size", defaultCommentPage)
	configViper.SetDefault("broker.kind", defaultBrokerKind)
	configViper.SetDefault("broker.redis.db", 0)
	configViper.SetDefault("broker.redis.channel_prefix", defaultRedisPrefix)
	configViper.SetDefault("client.channel_url", defaultChannelURL)
	configViper.SetDefault("client.action_timeout", defaultActionTimeout)
	configViper.SetDefault("client.join_timeout", defaultJoinTimeout)
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error unless required is true.
func LoadEnvFile(path string, required bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// LoadToken parses the handshake token settings.
func LoadToken(configViper *viper.Viper) (TokenConfig, error) {
	cfg := TokenConfig{
		SigningSecret: configViper.GetString("token.signing_secret"),
		Issuer:        configViper.GetString("token.issuer"),
		Audience:      configViper.GetString("token.audience"),
		TTL:           configViper.GetDuration("token.ttl"),
		CookieName:    configViper.GetString("token.cookie_name"),
	}
	if err := cfg.validate(); err != nil {
		return TokenConfig{}, err
	}
	return cfg, nil
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	token, err := LoadToken(configViper)
	if err != nil {
		return RelayConfig{}, err
	}
	cfg := RelayConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		RequestTimeout: configViper.GetDuration("http.request_timeout"),
		CommentPage:    configViper.GetInt("comments.page_size"),
		Token:          token,
		Broker: BrokerConfig{
			Kind:          strings.ToLower(strings.TrimSpace(configViper.GetString("broker.kind"))),
			RedisAddress:  configViper.GetString("broker.redis.address"),
			RedisPassword: configViper.GetString("broker.redis.password"),
			RedisDB:       configViper.GetInt("broker.redis.db"),
			ChannelPrefix: configViper.GetString("broker.redis.channel_prefix"),
		},
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ChannelURL:    configViper.GetString("client.channel_url"),
		Token:         configViper.GetString("client.token"),
		LogLevel:      configViper.GetString("log.level"),
		ActionTimeout: configViper.GetDuration("client.action_timeout"),
		JoinTimeout:   configViper.GetDuration("client.join_timeout"),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// HTTPBaseURL derives the relay REST base URL from the channel URL.
func (c ClientConfig) HTTPBaseURL() (string, error) {
	parsed, err := url.Parse(c.ChannelURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/ws")
	parsed.RawQuery = ""
	return strings.TrimSuffix(parsed.String(), "/"), nil
}

func (c TokenConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("token.issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("token.audience is required")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}
	return nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerRedis:
		if strings.TrimSpace(c.Broker.RedisAddress) == "" {
			return fmt.Errorf("broker.redis.address is required when broker.kind is redis")
		}
	default:
		return fmt.Errorf("broker.kind must be %q or %q, got %q", BrokerMemory, BrokerRedis, c.Broker.Kind)
	}
	return nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(strings.TrimSpace(c.ChannelURL))
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return fmt.Errorf("client.channel_url must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("client.token is required")
	}
	if c.ActionTimeout <= 0 || c.JoinTimeout <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
