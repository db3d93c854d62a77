package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Change source kinds.
const (
	SourceRedis = "redis"
	SourceAMQP  = "amqp"
	SourceHTTP  = "http"
)

// FileConfig represents gateway configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	IdentityServiceURL string `yaml:"identityServiceURL"`
	IdentityJWKSURL    string `yaml:"identityJwksURL"`
	JWTIssuer          string `yaml:"jwtIssuer"`
	JWTAudience        string `yaml:"jwtAudience"`
	JWTLeeway          string `yaml:"jwtLeeway"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`

	MinioEndpoint       string   `yaml:"minioEndpoint"`
	MinioAccessKey      string   `yaml:"minioAccessKey"`
	MinioSecretKey      string   `yaml:"minioSecretKey"`
	MinioBucket         string   `yaml:"minioBucket"`
	MinioUseSSL         bool     `yaml:"minioUseSSL"`
	PresignTTL          string   `yaml:"presignTTL"`
	MaxObjectBytes      int64    `yaml:"maxObjectBytes"`
	AllowedContentTypes []string `yaml:"allowedContentTypes"`

	SendQueueSize     int      `yaml:"sendQueueSize"`
	IdleTimeout       string   `yaml:"idleTimeout"`
	IngestWorkers     int      `yaml:"ingestWorkers"`
	ChangeSource      string   `yaml:"changeSource"`
	ChangeStream      string   `yaml:"changeStream"`
	AMQPURL           string   `yaml:"amqpURL"`
	AMQPExchange      string   `yaml:"amqpExchange"`
	CallbackPublicKey string   `yaml:"callbackPublicKey"`
	CallbackAudience  string   `yaml:"callbackAudience"`
	CallbackIssuers   []string `yaml:"callbackIssuers"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides for deploy-time secrets.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("GATEWAY_IDENTITY_URL"); v != "" {
		cfg.IdentityServiceURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_IDENTITY_JWKS_URL"); v != "" {
		cfg.IdentityJWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("GATEWAY_CHANGE_SOURCE"); v != "" {
		cfg.ChangeSource = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_CHANGE_STREAM"); v != "" {
		cfg.ChangeStream = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_MAX_OBJECT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxObjectBytes = n
		}
	}
	if v := os.Getenv("GATEWAY_ALLOWED_CONTENT_TYPES"); v != "" {
		cfg.AllowedContentTypes = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_REGISTER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.IdentityServiceURL == "" {
		return errors.New("config: identityServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.IdentityJWKSURL) == "" {
		return errors.New("config: identityJwksURL is required (set in config.yaml or GATEWAY_IDENTITY_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" || strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioEndpoint and minioBucket are required")
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	switch strings.TrimSpace(cfg.ChangeSource) {
	case SourceRedis:
		if strings.TrimSpace(cfg.ChangeStream) == "" {
			return errors.New("config: changeStream is required for the redis change source")
		}
	case SourceAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" || strings.TrimSpace(cfg.AMQPExchange) == "" {
			return errors.New("config: amqpURL and amqpExchange are required for the amqp change source")
		}
	case SourceHTTP:
		if strings.TrimSpace(cfg.CallbackPublicKey) == "" || len(cfg.CallbackIssuers) == 0 {
			return errors.New("config: callbackPublicKey and callbackIssuers are required for the http change source")
		}
	default:
		return fmt.Errorf("config: changeSource must be one of %s, %s, %s", SourceRedis, SourceAMQP, SourceHTTP)
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseOptionalDuration parses a duration string, returning zero for empty
// input so callers can fall back to their defaults.
func ParseOptionalDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	return dur, nil
}
