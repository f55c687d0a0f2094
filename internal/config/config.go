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

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML with environment
// overrides.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	EmbeddingServiceURL  string `yaml:"embeddingServiceURL"`
	ModerationServiceURL string `yaml:"moderationServiceURL"`
	InternalServiceToken string `yaml:"internalServiceToken"`

	OllamaURL   string `yaml:"ollamaURL"`
	OllamaModel string `yaml:"ollamaModel"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`

	SearchCooldown          string `yaml:"searchCooldown"`
	RequestRateLimitPerMin  int    `yaml:"requestRateLimitPerMinute"`
	NotificationSessionCap  int    `yaml:"notificationSessionCap"`
	NotificationInitialSize int    `yaml:"notificationInitialBatch"`
	NotificationPageSize    int    `yaml:"notificationPageSize"`

	ModerationThresholds map[string]float64 `yaml:"moderationThresholds"`

	AllowedImageExtensions []string `yaml:"allowedImageExtensions"`

	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	ShutdownGraceSeconds int `yaml:"shutdownGraceSeconds"`
	ShutdownHardSeconds  int `yaml:"shutdownHardSeconds"`
}

// Load reads config from path (defaults to config.yaml).
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
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
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
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("EMBEDDING_SERVICE_URL"); v != "" {
		cfg.EmbeddingServiceURL = v
	}
	if v := os.Getenv("MODERATION_SERVICE_URL"); v != "" {
		cfg.ModerationServiceURL = v
	}
	if v := os.Getenv("INTERNAL_SERVICE_TOKEN"); v != "" {
		cfg.InternalServiceToken = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.OllamaURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.OllamaModel = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("SEARCH_COOLDOWN"); v != "" {
		cfg.SearchCooldown = strings.TrimSpace(v)
	}
	if v := os.Getenv("REQUEST_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestRateLimitPerMin = n
		}
	}
	if v := os.Getenv("NOTIFICATION_SESSION_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NotificationSessionCap = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
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
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and side-effect delivery")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml or MINIO_ENDPOINT)")
	}
	if strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioBucket is required (set in config.yaml or MINIO_BUCKET)")
	}
	if strings.TrimSpace(cfg.EmbeddingServiceURL) == "" {
		return errors.New("config: embeddingServiceURL is required (set in config.yaml or EMBEDDING_SERVICE_URL)")
	}
	if strings.TrimSpace(cfg.ModerationServiceURL) == "" {
		return errors.New("config: moderationServiceURL is required (set in config.yaml or MODERATION_SERVICE_URL)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.RequestRateLimitPerMin < 0 {
		return errors.New("config: requestRateLimitPerMinute must be >= 0")
	}
	if cfg.NotificationSessionCap < 0 {
		return errors.New("config: notificationSessionCap must be >= 0")
	}
	if _, err := ParseSearchCooldown(cfg.SearchCooldown); err != nil {
		return err
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

// ParseSearchCooldown parses the optional per-case search cooldown. Empty
// means the built-in default.
func ParseSearchCooldown(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid searchCooldown duration: %w", err)
	}
	if dur < 0 {
		return 0, errors.New("config: searchCooldown must be >= 0")
	}
	return dur, nil
}
