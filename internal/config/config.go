package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr    string              `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel      string              `yaml:"log_level" env:"LOG_LEVEL"`
	Store         StoreConfig         `yaml:"store"`
	AccessControl AccessControlConfig `yaml:"access_control"`
	Keystore      KeystoreConfig      `yaml:"keystore"`
	Custodian     CustodianConfig     `yaml:"custodian"`
	Uploader      UploaderConfig      `yaml:"uploader"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Cache         CacheConfig         `yaml:"cache"`
	Logging       LoggingConfig       `yaml:"logging"`
	Audit         AuditConfig         `yaml:"audit"`
	TLS           TLSConfig           `yaml:"tls"`
	Server        ServerConfig        `yaml:"server"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// StoreConfig selects and configures the content-addressed blob store.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"STORE_BACKEND"` // http, s3, memory

	// http gateway backend
	GatewayURL string        `yaml:"gateway_url" env:"STORE_GATEWAY_URL"`
	UploadURL  string        `yaml:"upload_url" env:"STORE_UPLOAD_URL"`
	AuthToken  string        `yaml:"auth_token" env:"STORE_AUTH_TOKEN"`
	Timeout    time.Duration `yaml:"timeout" env:"STORE_TIMEOUT"`

	S3 S3Config `yaml:"s3"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Endpoint     string `yaml:"endpoint" env:"STORE_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"STORE_S3_REGION"`
	Bucket       string `yaml:"bucket" env:"STORE_S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORE_S3_PREFIX"`
	AccessKey    string `yaml:"access_key" env:"STORE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORE_S3_USE_PATH_STYLE"`
}

// AccessControlConfig points at the external access-control codec service.
type AccessControlConfig struct {
	Endpoint  string        `yaml:"endpoint" env:"ACCESS_CONTROL_ENDPOINT"`
	APIKey    string        `yaml:"api_key" env:"ACCESS_CONTROL_API_KEY"`
	Timeout   time.Duration `yaml:"timeout" env:"ACCESS_CONTROL_TIMEOUT"`
	Network   string        `yaml:"network" env:"ACCESS_CONTROL_NETWORK"`
	Contract  string        `yaml:"contract" env:"ACCESS_CONTROL_CONTRACT"`
	Recipient string        `yaml:"recipient" env:"ACCESS_CONTROL_RECIPIENT"`
}

// KeystoreConfig holds the persistent key/manifest/session cache settings.
type KeystoreConfig struct {
	Path            string        `yaml:"path" env:"KEYSTORE_PATH"`
	Secret          string        `yaml:"secret" env:"KEYSTORE_SECRET"`
	KeyTTL          time.Duration `yaml:"key_ttl" env:"KEYSTORE_KEY_TTL"`
	SessionMaxAge   time.Duration `yaml:"session_max_age" env:"KEYSTORE_SESSION_MAX_AGE"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"KEYSTORE_CLEANUP_INTERVAL"`
}

// CustodianConfig tunes the cross-context key request path.
type CustodianConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" env:"CUSTODIAN_REQUEST_TIMEOUT"`
	Workers        int           `yaml:"workers" env:"CUSTODIAN_WORKERS"`
	RefreshWindow  time.Duration `yaml:"refresh_window" env:"CUSTODIAN_REFRESH_WINDOW"`
}

// UploaderConfig controls chunking and the background upload worker.
type UploaderConfig struct {
	ChunkSize    int64  `yaml:"chunk_size" env:"UPLOADER_CHUNK_SIZE"`
	Adaptive     bool   `yaml:"adaptive" env:"UPLOADER_ADAPTIVE"`
	QueueSize    int    `yaml:"queue_size" env:"UPLOADER_QUEUE_SIZE"`
	MaxFormBytes int64  `yaml:"max_form_bytes" env:"UPLOADER_MAX_FORM_BYTES"`
	Format       string `yaml:"format" env:"UPLOADER_FORMAT"` // v3 or v4
}

// ProxyConfig holds streaming decryption proxy settings.
type ProxyConfig struct {
	FetchConcurrency int  `yaml:"fetch_concurrency" env:"PROXY_FETCH_CONCURRENCY"`
	VerifyFullFile   bool `yaml:"verify_full_file" env:"PROXY_VERIFY_FULL_FILE"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds the ciphertext chunk cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`       // Max size in bytes
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`     // Max number of items
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"` // Default TTL
}

// LoggingConfig controls request logging.
type LoggingConfig struct {
	AccessLog       bool     `yaml:"access_log" env:"LOGGING_ACCESS_LOG"`
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Defaults returns a configuration populated with default values.
func Defaults() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store: StoreConfig{
			Backend: "http",
			Timeout: 30 * time.Second,
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "blobs/",
			},
		},
		AccessControl: AccessControlConfig{
			Timeout: 10 * time.Second,
		},
		Keystore: KeystoreConfig{
			Path:            "sealvault.db",
			KeyTTL:          24 * time.Hour,
			SessionMaxAge:   24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Custodian: CustodianConfig{
			RequestTimeout: 5 * time.Second,
			Workers:        4,
			RefreshWindow:  2 * time.Minute,
		},
		Uploader: UploaderConfig{
			ChunkSize:    1 << 20,
			QueueSize:    16,
			MaxFormBytes: 32 << 20,
			Format:       "v4",
		},
		Proxy: ProxyConfig{
			FetchConcurrency: 4,
			VerifyFullFile:   true,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      0, // streaming downloads and uploads run long
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxSize:    256 * 1024 * 1024,
			MaxItems:   512,
			DefaultTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			AccessLog:       true,
			AccessLogFormat: "default",
			RedactHeaders:   []string{"Authorization", "Cookie", "X-Session-Token", "X-API-Key"},
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "sealvault",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)

	envString("STORE_BACKEND", &config.Store.Backend)
	envString("STORE_GATEWAY_URL", &config.Store.GatewayURL)
	envString("STORE_UPLOAD_URL", &config.Store.UploadURL)
	envString("STORE_AUTH_TOKEN", &config.Store.AuthToken)
	envDuration("STORE_TIMEOUT", &config.Store.Timeout)
	envString("STORE_S3_ENDPOINT", &config.Store.S3.Endpoint)
	envString("STORE_S3_REGION", &config.Store.S3.Region)
	envString("STORE_S3_BUCKET", &config.Store.S3.Bucket)
	envString("STORE_S3_PREFIX", &config.Store.S3.Prefix)
	envString("STORE_S3_ACCESS_KEY", &config.Store.S3.AccessKey)
	envString("STORE_S3_SECRET_KEY", &config.Store.S3.SecretKey)
	envBool("STORE_S3_USE_PATH_STYLE", &config.Store.S3.UsePathStyle)

	envString("ACCESS_CONTROL_ENDPOINT", &config.AccessControl.Endpoint)
	envString("ACCESS_CONTROL_API_KEY", &config.AccessControl.APIKey)
	envDuration("ACCESS_CONTROL_TIMEOUT", &config.AccessControl.Timeout)
	envString("ACCESS_CONTROL_NETWORK", &config.AccessControl.Network)
	envString("ACCESS_CONTROL_CONTRACT", &config.AccessControl.Contract)
	envString("ACCESS_CONTROL_RECIPIENT", &config.AccessControl.Recipient)

	envString("KEYSTORE_PATH", &config.Keystore.Path)
	envString("KEYSTORE_SECRET", &config.Keystore.Secret)
	envDuration("KEYSTORE_KEY_TTL", &config.Keystore.KeyTTL)
	envDuration("KEYSTORE_SESSION_MAX_AGE", &config.Keystore.SessionMaxAge)
	envDuration("KEYSTORE_CLEANUP_INTERVAL", &config.Keystore.CleanupInterval)

	envDuration("CUSTODIAN_REQUEST_TIMEOUT", &config.Custodian.RequestTimeout)
	envInt("CUSTODIAN_WORKERS", &config.Custodian.Workers)
	envDuration("CUSTODIAN_REFRESH_WINDOW", &config.Custodian.RefreshWindow)

	envInt64("UPLOADER_CHUNK_SIZE", &config.Uploader.ChunkSize)
	envBool("UPLOADER_ADAPTIVE", &config.Uploader.Adaptive)
	envInt("UPLOADER_QUEUE_SIZE", &config.Uploader.QueueSize)
	envInt64("UPLOADER_MAX_FORM_BYTES", &config.Uploader.MaxFormBytes)
	envString("UPLOADER_FORMAT", &config.Uploader.Format)

	envInt("PROXY_FETCH_CONCURRENCY", &config.Proxy.FetchConcurrency)
	envBool("PROXY_VERIFY_FULL_FILE", &config.Proxy.VerifyFullFile)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	envInt64("CACHE_MAX_SIZE", &config.Cache.MaxSize)
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	envBool("LOGGING_ACCESS_LOG", &config.Logging.AccessLog)
	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = strings.Split(v, ",")
		for i := range config.Logging.RedactHeaders {
			config.Logging.RedactHeaders[i] = strings.TrimSpace(config.Logging.RedactHeaders[i])
		}
	}

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Store.Backend {
	case "memory":
	case "http":
		if c.Store.GatewayURL == "" {
			return fmt.Errorf("store.gateway_url is required for the http backend")
		}
		if c.Store.UploadURL == "" {
			return fmt.Errorf("store.upload_url is required for the http backend")
		}
	case "s3":
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be http, s3, or memory)", c.Store.Backend)
	}

	if c.AccessControl.Endpoint == "" {
		return fmt.Errorf("access_control.endpoint is required")
	}

	if c.Keystore.Path == "" {
		return fmt.Errorf("keystore.path is required")
	}

	if c.Custodian.RequestTimeout <= 0 {
		return fmt.Errorf("custodian.request_timeout must be positive")
	}

	if c.Uploader.ChunkSize <= 0 {
		return fmt.Errorf("uploader.chunk_size must be positive")
	}
	if c.Uploader.Format != "v3" && c.Uploader.Format != "v4" {
		return fmt.Errorf("invalid uploader.format: %s (must be v3 or v4)", c.Uploader.Format)
	}

	if c.Proxy.FetchConcurrency <= 0 {
		return fmt.Errorf("proxy.fetch_concurrency must be positive")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
