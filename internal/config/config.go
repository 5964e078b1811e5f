package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Engine        EngineConfig
	Cache         CacheConfig
	RateLimit     RateLimitConfig
	Schema        SchemaConfig
	Executor      ExecutorConfig
	History       HistoryConfig
	Export        ExportConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type EngineConfig struct {
	DatabasePath   string
	MaxConnections int
	AcquireTimeout time.Duration
	ProbeAfter     time.Duration
}

type CacheConfig struct {
	MaxSize    int
	DefaultTTL time.Duration
}

type RateLimitConfig struct {
	MaxCalls int
	Window   time.Duration
}

type SchemaConfig struct {
	Tables         []string
	ColumnPrefixes []string
}

type ExecutorConfig struct {
	Coalesce     bool
	StrictTables bool
}

type HistoryConfig struct {
	Enabled         bool
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ExportConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type MaintenanceConfig struct {
	SweepInterval time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DUCKGATE_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DUCKGATE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "DUCKGATE_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_DATABASE_PATH", &cfg.Engine.DatabasePath); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKGATE_MAX_CONNECTIONS", &cfg.Engine.MaxConnections); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_ACQUIRE_TIMEOUT", &cfg.Engine.AcquireTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_PROBE_AFTER", &cfg.Engine.ProbeAfter); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKGATE_CACHE_MAX_SIZE", &cfg.Cache.MaxSize); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKGATE_RATE_LIMIT_MAX_CALLS", &cfg.RateLimit.MaxCalls); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window); err != nil {
		return Config{}, err
	}
	if err := applyStringList(lookup, "DUCKGATE_ALLOWED_TABLES", &cfg.Schema.Tables); err != nil {
		return Config{}, err
	}
	if err := applyStringList(lookup, "DUCKGATE_ALLOWED_COLUMN_PREFIXES", &cfg.Schema.ColumnPrefixes); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_COALESCE_QUERIES", &cfg.Executor.Coalesce); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_STRICT_TABLES", &cfg.Executor.StrictTables); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_HISTORY_ENABLED", &cfg.History.Enabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_HISTORY_DSN", &cfg.History.DSN); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKGATE_HISTORY_MAX_OPEN_CONNS", &cfg.History.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKGATE_HISTORY_MAX_IDLE_CONNS", &cfg.History.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_HISTORY_CONN_MAX_IDLE_TIME", &cfg.History.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_HISTORY_CONN_MAX_LIFETIME", &cfg.History.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_EXPORT_ENABLED", &cfg.Export.Enabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_EXPORT_ENDPOINT", &cfg.Export.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_EXPORT_REGION", &cfg.Export.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_EXPORT_BUCKET", &cfg.Export.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_EXPORT_ACCESS_KEY", &cfg.Export.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_EXPORT_SECRET_KEY", &cfg.Export.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_EXPORT_USE_SSL", &cfg.Export.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_EXPORT_PREFIX", &cfg.Export.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_EXPORT_AUTO_CREATE_BUCKET", &cfg.Export.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKGATE_SWEEP_INTERVAL", &cfg.Maintenance.SweepInterval); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "DUCKGATE_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKGATE_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKGATE_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate reports every invalid field at once so a bad deployment fails
// with the full picture.
func (c Config) validate() error {
	var fields []string
	if c.Service.Name == "" {
		fields = append(fields, "service name is required")
	}
	if c.HTTP.Address == "" {
		fields = append(fields, "http address is required")
	}
	if strings.TrimSpace(c.Engine.DatabasePath) == "" {
		fields = append(fields, "DUCKGATE_DATABASE_PATH is required")
	}
	if c.Engine.MaxConnections <= 0 {
		fields = append(fields, fmt.Sprintf("DUCKGATE_MAX_CONNECTIONS must be positive, got %d", c.Engine.MaxConnections))
	}
	if c.Engine.AcquireTimeout <= 0 {
		fields = append(fields, fmt.Sprintf("DUCKGATE_ACQUIRE_TIMEOUT must be positive, got %s", c.Engine.AcquireTimeout))
	}
	if c.Cache.MaxSize <= 0 {
		fields = append(fields, fmt.Sprintf("DUCKGATE_CACHE_MAX_SIZE must be positive, got %d", c.Cache.MaxSize))
	}
	if c.RateLimit.MaxCalls <= 0 {
		fields = append(fields, fmt.Sprintf("DUCKGATE_RATE_LIMIT_MAX_CALLS must be positive, got %d", c.RateLimit.MaxCalls))
	}
	if c.RateLimit.Window <= 0 {
		fields = append(fields, fmt.Sprintf("DUCKGATE_RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window))
	}
	if len(c.Schema.Tables) == 0 {
		fields = append(fields, "DUCKGATE_ALLOWED_TABLES must list at least one table")
	}
	if c.History.Enabled && c.History.DSN == "" {
		fields = append(fields, "DUCKGATE_HISTORY_DSN is required when history is enabled")
	}
	if c.Export.Enabled {
		if c.Export.Endpoint == "" {
			fields = append(fields, "DUCKGATE_EXPORT_ENDPOINT is required when export is enabled")
		}
		if c.Export.Bucket == "" {
			fields = append(fields, "DUCKGATE_EXPORT_BUCKET is required when export is enabled")
		}
	}
	if len(fields) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(fields, "; "))
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "duckgate-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Engine: EngineConfig{
			DatabasePath:   "./data/analytics.duckdb",
			MaxConnections: 5,
			AcquireTimeout: 5 * time.Second,
			ProbeAfter:     30 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:    256,
			DefaultTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			MaxCalls: 30,
			Window:   time.Minute,
		},
		Schema: SchemaConfig{
			Tables: []string{"events"},
		},
		Executor: ExecutorConfig{
			Coalesce:     false,
			StrictTables: true,
		},
		History: HistoryConfig{
			Enabled:         false,
			DSN:             "",
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Export: ExportConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "duckgate-exports",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "exports",
			AutoCreateBucket: true,
		},
		Maintenance: MaintenanceConfig{
			SweepInterval: time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Export.UseSSL = true
		cfg.Export.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyStringList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		values = append(values, part)
	}
	*dst = values
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
