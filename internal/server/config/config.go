// Package config loads the server configuration. Values are layered:
// built-in defaults, an optional YAML file, FIELDSYNC_* environment
// variables and command line flags, each overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/iudanet/fieldsync/internal/server/engine"
	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/validation"
)

// EnvPrefix prefixes environment overrides, e.g. FIELDSYNC_JWT_SECRET.
const EnvPrefix = "FIELDSYNC"

// Config is the complete server configuration.
type Config struct {
	Roles       map[string]RoleConfig `mapstructure:"roles" yaml:"roles"`
	JWT         JWTConfig             `mapstructure:"jwt" yaml:"jwt"`
	Log         LogConfig             `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig         `mapstructure:"storage" yaml:"storage"`
	EntityTypes []EntityTypeConfig    `mapstructure:"entity_types" yaml:"entity_types"`
	Server      ServerConfig          `mapstructure:"server" yaml:"server"`
	RateLimit   RateLimitConfig       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Sync        SyncConfig            `mapstructure:"sync" yaml:"sync"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// JWTConfig holds the bearer token verification settings.
type JWTConfig struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	OperationTimeout   time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	Workers            int           `mapstructure:"workers" yaml:"workers"`
	MaxBatchOperations int           `mapstructure:"max_batch_operations" yaml:"max_batch_operations"`
	DefaultPullLimit   int           `mapstructure:"default_pull_limit" yaml:"default_pull_limit"`
	MaxPullLimit       int           `mapstructure:"max_pull_limit" yaml:"max_pull_limit"`
	MaxStreamItems     int           `mapstructure:"max_stream_items" yaml:"max_stream_items"`
	MaxWriteAttempts   int           `mapstructure:"max_write_attempts" yaml:"max_write_attempts"`
	MaxConflicts       int           `mapstructure:"max_conflicts" yaml:"max_conflicts"`
}

// RateLimitConfig bounds requests per device. Zero requests disables it.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

// RoleConfig lists the entity types a device role synchronizes.
type RoleConfig struct {
	DefaultType string   `mapstructure:"default_type" yaml:"default_type,omitempty"`
	EntityTypes []string `mapstructure:"entity_types" yaml:"entity_types"`
}

// EntityTypeConfig declares a synchronized entity type.
type EntityTypeConfig struct {
	Name         string   `mapstructure:"name" yaml:"name"`
	StatusField  string   `mapstructure:"status_field" yaml:"status_field,omitempty"`
	Statuses     []string `mapstructure:"statuses" yaml:"statuses,omitempty"`
	AppendFields []string `mapstructure:"append_fields" yaml:"append_fields,omitempty"`
}

// Flags registers the command line overrides on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("addr", "", "HTTP listen address")
	fs.String("db", "", "sqlite database path")
	fs.String("jwt-secret", "", "HMAC secret used to verify device tokens")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: json or text")
}

var flagKeys = map[string]string{
	"addr":       "server.addr",
	"db":         "storage.path",
	"jwt-secret": "jwt.secret",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// Load reads the configuration. path may be empty; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// a file that declares its own types replaces the defaults rather than
	// merging with them
	if v.InConfig("entity_types") || v.InConfig("roles") {
		if !v.InConfig("entity_types") {
			cfg.EntityTypes = nil
		}
		if !v.InConfig("roles") {
			cfg.Roles = nil
		}
	}
	if len(cfg.EntityTypes) == 0 && len(cfg.Roles) == 0 {
		cfg.EntityTypes = DefaultEntityTypes()
		cfg.Roles = DefaultRoles()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	opts := engine.DefaultOptions()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("storage.path", "fieldsync.db")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.token_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sync.operation_timeout", opts.OperationTimeout)
	v.SetDefault("sync.workers", opts.Workers)
	v.SetDefault("sync.max_batch_operations", opts.MaxBatchOperations)
	v.SetDefault("sync.default_pull_limit", opts.DefaultPullLimit)
	v.SetDefault("sync.max_pull_limit", opts.MaxPullLimit)
	v.SetDefault("sync.max_stream_items", opts.MaxStreamItems)
	v.SetDefault("sync.max_write_attempts", opts.MaxWriteAttempts)
	v.SetDefault("sync.max_conflicts", opts.MaxConflicts)
	v.SetDefault("rate_limit.requests", 600)
	v.SetDefault("rate_limit.window", time.Minute)
}

// DefaultEntityTypes is the logistics entity set used when no types are configured.
func DefaultEntityTypes() []EntityTypeConfig {
	return []EntityTypeConfig{
		{
			Name:         "orders",
			Statuses:     []string{"pending", "assigned", "in_progress", "delivered", "failed", "cancelled"},
			AppendFields: []string{"notes", "photos", "signatures"},
		},
		{
			Name:         "shipments",
			Statuses:     []string{"created", "loaded", "in_transit", "delivered", "returned"},
			AppendFields: []string{"notes", "photos"},
		},
		{
			Name:         "inspections",
			Statuses:     []string{"open", "passed", "failed"},
			AppendFields: []string{"findings", "photos"},
		},
		{
			Name:         "collections",
			Statuses:     []string{"due", "collected", "partial", "refused"},
			AppendFields: []string{"receipts", "notes"},
		},
		{Name: "customers"},
	}
}

// DefaultRoles maps the field device roles to the default entity types.
func DefaultRoles() map[string]RoleConfig {
	return map[string]RoleConfig{
		"checker":   {EntityTypes: []string{"inspections", "shipments"}},
		"driver":    {EntityTypes: []string{"orders", "shipments", "customers"}},
		"collector": {EntityTypes: []string{"collections", "customers"}},
	}
}

// Validate checks the configuration for errors the engine would only
// report at startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}

	names := make([]string, 0, len(c.EntityTypes))
	for _, t := range c.EntityTypes {
		if err := validation.ValidateEntityType(t.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		if slices.Contains(names, t.Name) {
			errs = append(errs, fmt.Errorf("entity type %q declared twice", t.Name))
		}
		names = append(names, t.Name)
	}

	if len(c.Roles) == 0 {
		errs = append(errs, errors.New("at least one role is required"))
	}
	for name, role := range c.Roles {
		if len(role.EntityTypes) == 0 {
			errs = append(errs, fmt.Errorf("role %q has no entity types", name))
		}
		for _, t := range role.EntityTypes {
			if !slices.Contains(names, t) {
				errs = append(errs, fmt.Errorf("role %q references unknown entity type %q", name, t))
			}
		}
	}

	return errors.Join(errs...)
}

// RequireSecret reports an error when no JWT secret is configured. Only the
// commands that verify or sign tokens need it.
func (c *Config) RequireSecret() error {
	if len(c.JWT.Secret) < 16 {
		return fmt.Errorf("jwt.secret must be at least 16 bytes (set %s_JWT_SECRET)", EnvPrefix)
	}
	return nil
}

// EngineOptions converts the sync section.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		OperationTimeout:   c.Sync.OperationTimeout,
		Workers:            c.Sync.Workers,
		MaxBatchOperations: c.Sync.MaxBatchOperations,
		DefaultPullLimit:   c.Sync.DefaultPullLimit,
		MaxPullLimit:       c.Sync.MaxPullLimit,
		MaxStreamItems:     c.Sync.MaxStreamItems,
		MaxWriteAttempts:   c.Sync.MaxWriteAttempts,
		MaxConflicts:       c.Sync.MaxConflicts,
	}
}

// EngineTypes converts the entity type declarations.
func (c *Config) EngineTypes() []engine.EntityType {
	out := make([]engine.EntityType, 0, len(c.EntityTypes))
	for _, t := range c.EntityTypes {
		out = append(out, engine.EntityType{
			Name:         t.Name,
			Statuses:     t.Statuses,
			AppendFields: t.AppendFields,
			StatusField:  t.StatusField,
		})
	}
	return out
}

// EngineRoles converts the role declarations.
func (c *Config) EngineRoles() map[string]engine.Role {
	out := make(map[string]engine.Role, len(c.Roles))
	for name, r := range c.Roles {
		out[name] = engine.Role{EntityTypes: r.EntityTypes, DefaultType: r.DefaultType}
	}
	return out
}

// JWTSettings converts the jwt section.
func (c *Config) JWTSettings() handlers.JWTConfig {
	return handlers.JWTConfig{
		Secret:         []byte(c.JWT.Secret),
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: c.JWT.TokenTTL,
	}
}

// YAML renders the effective configuration with the secret masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.JWT.Secret != "" {
		masked.JWT.Secret = "********"
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger writing to stderr.
func (c *Config) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
