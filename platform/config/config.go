// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides settings for the asynq queue and its redis backend.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// RoutingConfig provides settings for the lead routing engine.
type RoutingConfig interface {
	GetOfferTimeout() time.Duration
	GetBusinessTimezone() string
	GetBusinessOpen() string
	GetBusinessClose() string
	GetBusinessDays() []string
	GetFieldAgentRole() string
	GetSupervisorRoles() []string
	GetRequireOnline() bool
	GetHeartbeatGrace() time.Duration
	GetOfflineAfter() time.Duration
	GetSweepInterval() time.Duration
	GetMaxWraps() int
	GetDeliveryRetry() time.Duration
	GetRotationPool() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env              string
	HTTPAddr         string
	DatabaseURL      string
	MigrationsDir    string
	JWTAccessSecret  string
	CORSAllowAll     bool
	CORSOrigins      []string
	CORSAllowCreds   bool
	RedisURL         string
	RedisTLSInsecure bool
	AsynqQueueName   string
	AsynqConcurrency int
	OfferTimeout     time.Duration
	BusinessTimezone string
	BusinessOpen     string
	BusinessClose    string
	BusinessDays     []string
	FieldAgentRole   string
	SupervisorRoles  []string
	RequireOnline    bool
	HeartbeatGrace   time.Duration
	OfflineAfter     time.Duration
	SweepInterval    time.Duration
	MaxWraps         int
	DeliveryRetry    time.Duration
	RotationPool     string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// RoutingConfig implementation
func (c *Config) GetOfferTimeout() time.Duration   { return c.OfferTimeout }
func (c *Config) GetBusinessTimezone() string      { return c.BusinessTimezone }
func (c *Config) GetBusinessOpen() string          { return c.BusinessOpen }
func (c *Config) GetBusinessClose() string         { return c.BusinessClose }
func (c *Config) GetBusinessDays() []string        { return c.BusinessDays }
func (c *Config) GetFieldAgentRole() string        { return c.FieldAgentRole }
func (c *Config) GetSupervisorRoles() []string     { return c.SupervisorRoles }
func (c *Config) GetRequireOnline() bool           { return c.RequireOnline }
func (c *Config) GetHeartbeatGrace() time.Duration { return c.HeartbeatGrace }
func (c *Config) GetOfflineAfter() time.Duration   { return c.OfflineAfter }
func (c *Config) GetSweepInterval() time.Duration  { return c.SweepInterval }
func (c *Config) GetMaxWraps() int                 { return c.MaxWraps }
func (c *Config) GetDeliveryRetry() time.Duration  { return c.DeliveryRetry }
func (c *Config) GetRotationPool() string          { return c.RotationPool }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		MigrationsDir:    getEnv("MIGRATIONS_DIR", "migrations"),
		JWTAccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:     corsAllowAll,
		CORSOrigins:      corsOrigins,
		CORSAllowCreds:   strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "routing"),
		AsynqConcurrency: mustInt(getEnv("ASYNQ_CONCURRENCY", "5")),
		OfferTimeout:     mustDuration(getEnv("ROUTING_OFFER_TIMEOUT", "10m")),
		BusinessTimezone: getEnv("ROUTING_BUSINESS_TIMEZONE", "Europe/Amsterdam"),
		BusinessOpen:     getEnv("ROUTING_BUSINESS_OPEN", "09:30"),
		BusinessClose:    getEnv("ROUTING_BUSINESS_CLOSE", "19:30"),
		BusinessDays:     splitCSV(getEnv("ROUTING_BUSINESS_DAYS", "mon,tue,wed,thu,fri")),
		FieldAgentRole:   getEnv("ROUTING_FIELD_AGENT_ROLE", "vendor"),
		SupervisorRoles:  splitCSV(getEnv("ROUTING_SUPERVISOR_ROLES", "admin,supervisor")),
		RequireOnline:    strings.EqualFold(getEnv("ROUTING_REQUIRE_ONLINE", "false"), "true"),
		HeartbeatGrace:   mustDuration(getEnv("ROUTING_HEARTBEAT_GRACE", "45s")),
		OfflineAfter:     mustDuration(getEnv("ROUTING_OFFLINE_AFTER", "3m")),
		SweepInterval:    mustDuration(getEnv("ROUTING_SWEEP_INTERVAL", "30s")),
		MaxWraps:         mustInt(getEnv("ROUTING_MAX_WRAPS", "0")),
		DeliveryRetry:    mustDuration(getEnv("ROUTING_DELIVERY_RETRY", "5m")),
		RotationPool:     getEnv("ROUTING_POOL", "global"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	if err := cfg.validateRouting(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validateRouting() error {
	if c.OfferTimeout <= 0 {
		return fmt.Errorf("ROUTING_OFFER_TIMEOUT must be a positive duration")
	}
	if c.HeartbeatGrace <= 0 || c.OfflineAfter <= 0 {
		return fmt.Errorf("ROUTING_HEARTBEAT_GRACE and ROUTING_OFFLINE_AFTER must be positive durations")
	}
	if c.OfflineAfter < c.HeartbeatGrace {
		return fmt.Errorf("ROUTING_OFFLINE_AFTER must not be shorter than ROUTING_HEARTBEAT_GRACE")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("ROUTING_SWEEP_INTERVAL must be a positive duration")
	}
	if c.DeliveryRetry <= 0 {
		return fmt.Errorf("ROUTING_DELIVERY_RETRY must be a positive duration")
	}
	if c.MaxWraps < 0 {
		return fmt.Errorf("ROUTING_MAX_WRAPS must not be negative")
	}
	if strings.TrimSpace(c.FieldAgentRole) == "" {
		return fmt.Errorf("ROUTING_FIELD_AGENT_ROLE is required")
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("ROUTING_BUSINESS_TIMEZONE: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
