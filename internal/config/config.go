// Package config loads service configuration from a YAML file with
// environment overrides. Secrets (the database credential) are provisioned
// through a file mount and read once at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the service binaries. Each
// binary reads the sections it needs.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Client   ClientConfig   `yaml:"client"`
	Gateway  GatewayConfig  `yaml:"gateway"`

	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Resets      ResetsConfig      `yaml:"resets"`
	Groups      GroupsConfig      `yaml:"groups"`
}

// ServiceConfig identifies and binds the running service.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

// UpstreamConfig holds the internal base URLs of the peer services.
type UpstreamConfig struct {
	Users  string `yaml:"users"`
	Groups string `yaml:"groups"`
	Steps  string `yaml:"steps"`
}

// AuthConfig configures the identity verifier and the internal service token.
type AuthConfig struct {
	// PublicKeyFile holds the PEM-encoded RSA public key of the external
	// token issuer.
	PublicKeyFile string `yaml:"public_key_file"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`

	// ServiceToken is the shared secret for service-to-service calls.
	// ServiceTokenFile takes precedence when set.
	ServiceToken     string `yaml:"service_token"`
	ServiceTokenFile string `yaml:"service_token_file"`
}

// DatabaseConfig configures the postgres store. PasswordFile is the secret
// mount; when set it overrides Password.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
	SSLMode      string `yaml:"ssl_mode"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, sslMode)
}

// RedisConfig configures the shared idempotency store. Empty Addr selects the
// in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ClientConfig configures the internal service client.
type ClientConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// GatewayConfig holds the static routing table and the edge rate limit.
type GatewayConfig struct {
	Routes        map[string]string `yaml:"routes"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	RateBurst     int               `yaml:"rate_burst"`
}

// IdempotencyConfig fixes the key retention window. It must be at least the
// maximum configured retry duration; the default is far beyond it.
type IdempotencyConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// ReconcileConfig configures the pending-operation sweeper.
type ReconcileConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FailureCeiling int           `yaml:"failure_ceiling"`
}

// ResetsConfig fixes the tally reset schedule.
type ResetsConfig struct {
	Daily    string `yaml:"daily"`
	Weekly   string `yaml:"weekly"`
	Timezone string `yaml:"timezone"`
}

// GroupsConfig holds group service tunables.
type GroupsConfig struct {
	// MaxMembers caps group size; 0 means unlimited.
	MaxMembers int `yaml:"max_members"`
}

// Defaults: retention 24h, sweeper every 15s with a ceiling of 10 attempts,
// resets at midnight daily and Monday midnight weekly.
func defaults() Config {
	return Config{
		Service: ServiceConfig{Addr: ":8080", LogLevel: "info"},
		Client: ClientConfig{
			Timeout:     5 * time.Second,
			MaxAttempts: 5,
			BackoffBase: 200 * time.Millisecond,
			BackoffCap:  5 * time.Second,
		},
		Idempotency: IdempotencyConfig{Retention: 24 * time.Hour},
		Reconcile:   ReconcileConfig{Interval: 15 * time.Second, FailureCeiling: 10},
		Resets: ResetsConfig{
			Daily:    "0 0 * * *",
			Weekly:   "0 0 * * MON",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, SSLMode: "disable"},
		Gateway:  GatewayConfig{RatePerSecond: 100, RateBurst: 200},
	}
}

// Load reads the YAML file at path (optional), applies environment overrides,
// and resolves file-mounted secrets. A missing file is not an error: the
// defaults plus environment are enough for local runs.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Service.Addr, "SERVICE_ADDR")
	setString(&cfg.Service.LogLevel, "LOG_LEVEL")
	setString(&cfg.Upstream.Users, "USERS_URL")
	setString(&cfg.Upstream.Groups, "GROUPS_URL")
	setString(&cfg.Upstream.Steps, "STEPS_URL")
	setString(&cfg.Auth.PublicKeyFile, "AUTH_PUBLIC_KEY_FILE")
	setString(&cfg.Auth.Issuer, "AUTH_ISSUER")
	setString(&cfg.Auth.Audience, "AUTH_AUDIENCE")
	setString(&cfg.Auth.ServiceToken, "SERVICE_TOKEN")
	setString(&cfg.Auth.ServiceTokenFile, "SERVICE_TOKEN_FILE")
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.Name, "DB_NAME")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.PasswordFile, "DB_PASSWORD_FILE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setDuration(&cfg.Idempotency.Retention, "IDEMPOTENCY_RETENTION")
	setDuration(&cfg.Reconcile.Interval, "RECONCILE_INTERVAL")
	setInt(&cfg.Reconcile.FailureCeiling, "RECONCILE_FAILURE_CEILING")
	setInt(&cfg.Groups.MaxMembers, "GROUP_MAX_MEMBERS")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// resolveSecrets reads file-mounted credentials once at start.
func resolveSecrets(cfg *Config) error {
	if f := cfg.Database.PasswordFile; f != "" {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read database password file: %w", err)
		}
		cfg.Database.Password = strings.TrimSpace(string(data))
	}
	if f := cfg.Auth.ServiceTokenFile; f != "" {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read service token file: %w", err)
		}
		cfg.Auth.ServiceToken = strings.TrimSpace(string(data))
	}
	return nil
}
