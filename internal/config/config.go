package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/quotewire/quotewire/internal/slogging"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	// InstanceID identifies this server instance on the fanout bus.
	// Generated at startup when empty.
	InstanceID string `yaml:"instance_id" env:"SERVER_INSTANCE_ID"`
}

// RedisConfig holds Redis configuration for the fanout bus
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	// Enabled controls whether cross-instance fanout runs at all.
	// When false the server delivers to local subscribers only.
	Enabled bool `yaml:"enabled" env:"REDIS_ENABLED"`
}

// AuthConfig holds bearer-token validation configuration
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer        string `yaml:"issuer" env:"AUTH_ISSUER"`
	SigningMethod string `yaml:"signing_method" env:"AUTH_SIGNING_METHOD"`
}

// WebSocketConfig holds the real-time fabric tunables
type WebSocketConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"WS_HEARTBEAT_INTERVAL"`
	// LivenessMultiplier times HeartbeatInterval gives the read deadline;
	// a connection silent for that long is treated as dead.
	LivenessMultiplier int           `yaml:"liveness_multiplier" env:"WS_LIVENESS_MULTIPLIER"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	ReadLimitBytes     int64         `yaml:"read_limit_bytes" env:"WS_READ_LIMIT_BYTES"`
	SendBufferSize     int           `yaml:"send_buffer_size" env:"WS_SEND_BUFFER_SIZE"`
	LockTTL            time.Duration `yaml:"lock_ttl" env:"WS_LOCK_TTL"`
	// OptimisticEdits allows field updates without holding the advisory lock.
	// Explicit deployment policy, never a silent default.
	OptimisticEdits       bool          `yaml:"optimistic_edits" env:"WS_OPTIMISTIC_EDITS"`
	NotificationQueueSize int           `yaml:"notification_queue_size" env:"WS_NOTIFICATION_QUEUE_SIZE"`
	NotificationTTL       time.Duration `yaml:"notification_ttl" env:"WS_NOTIFICATION_TTL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOG_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOG_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOG_ALSO_LOG_TO_CONSOLE"`
}

// Load loads configuration from a YAML file (optional) and environment variables
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, err
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// getDefaultConfig returns the default configuration
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Host:    "localhost",
			Port:    "6379",
			DB:      0,
			Enabled: true,
		},
		Auth: AuthConfig{
			SigningMethod: "HS256",
			Issuer:        "quotewire",
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval:     30 * time.Second,
			LivenessMultiplier:    2,
			WriteTimeout:          10 * time.Second,
			ReadLimitBytes:        65536,
			SendBufferSize:        256,
			LockTTL:               30 * time.Second,
			OptimisticEdits:       false,
			NotificationQueueSize: 100,
			NotificationTTL:       24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            false,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment variables
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}
	if c.Auth.SigningMethod != "HS256" && c.Auth.SigningMethod != "HS384" && c.Auth.SigningMethod != "HS512" {
		return fmt.Errorf("unsupported signing method: %s", c.Auth.SigningMethod)
	}
	if c.WebSocket.HeartbeatInterval <= 0 {
		return fmt.Errorf("websocket heartbeat_interval must be positive")
	}
	if c.WebSocket.LivenessMultiplier < 1 {
		return fmt.Errorf("websocket liveness_multiplier must be at least 1")
	}
	if c.WebSocket.LockTTL <= 0 {
		return fmt.Errorf("websocket lock_ttl must be positive")
	}
	if c.WebSocket.NotificationQueueSize < 1 {
		return fmt.Errorf("websocket notification_queue_size must be at least 1")
	}
	if c.Redis.Enabled && (c.Redis.Host == "" || c.Redis.Port == "") {
		return fmt.Errorf("redis host and port are required when redis is enabled")
	}
	return nil
}

// RedisAddr returns the host:port address for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// InactivityTimeout returns how long a connection may stay silent before
// the server treats it as dead.
func (c *Config) InactivityTimeout() time.Duration {
	return c.WebSocket.HeartbeatInterval * time.Duration(c.WebSocket.LivenessMultiplier)
}
