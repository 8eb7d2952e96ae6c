package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int      `yaml:"burst"`
	RefillInterval Duration `yaml:"refill_interval"`
}

// CleanupConfig controls the database cleanup job.
type CleanupConfig struct {
	// Cron is a five-field schedule; empty disables scheduled cleanup.
	Cron        string   `yaml:"cron"`
	Retention   Duration `yaml:"retention"`
	AllowClient bool     `yaml:"allow_client"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string          `yaml:"port"`
	AllowedOrigins   []string        `yaml:"allowed_origins"`
	MaxMessageSize   SizeBytes       `yaml:"max_message_size"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	DataDir          string          `yaml:"data_dir"`
	DefaultRoom      string          `yaml:"default_room"`
	StoreTimeout     Duration        `yaml:"store_timeout"`
	ReservationTTL   Duration        `yaml:"reservation_ttl"`
	MaxContentLength int             `yaml:"max_content_length"`
	Cleanup          CleanupConfig   `yaml:"cleanup"`
	LogLevel         string          `yaml:"log_level"`
}

// SizeBytes is a byte count read from "16KB"-style strings or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = SizeBytes(v)
	return nil
}

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration reads "5s"-style strings or plain integers as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 16 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: Duration(time.Second),
		},
		DefaultRoom:      "main",
		StoreTimeout:     Duration(5 * time.Second),
		ReservationTTL:   Duration(chat.DefaultReservationTTL),
		MaxContentLength: chat.MaxContentLength,
		Cleanup: CleanupConfig{
			Retention: Duration(24 * time.Hour),
		},
		LogLevel: "info",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if !validRoomName(cfg.DefaultRoom) {
		cfg.DefaultRoom = def.DefaultRoom
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = def.MaxContentLength
	}
	if cfg.Cleanup.Retention <= 0 {
		cfg.Cleanup.Retention = def.Cleanup.Retention
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}
	copied := *cfg
	copied.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(copied)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	return currentConfig()
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path (if any), then the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		if v, err := parseSize(maxSize); err == nil && v > 0 {
			cfg.MaxMessageSize = SizeBytes(v)
		}
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = Duration(envDuration(interval, cfg.RateLimit.RefillInterval.Std()))
	}
	if dir, ok := os.LookupEnv("CHAT_DATA_DIR"); ok {
		cfg.DataDir = strings.TrimSpace(dir)
	}
	if room := os.Getenv("CHAT_DEFAULT_ROOM"); room != "" {
		cfg.DefaultRoom = room
	}
	if v := os.Getenv("CHAT_STORE_TIMEOUT"); v != "" {
		cfg.StoreTimeout = Duration(envDuration(v, cfg.StoreTimeout.Std()))
	}
	if v := os.Getenv("CHAT_RESERVATION_TTL"); v != "" {
		cfg.ReservationTTL = Duration(envDuration(v, cfg.ReservationTTL.Std()))
	}
	if v := os.Getenv("CHAT_MAX_CONTENT_LENGTH"); v != "" {
		cfg.MaxContentLength = parseIntValue(v, cfg.MaxContentLength)
	}
	if v, ok := os.LookupEnv("CHAT_CLEANUP_CRON"); ok {
		cfg.Cleanup.Cron = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_CLEANUP_RETENTION"); v != "" {
		cfg.Cleanup.Retention = Duration(envDuration(v, cfg.Cleanup.Retention.Std()))
	}
	if v := os.Getenv("CHAT_CLEANUP_ALLOW_CLIENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cleanup.AllowClient = b
		}
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate reports settings that cannot be fixed by falling back to a
// default.
func (c *Config) Validate() error {
	if c.Cleanup.Cron != "" && !gronx.IsValid(c.Cleanup.Cron) {
		return fmt.Errorf("invalid cleanup cron expression: %q", c.Cleanup.Cron)
	}
	if c.DefaultRoom != "" && !validRoomName(c.DefaultRoom) {
		return fmt.Errorf("invalid default room name: %q", c.DefaultRoom)
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseSize accepts humanized sizes ("16KB", "1 MiB") and plain byte counts.
func parseSize(value string) (int64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %q", value)
	}
	return int64(v), nil
}

// parseDuration accepts Go durations and plain integers as seconds.
func parseDuration(value string) (time.Duration, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %q", value)
	}
	return d, nil
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func envDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := parseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
