package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfigFile names the JSON file read by LoadConfigWithPrecedence
const EnvConfigFile = "EXAMRELAY_CONFIG_FILE"

// Config is the relay's runtime configuration.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
	Journal   *JournalConfig   `json:"journal"`
	Backplane *BackplaneConfig `json:"backplane"`
	Log       *LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	CORSOrigins     []string      `json:"cors_origins"`
}

// Addr returns the listen address
func (h *HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	SendBuffer      int           `json:"send_buffer"`
	MaxMessageSize  int64         `json:"max_message_size"`
	EventsPerMinute int           `json:"events_per_minute"`
	// QueueSize bounds events waiting for the hub across all sockets
	QueueSize      int      `json:"queue_size"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// SessionConfig controls the optional idle sweep. A zero IdleTimeout
// disables it.
type SessionConfig struct {
	IdleTimeout   time.Duration `json:"idle_timeout"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type JournalConfig struct {
	Enabled        bool          `json:"enabled"`
	Path           string        `json:"path"`
	WriteQueueSize int           `json:"write_queue_size"`
	RetryDelay     time.Duration `json:"retry_delay"`
}

type BackplaneConfig struct {
	Enabled       bool   `json:"enabled"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	Channel       string `json:"channel"`
}

type LogConfig struct {
	// Env selects the encoder: "prod" for JSON, anything else for console
	Env   string `json:"env"`
	Level string `json:"level"`
}

// DefaultConfig returns a single-node configuration with the journal and
// backplane off.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    5 * time.Second,
			SendBuffer:      100,
			MaxMessageSize:  64 * 1024,
			EventsPerMinute: 100,
			QueueSize:       1000,
		},
		Session: &SessionConfig{
			SweepInterval: time.Minute,
		},
		Journal: &JournalConfig{
			Path:           "./data/examrelay.db",
			WriteQueueSize: 1000,
			RetryDelay:     time.Second,
		},
		Backplane: &BackplaneConfig{
			RedisAddr: "localhost:6379",
			Channel:   "examrelay:broadcast",
		},
		Log: &LogConfig{
			Env:   "dev",
			Level: "info",
		},
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Session == nil ||
		c.Journal == nil || c.Backplane == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}

	ws := c.WebSocket
	if ws.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if ws.ReadTimeout <= ws.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if ws.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if ws.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if ws.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}
	if ws.EventsPerMinute < 0 {
		return fmt.Errorf("WebSocket events per minute cannot be negative")
	}
	if ws.QueueSize <= 0 {
		return fmt.Errorf("WebSocket queue size must be positive")
	}

	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session idle timeout cannot be negative")
	}
	if c.Session.IdleTimeout > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive when idle timeout is set")
	}

	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			return fmt.Errorf("journal path cannot be empty")
		}
		if c.Journal.WriteQueueSize <= 0 {
			return fmt.Errorf("journal write queue size must be positive")
		}
	}
	if c.Journal.RetryDelay < 0 {
		return fmt.Errorf("journal retry delay cannot be negative")
	}

	if c.Backplane.Enabled && c.Backplane.RedisAddr == "" {
		return fmt.Errorf("backplane redis address cannot be empty")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}
	return nil
}

// LoadFromEnv overlays EXAMRELAY_* variables on the defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("EXAMRELAY_HTTP_HOST", &c.HTTP.Host)
	envInt("EXAMRELAY_HTTP_PORT", &c.HTTP.Port)
	envDuration("EXAMRELAY_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("EXAMRELAY_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("EXAMRELAY_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	envList("EXAMRELAY_CORS_ORIGINS", &c.HTTP.CORSOrigins)

	envDuration("EXAMRELAY_WS_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("EXAMRELAY_WS_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("EXAMRELAY_WS_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("EXAMRELAY_WS_SEND_BUFFER", &c.WebSocket.SendBuffer)
	envInt("EXAMRELAY_WS_EVENTS_PER_MINUTE", &c.WebSocket.EventsPerMinute)
	envInt("EXAMRELAY_WS_QUEUE_SIZE", &c.WebSocket.QueueSize)
	envList("EXAMRELAY_WS_ALLOWED_ORIGINS", &c.WebSocket.AllowedOrigins)

	envDuration("EXAMRELAY_SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	envDuration("EXAMRELAY_SESSION_SWEEP_INTERVAL", &c.Session.SweepInterval)

	envBool("EXAMRELAY_JOURNAL_ENABLED", &c.Journal.Enabled)
	envString("EXAMRELAY_JOURNAL_PATH", &c.Journal.Path)
	envInt("EXAMRELAY_JOURNAL_WRITE_QUEUE_SIZE", &c.Journal.WriteQueueSize)
	envDuration("EXAMRELAY_JOURNAL_RETRY_DELAY", &c.Journal.RetryDelay)

	envBool("EXAMRELAY_BACKPLANE_ENABLED", &c.Backplane.Enabled)
	envString("EXAMRELAY_REDIS_ADDR", &c.Backplane.RedisAddr)
	envString("EXAMRELAY_REDIS_PASSWORD", &c.Backplane.RedisPassword)
	envInt("EXAMRELAY_REDIS_DB", &c.Backplane.RedisDB)
	envString("EXAMRELAY_BACKPLANE_CHANNEL", &c.Backplane.Channel)

	envString("EXAMRELAY_LOG_ENV", &c.Log.Env)
	envString("EXAMRELAY_LOG_LEVEL", &c.Log.Level)
}

// configFile mirrors Config with durations as strings ("30s", "5m")
type configFile struct {
	HTTP *struct {
		Host            string   `json:"host"`
		Port            int      `json:"port"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		ShutdownTimeout string   `json:"shutdown_timeout"`
		CORSOrigins     []string `json:"cors_origins"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval    string   `json:"ping_interval"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		SendBuffer      int      `json:"send_buffer"`
		MaxMessageSize  int64    `json:"max_message_size"`
		EventsPerMinute *int     `json:"events_per_minute"`
		QueueSize       int      `json:"queue_size"`
		AllowedOrigins  []string `json:"allowed_origins"`
	} `json:"websocket"`
	Session *struct {
		IdleTimeout   string `json:"idle_timeout"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"session"`
	Journal *struct {
		Enabled        *bool  `json:"enabled"`
		Path           string `json:"path"`
		WriteQueueSize int    `json:"write_queue_size"`
		RetryDelay     string `json:"retry_delay"`
	} `json:"journal"`
	Backplane *struct {
		Enabled       *bool  `json:"enabled"`
		RedisAddr     string `json:"redis_addr"`
		RedisPassword string `json:"redis_password"`
		RedisDB       int    `json:"redis_db"`
		Channel       string `json:"channel"`
	} `json:"backplane"`
	Log *struct {
		Env   string `json:"env"`
		Level string `json:"level"`
	} `json:"log"`
}

// LoadFromFile reads a JSON configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. An
// empty path falls back to EXAMRELAY_CONFIG_FILE; when neither names a
// file only the environment applies.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var f configFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(field, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	if h := f.HTTP; h != nil {
		setString(&c.HTTP.Host, h.Host)
		setInt(&c.HTTP.Port, h.Port)
		duration("http.read_timeout", h.ReadTimeout, &c.HTTP.ReadTimeout)
		duration("http.write_timeout", h.WriteTimeout, &c.HTTP.WriteTimeout)
		duration("http.shutdown_timeout", h.ShutdownTimeout, &c.HTTP.ShutdownTimeout)
		if h.CORSOrigins != nil {
			c.HTTP.CORSOrigins = h.CORSOrigins
		}
	}
	if ws := f.WebSocket; ws != nil {
		duration("websocket.ping_interval", ws.PingInterval, &c.WebSocket.PingInterval)
		duration("websocket.read_timeout", ws.ReadTimeout, &c.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", ws.WriteTimeout, &c.WebSocket.WriteTimeout)
		setInt(&c.WebSocket.SendBuffer, ws.SendBuffer)
		if ws.MaxMessageSize > 0 {
			c.WebSocket.MaxMessageSize = ws.MaxMessageSize
		}
		if ws.EventsPerMinute != nil {
			c.WebSocket.EventsPerMinute = *ws.EventsPerMinute
		}
		setInt(&c.WebSocket.QueueSize, ws.QueueSize)
		if ws.AllowedOrigins != nil {
			c.WebSocket.AllowedOrigins = ws.AllowedOrigins
		}
	}
	if s := f.Session; s != nil {
		duration("session.idle_timeout", s.IdleTimeout, &c.Session.IdleTimeout)
		duration("session.sweep_interval", s.SweepInterval, &c.Session.SweepInterval)
	}
	if j := f.Journal; j != nil {
		if j.Enabled != nil {
			c.Journal.Enabled = *j.Enabled
		}
		setString(&c.Journal.Path, j.Path)
		setInt(&c.Journal.WriteQueueSize, j.WriteQueueSize)
		duration("journal.retry_delay", j.RetryDelay, &c.Journal.RetryDelay)
	}
	if b := f.Backplane; b != nil {
		if b.Enabled != nil {
			c.Backplane.Enabled = *b.Enabled
		}
		setString(&c.Backplane.RedisAddr, b.RedisAddr)
		setString(&c.Backplane.RedisPassword, b.RedisPassword)
		setInt(&c.Backplane.RedisDB, b.RedisDB)
		setString(&c.Backplane.Channel, b.Channel)
	}
	if l := f.Log; l != nil {
		setString(&c.Log.Env, l.Env)
		setString(&c.Log.Level, l.Level)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid durations in %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// envList splits a comma-separated variable, dropping blanks
func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
