// Package config defines the server configuration, its defaults, loading from
// WSPUSH_* environment variables and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wspush/wspush/internal/frame"
	"github.com/wspush/wspush/internal/ipc"
	"github.com/wspush/wspush/internal/timer"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "WSPUSH_"

// ErrInvalid is wrapped by every validation and parse error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the server settings. It is built once at startup and passed
// explicitly to the components that need it.
type Config struct {
	// Protocol is "ws" or "wss". It only affects the client URL; TLS is
	// terminated in front of the server.
	Protocol string
	Host     string
	// HTTPHost is the hostname clients use to reach the server.
	HTTPHost string
	Port     int
	// Proxy is the path segment of a reverse proxy in front of the server.
	Proxy      string
	ForceProxy bool

	MaxClients          int
	MaxConnectionsPerIP int

	CheckOrigin    bool
	AllowedOrigins []string

	Timers        []string
	IPCSocketPath string
	// Secret is the shared salt identity tokens are sealed with.
	Secret string

	Tick         time.Duration
	MaxFrameSize int
	RateLimit    float64
	RateBurst    int
	ReaperGrace  time.Duration
	AdminAddr    string
	LogLevel     slog.Level
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Protocol:            "ws",
		Host:                "127.0.0.1",
		HTTPHost:            "127.0.0.1",
		Port:                8000,
		MaxClients:          30,
		MaxConnectionsPerIP: 5,
		IPCSocketPath:       ipc.DefaultSocketPath,
		Tick:                5 * time.Millisecond,
		MaxFrameSize:        frame.MaxPayloadSize,
		RateBurst:           10,
		ReaperGrace:         timer.DefaultReaperGrace,
		LogLevel:            slog.LevelInfo,
	}
}

// FromEnv returns the defaults overridden by WSPUSH_* variables.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(name, value string, err error) {
		errs = append(errs, fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, name, value, err))
	}

	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := get(name); ok {
			*dst = splitList(v)
		}
	}

	str("PROTOCOL", &cfg.Protocol)
	str("HOST", &cfg.Host)
	str("HTTP_HOST", &cfg.HTTPHost)
	integer("PORT", &cfg.Port)
	str("PROXY", &cfg.Proxy)
	boolean("FORCE_PROXY", &cfg.ForceProxy)
	integer("MAX_CLIENTS", &cfg.MaxClients)
	integer("MAX_CONNECTIONS_PER_IP", &cfg.MaxConnectionsPerIP)
	boolean("CHECK_ORIGIN", &cfg.CheckOrigin)
	list("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	list("TIMERS", &cfg.Timers)
	str("IPC_SOCKET", &cfg.IPCSocketPath)
	str("SECRET", &cfg.Secret)
	duration("TICK", &cfg.Tick)
	integer("MAX_FRAME_SIZE", &cfg.MaxFrameSize)
	integer("RATE_BURST", &cfg.RateBurst)
	duration("REAPER_GRACE", &cfg.ReaperGrace)
	str("ADMIN_ADDR", &cfg.AdminAddr)

	if v, ok := get("RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("RATE_LIMIT", v, err)
		} else {
			cfg.RateLimit = f
		}
	}
	if v, ok := get("LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			fail("LOG_LEVEL", v, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Protocol != "ws" && c.Protocol != "wss" {
		bad("protocol must be ws or wss, got %q", c.Protocol)
	}
	if c.Host == "" {
		bad("host is empty")
	}
	// Port 0 binds an ephemeral port.
	if c.Port < 0 || c.Port > 65535 {
		bad("port %d out of range", c.Port)
	}
	if c.MaxClients < 1 {
		bad("max clients must be positive, got %d", c.MaxClients)
	}
	if c.MaxConnectionsPerIP < 1 {
		bad("max connections per ip must be positive, got %d", c.MaxConnectionsPerIP)
	}
	if c.CheckOrigin && len(c.AllowedOrigins) == 0 {
		bad("origin check enabled without allowed origins")
	}
	if c.IPCSocketPath == "" {
		bad("ipc socket path is empty")
	}
	if c.Tick < time.Millisecond {
		bad("tick must be at least 1ms, got %s", c.Tick)
	}
	if c.MaxFrameSize < frame.MaxControlPayloadSize {
		bad("max frame size must be at least %d, got %d", frame.MaxControlPayloadSize, c.MaxFrameSize)
	}
	if c.RateLimit < 0 {
		bad("rate limit must not be negative, got %g", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		bad("rate burst must be positive when rate limiting, got %d", c.RateBurst)
	}
	return errors.Join(errs...)
}

// Addr returns the TCP bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClientURL returns the URL browsers connect to. Behind a proxy on wss, or
// when ForceProxy is set, the proxy path replaces the port.
func (c Config) ClientURL() string {
	host := c.HTTPHost
	if host == "" {
		host = c.Host
	}
	if c.Proxy != "" && (c.Protocol == "wss" || c.ForceProxy) {
		return fmt.Sprintf("%s://%s/%s", c.Protocol, host, strings.Trim(c.Proxy, "/"))
	}
	return fmt.Sprintf("%s://%s:%d", c.Protocol, host, c.Port)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
