package eventbridge

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/storyloom/internal/config"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8765

	// DefaultMaxBodyBytes caps POST /jobs payloads.
	DefaultMaxBodyBytes int64 = 64 << 10
)

// Settings configures the HTTP bridge. Port 0 asks the kernel for a free
// port; zero limits fall back to the defaults when the server is built.
type Settings struct {
	Enabled bool
	Host    string
	Port    int

	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var defaultTimeouts = struct {
	read, write, idle time.Duration
}{15 * time.Second, 15 * time.Second, time.Minute}

// SettingsFromConfig reads the bridge section of config.yaml. Environment
// overrides (STORYLOOM_BRIDGE_*) were already applied by config loading.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{Host: DefaultHost, Port: DefaultPort}
	if cfg != nil {
		bridge := cfg.Project.Bridge
		s.Enabled = bridge.Enabled
		s.Host = bridge.Host
		if bridge.Port != 0 {
			s.Port = bridge.Port
		}
	}
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.Host = strings.TrimSpace(s.Host); s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port < 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s.ReadTimeout = positiveOr(s.ReadTimeout, defaultTimeouts.read)
	s.WriteTimeout = positiveOr(s.WriteTimeout, defaultTimeouts.write)
	s.IdleTimeout = positiveOr(s.IdleTimeout, defaultTimeouts.idle)
	return s
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Address is the listen address, host:port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the base URL clients use to reach the bridge.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
