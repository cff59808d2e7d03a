// Package config loads the daemon configuration from K7_* environment
// variables with sensible defaults. The CLI has its own config file; the
// daemon is environment-only so it deploys cleanly as a systemd unit or a
// static pod.
package config

import (
	"os"
	"strings"
	"time"
)

const (
	DefaultListen  = ":8264"
	DefaultDataDir = "/var/lib/k7"

	defaultShutdownTimeout = 30 * time.Second
)

// Config holds the daemon configuration. Zero durations and empty limit
// strings mean "let the owning component pick its default".
type Config struct {
	// Listen is the HTTP listen address.
	Listen string
	// KubeconfigPath points at an explicit kubeconfig. Empty tries
	// in-cluster config first, then ~/.kube/config.
	KubeconfigPath string
	// Namespace receives sandboxes whose spec names no namespace.
	Namespace string
	// DataDir holds the SQLite database.
	DataDir string
	// APIKeysFile is the hashed API key store. Empty picks the keystore
	// default path.
	APIKeysFile string
	// BootstrapKeyHash is a bcrypt hash accepted as an operator credential
	// for minting the first real key. Empty disables the bootstrap path.
	BootstrapKeyHash string
	// RestrictEgress is the operator switch for egress lockdown.
	RestrictEgress bool

	// Default resource ceilings for specs that leave limits unset.
	DefaultCPU              string
	DefaultMemory           string
	DefaultEphemeralStorage string

	// ReadyTimeout bounds how long a sandbox may take to become ready,
	// before-script included.
	ReadyTimeout time.Duration
	// Retention is how long tombstones and status history stay queryable
	// before the janitor purges them.
	Retention time.Duration
	// ShutdownTimeout bounds graceful shutdown, WebSocket drain included.
	ShutdownTimeout time.Duration

	// CORSOrigins lists the allowed cross-origin callers. ["*"] allows all.
	CORSOrigins []string
}

// Load reads the environment. It never fails: malformed durations fall back
// to defaults so a typo cannot keep the daemon down.
func Load() *Config {
	return &Config{
		Listen:                  envOr("K7_LISTEN", DefaultListen),
		KubeconfigPath:          os.Getenv("K7_KUBECONFIG"),
		Namespace:               os.Getenv("K7_NAMESPACE"),
		DataDir:                 envOr("K7_DATA_DIR", DefaultDataDir),
		APIKeysFile:             os.Getenv("K7_API_KEYS_FILE"),
		BootstrapKeyHash:        os.Getenv("K7_BOOTSTRAP_KEY_HASH"),
		RestrictEgress:          envOr("K7_EGRESS_RESTRICTION", "on") != "off",
		DefaultCPU:              os.Getenv("K7_DEFAULT_CPU"),
		DefaultMemory:           os.Getenv("K7_DEFAULT_MEMORY"),
		DefaultEphemeralStorage: os.Getenv("K7_DEFAULT_EPHEMERAL_STORAGE"),
		ReadyTimeout:            envDuration("K7_BEFORE_SCRIPT_TIMEOUT", 0),
		Retention:               envDuration("K7_RETENTION", 0),
		ShutdownTimeout:         envDuration("K7_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		CORSOrigins:             envList("K7_CORS_ORIGINS", []string{"*"}),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
