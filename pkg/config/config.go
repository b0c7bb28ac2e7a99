// Package config loads the routing core's configuration from environment
// variables, optionally overlaid with a YAML file for local development,
// following the same env-first precedence as the rest of the fleet.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of options recognized by the routing core (§6).
type Config struct {
	Addr string `yaml:"addr"`

	TTLMin     int `yaml:"ttl_min"`
	TTLDefault int `yaml:"ttl_default"`
	TTLMax     int `yaml:"max_ttl"`

	MaxRetries        int `yaml:"max_retries"`
	BaseRetryBackoffMs int `yaml:"base_retry_backoff_ms"`

	IDS IDSConfig `yaml:"ids"`

	MaxQueueSize      int `yaml:"max_queue_size"`
	MaxCiphertextBytes int `yaml:"max_ciphertext_bytes"`

	MaxTSSkewSeconds int `yaml:"max_ts_skew_seconds"`
	MaxMsgAgeSeconds int `yaml:"max_msg_age_seconds"`

	ForwardingEnabled bool `yaml:"forwarding_enabled"`
	DebugMode         bool `yaml:"debug_mode"`

	ForwarderInterval   time.Duration `yaml:"-"`
	ForwarderSendTimeout time.Duration `yaml:"-"`

	DBPath string `yaml:"db_path"`
	BLEBaseURL string `yaml:"ble_base_url"`

	SuspiciousLogPath string `yaml:"suspicious_log_path"`
}

// IDSConfig is the §6 `ids.*` group.
type IDSConfig struct {
	WindowSeconds       int `yaml:"window_seconds"`
	MaxMsgsPerWindow    int `yaml:"max_msgs_per_window"`
	DuplicateSuppressionTTL int `yaml:"duplicate_suppression_ttl"`
	BlockPeerAfter      int `yaml:"block_peer_after"`
	BlockPeerTTLSeconds int `yaml:"block_peer_ttl_seconds"`
}

// Defaults returns the configuration defaults named throughout spec.md §6.
func Defaults() Config {
	return Config{
		Addr:               "0.0.0.0:8090",
		TTLMin:             1,
		TTLDefault:         4,
		TTLMax:             8,
		MaxRetries:         5,
		BaseRetryBackoffMs: 500,
		IDS: IDSConfig{
			WindowSeconds:           5,
			MaxMsgsPerWindow:        20,
			DuplicateSuppressionTTL: 600,
			BlockPeerAfter:          0, // effectively disabled by default, per §6
			BlockPeerTTLSeconds:     600,
		},
		MaxQueueSize:         10000,
		MaxCiphertextBytes:   16384,
		MaxTSSkewSeconds:     300,
		MaxMsgAgeSeconds:     3600,
		ForwardingEnabled:    true,
		DebugMode:            false,
		ForwarderInterval:    2 * time.Second,
		ForwarderSendTimeout: 5 * time.Second,
		DBPath:               "routing.db",
		BLEBaseURL:           "http://localhost:9091",
		SuspiciousLogPath:    "routing_suspicious.log",
	}
}

// Load builds the effective configuration: defaults, then an optional YAML
// file (ROUTER_CONFIG_FILE), then environment variable overrides, the
// same two-stage merge order the rest of the fleet uses, env last so an
// operator can always override a checked-in file without editing it.
func Load() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("ROUTER_CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Addr = getenv("ROUTER_ADDR", cfg.Addr)
	cfg.TTLMin = getenvInt("ROUTER_TTL_MIN", cfg.TTLMin)
	cfg.TTLDefault = getenvInt("ROUTER_TTL_DEFAULT", cfg.TTLDefault)
	cfg.TTLMax = getenvInt("ROUTER_MAX_TTL", cfg.TTLMax)
	cfg.MaxRetries = getenvInt("ROUTER_MAX_RETRIES", cfg.MaxRetries)
	cfg.BaseRetryBackoffMs = getenvInt("ROUTER_BASE_RETRY_BACKOFF_MS", cfg.BaseRetryBackoffMs)

	cfg.IDS.WindowSeconds = getenvInt("ROUTER_IDS_WINDOW_SECONDS", cfg.IDS.WindowSeconds)
	cfg.IDS.MaxMsgsPerWindow = getenvInt("ROUTER_IDS_MAX_MSGS_PER_WINDOW", cfg.IDS.MaxMsgsPerWindow)
	cfg.IDS.DuplicateSuppressionTTL = getenvInt("ROUTER_IDS_DUPLICATE_SUPPRESSION_TTL", cfg.IDS.DuplicateSuppressionTTL)
	cfg.IDS.BlockPeerAfter = getenvInt("ROUTER_IDS_BLOCK_PEER_AFTER", cfg.IDS.BlockPeerAfter)
	cfg.IDS.BlockPeerTTLSeconds = getenvInt("ROUTER_IDS_BLOCK_PEER_TTL_SECONDS", cfg.IDS.BlockPeerTTLSeconds)

	cfg.MaxQueueSize = getenvInt("ROUTER_MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.MaxCiphertextBytes = getenvInt("ROUTER_MAX_CIPHERTEXT_BYTES", cfg.MaxCiphertextBytes)
	cfg.MaxTSSkewSeconds = getenvInt("ROUTER_MAX_TS_SKEW_SECONDS", cfg.MaxTSSkewSeconds)
	cfg.MaxMsgAgeSeconds = getenvInt("ROUTER_MAX_MSG_AGE_SECONDS", cfg.MaxMsgAgeSeconds)

	cfg.ForwardingEnabled = getenvBool("ROUTER_FORWARDING_ENABLED", cfg.ForwardingEnabled)
	cfg.DebugMode = getenvBool("ROUTER_DEBUG_MODE", cfg.DebugMode)

	cfg.ForwarderInterval = getenvDuration("ROUTER_FORWARDER_INTERVAL", cfg.ForwarderInterval)
	cfg.ForwarderSendTimeout = getenvDuration("ROUTER_FORWARDER_SEND_TIMEOUT", cfg.ForwarderSendTimeout)

	cfg.DBPath = getenv("ROUTER_DB_PATH", cfg.DBPath)
	cfg.BLEBaseURL = getenv("ROUTER_BLE_BASE_URL", cfg.BLEBaseURL)
	cfg.SuspiciousLogPath = getenv("ROUTER_SUSPICIOUS_LOG_PATH", cfg.SuspiciousLogPath)

	return cfg, nil
}

func getenv(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func getenvInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
