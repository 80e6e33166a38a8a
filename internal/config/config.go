package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Environment variables are read first; flags bound with BindFlags override them.
const envPrefix = "PEERDROP_"

// RelayConfig holds configuration for the relay binary.
type RelayConfig struct {
	Addr            string
	LogLevel        string
	LogFile         string
	MaxMessageBytes int64
	IdleTimeout     time.Duration
	// NotifyUnknownRecipient sends ERROR back to the sender when a
	// FILE_METADATA, OFFER or ANSWER names an unregistered recipient.
	// Other message types are always dropped silently.
	NotifyUnknownRecipient bool
	MaxConnections         int
}

// EndpointConfig holds configuration for an endpoint process.
type EndpointConfig struct {
	RelayURL string
	Username string
	LogLevel string
	LogFile  string
	Mode     string // "relayed", "direct" or "auto"
	DBPath   string

	StunServers []string

	ReconnectInterval         time.Duration
	ReconnectMaxInterval      time.Duration
	ReconnectFailureThreshold int
	NegotiationTimeout        time.Duration

	MaxTransferSize  int64
	DirectChunkSize  int
	RelayedChunkSize int
	HighWatermark    uint64
	LowWatermark     uint64
}

// LoadEnvFile loads KEY=VALUE pairs from the given files (default ".env")
// without overriding variables that are already set. Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// DefaultRelay returns relay defaults with environment overrides applied.
func DefaultRelay() RelayConfig {
	cfg := RelayConfig{
		Addr:                   ":8080",
		LogLevel:               "info",
		MaxMessageBytes:        16 << 20,
		IdleTimeout:            10 * time.Minute,
		NotifyUnknownRecipient: true,
	}

	cfg.Addr = envString("ADDR", cfg.Addr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = envString("LOG_FILE", cfg.LogFile)
	cfg.MaxMessageBytes = envInt64("MAX_MESSAGE_BYTES", cfg.MaxMessageBytes)
	cfg.IdleTimeout = envDuration("WS_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.NotifyUnknownRecipient = envBool("NOTIFY_UNKNOWN_RECIPIENT", cfg.NotifyUnknownRecipient)
	cfg.MaxConnections = int(envInt64("MAX_CONNECTIONS", int64(cfg.MaxConnections)))
	return cfg
}

// BindFlags registers relay flags on fs.
func (c *RelayConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "also write JSON logs to this rotated file")
	fs.Int64Var(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "max websocket message size")
	fs.DurationVar(&c.IdleTimeout, "ws-idle-timeout", c.IdleTimeout, "websocket idle timeout (0 disables)")
	fs.BoolVar(&c.NotifyUnknownRecipient, "notify-unknown-recipient", c.NotifyUnknownRecipient,
		"report unroutable metadata/offer/answer back to the sender")
	fs.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "max concurrent sessions (0 = unlimited)")
}

// DefaultEndpoint returns endpoint defaults with environment overrides applied.
func DefaultEndpoint() EndpointConfig {
	cfg := EndpointConfig{
		RelayURL:                  "ws://localhost:8080/ws",
		LogLevel:                  "info",
		Mode:                      "relayed",
		DBPath:                    "peerdrop.db",
		StunServers:               []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		ReconnectInterval:         3 * time.Second,
		ReconnectMaxInterval:      30 * time.Second,
		ReconnectFailureThreshold: 5,
		NegotiationTimeout:        30 * time.Second,
		MaxTransferSize:           1 << 30,
		DirectChunkSize:           16 << 10,
		RelayedChunkSize:          256 << 10,
		HighWatermark:             1 << 20,
		LowWatermark:              64 << 10,
	}

	cfg.RelayURL = envString("RELAY_URL", cfg.RelayURL)
	cfg.Username = envString("USERNAME", cfg.Username)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = envString("LOG_FILE", cfg.LogFile)
	cfg.Mode = envString("MODE", cfg.Mode)
	cfg.DBPath = envString("DB", cfg.DBPath)
	cfg.ReconnectInterval = envDuration("RECONNECT_INTERVAL", cfg.ReconnectInterval)
	cfg.ReconnectMaxInterval = envDuration("RECONNECT_MAX_INTERVAL", cfg.ReconnectMaxInterval)
	cfg.ReconnectFailureThreshold = int(envInt64("RECONNECT_FAILURE_THRESHOLD", int64(cfg.ReconnectFailureThreshold)))
	cfg.NegotiationTimeout = envDuration("NEGOTIATION_TIMEOUT", cfg.NegotiationTimeout)
	cfg.MaxTransferSize = envInt64("MAX_TRANSFER_SIZE", cfg.MaxTransferSize)
	return cfg
}

// BindFlags registers endpoint flags on fs.
func (c *EndpointConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.RelayURL, "relay-url", c.RelayURL, "relay websocket URL")
	fs.StringVarP(&c.Username, "username", "u", c.Username, "name to register on the relay")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "also write JSON logs to this rotated file")
	fs.StringVar(&c.Mode, "mode", c.Mode, "transfer mode for outgoing files (relayed, direct, auto)")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "path of the received-files database")
	fs.StringSliceVar(&c.StunServers, "stun-server", c.StunServers, "STUN server URL (repeatable)")
	fs.DurationVar(&c.ReconnectInterval, "reconnect-interval", c.ReconnectInterval, "initial relay reconnect interval")
	fs.DurationVar(&c.ReconnectMaxInterval, "reconnect-max-interval", c.ReconnectMaxInterval, "max relay reconnect interval")
	fs.IntVar(&c.ReconnectFailureThreshold, "reconnect-failure-threshold", c.ReconnectFailureThreshold,
		"consecutive reconnect failures before reporting an error")
	fs.DurationVar(&c.NegotiationTimeout, "negotiation-timeout", c.NegotiationTimeout, "direct channel negotiation timeout")
	fs.Int64Var(&c.MaxTransferSize, "max-transfer-size", c.MaxTransferSize, "largest incoming file accepted, in bytes")
	fs.IntVar(&c.DirectChunkSize, "direct-chunk-size", c.DirectChunkSize, "chunk size on direct channels")
	fs.IntVar(&c.RelayedChunkSize, "relayed-chunk-size", c.RelayedChunkSize, "chunk size through the relay")
	fs.Uint64Var(&c.HighWatermark, "high-watermark", c.HighWatermark, "pause sending above this many pending bytes")
	fs.Uint64Var(&c.LowWatermark, "low-watermark", c.LowWatermark, "resume sending below this many pending bytes")
}

// Validate reports inconsistent settings.
func (c EndpointConfig) Validate() error {
	switch c.Mode {
	case "relayed", "direct", "auto":
	default:
		return fmt.Errorf("invalid mode %q (want relayed, direct or auto)", c.Mode)
	}
	if c.DirectChunkSize <= 0 || c.RelayedChunkSize <= 0 {
		return errors.New("chunk sizes must be positive")
	}
	if c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("low watermark %d must be below high watermark %d", c.LowWatermark, c.HighWatermark)
	}
	if c.MaxTransferSize < 0 {
		return errors.New("max transfer size must not be negative")
	}
	if c.ReconnectInterval <= 0 {
		return errors.New("reconnect interval must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
