package notify

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 16
	wsMinSendQueueSize     = 4

	wsDefaultWriteTimeout     = 5 * time.Second
	wsDefaultReadIdle         = 2 * time.Minute
	wsDefaultHeartbeat        = 25 * time.Second
	wsDefaultHeartbeatTimeout = 5 * time.Second

	wsDefaultRateEvents = 30
	wsDefaultRateWindow = 10 * time.Second

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig controls the websocket gateway.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   wsDefaultHeartbeat,
		HeartbeatTimeout: wsDefaultHeartbeatTimeout,
		RateEvents:       wsDefaultRateEvents,
		RateWindow:       wsDefaultRateWindow,
	}
}

// LoadGatewayConfigFromEnv reads KEEPER_WS_* variables over the defaults.
func LoadGatewayConfigFromEnv() GatewayConfig {
	cfg := GatewayConfig{
		DevInsecure:      envBoolWS("KEEPER_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("KEEPER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		AllowedOrigins:   envCSVWS("KEEPER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envDurationWS("KEEPER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout:  envDurationWS("KEEPER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		SendQueueSize:    envIntWS("KEEPER_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("KEEPER_WS_HEARTBEAT_INTERVAL", wsDefaultHeartbeat),
		HeartbeatTimeout: envDurationWS("KEEPER_WS_HEARTBEAT_TIMEOUT", wsDefaultHeartbeatTimeout),
		RateEvents:       envIntWS("KEEPER_WS_RATE_EVENTS", wsDefaultRateEvents),
		RateWindow:       envDurationWS("KEEPER_WS_RATE_WINDOW", wsDefaultRateWindow),
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	return cfg
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
