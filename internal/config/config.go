// Package config defines the option set recognized by the hub and loads it
// from flags, environment variables, and an optional config file.
package config

import "time"

// RateLimits is the per-role quota and ban configuration.
type RateLimits struct {
	GuestPerMinute         int
	PlayerPerMinute        int
	AdminPerMinute         int
	SystemPerMinute        int
	UnauthAdapterPerMinute int
	WindowDuration         time.Duration
	BanThreshold           int
	BanDuration            time.Duration
}

// Config holds every option the hub binary accepts.
type Config struct {
	AdapterPort int
	ClientPort  int
	ControlPort int

	AdapterSecret string
	ClientSecret  string

	RateLimits RateLimits

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	AuthTimeout       time.Duration
	CommandTimeout    time.Duration

	AllowedOrigins []string

	LogLevel string

	ShutdownTimeout time.Duration

	// StatsEnabled toggles the optional /stats endpoint; /health and
	// /metrics are served regardless.
	StatsEnabled bool

	// CorrelatorCapacity bounds the correlator's pending-request map.
	CorrelatorCapacity int

	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int

	// EventPaceHz smooths outbound event delivery to clients on top of the
	// sliding-window rate limiter; 0 disables pacing.
	EventPaceHz    float64
	EventPaceBurst int
}

// Defaults returns the hub's baseline configuration.
func Defaults() Config {
	return Config{
		AdapterPort: 8082,
		ClientPort:  8081,
		ControlPort: 8083,

		RateLimits: RateLimits{
			GuestPerMinute:         30,
			PlayerPerMinute:        120,
			AdminPerMinute:         300,
			SystemPerMinute:        1000,
			UnauthAdapterPerMinute: 5,
			WindowDuration:         60 * time.Second,
			BanThreshold:           100,
			BanDuration:            24 * time.Hour,
		},

		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 300 * time.Second,
		AuthTimeout:       10 * time.Second,
		CommandTimeout:    30 * time.Second,

		LogLevel: "info",

		ShutdownTimeout: 10 * time.Second,

		StatsEnabled: true,

		CorrelatorCapacity: 10_000,
		SendQueueSize:      128,

		EventPaceHz:    0,
		EventPaceBurst: 1,
	}
}
