package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "BCON"

// minSecretLen is the floor on HMAC secret length; shorter secrets are a
// startup fatal error.
const minSecretLen = 32

// BindFlags registers the flag set understood by the server binary. Callers
// pass the resulting *pflag.FlagSet to Load after parsing argv.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.Int("adapter-port", d.AdapterPort, "adapter listener port")
	fs.Int("client-port", d.ClientPort, "client listener port")
	fs.Int("control-port", d.ControlPort, "control-plane listener port (0 disables it)")
	fs.String("adapter-secret", "", "HMAC secret for adapter tokens (>=32 bytes)")
	fs.String("client-secret", "", "HMAC secret for client tokens (>=32 bytes)")
	fs.Int("rate-limits.guest-requests-per-minute", d.RateLimits.GuestPerMinute, "guest role quota")
	fs.Int("rate-limits.player-requests-per-minute", d.RateLimits.PlayerPerMinute, "player role quota")
	fs.Int("rate-limits.admin-requests-per-minute", d.RateLimits.AdminPerMinute, "admin role quota")
	fs.Int("rate-limits.system-requests-per-minute", d.RateLimits.SystemPerMinute, "system role quota")
	fs.Int("rate-limits.unauthenticated-adapter-attempts-per-minute", d.RateLimits.UnauthAdapterPerMinute, "unauthenticated adapter attempt quota")
	fs.Duration("rate-limits.window-duration-seconds", d.RateLimits.WindowDuration, "sliding window width")
	fs.Int("rate-limits.ban-threshold", d.RateLimits.BanThreshold, "violations before a ban")
	fs.Duration("rate-limits.ban-duration-hours", d.RateLimits.BanDuration, "ban duration")
	fs.Duration("heartbeat-interval-seconds", d.HeartbeatInterval, "ping cadence")
	fs.Duration("connection-timeout-seconds", d.ConnectionTimeout, "inactivity disconnect threshold")
	fs.Duration("auth-timeout-seconds", d.AuthTimeout, "handshake auth deadline")
	fs.Duration("command-timeout-seconds", d.CommandTimeout, "client command deadline")
	fs.StringSlice("allowed-origins", nil, "optional CORS allow-list for upgrade")
	fs.String("log-level", d.LogLevel, "external logger input")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "graceful shutdown deadline")
	fs.Bool("stats-enabled", d.StatsEnabled, "expose /stats (/metrics is always served)")
	fs.Int("correlator-capacity", d.CorrelatorCapacity, "max pending commands in flight")
	fs.Int("send-queue-size", d.SendQueueSize, "per-connection outbound queue depth")
	fs.Float64("event-pace-hz", d.EventPaceHz, "outbound event pacing rate per client, 0 disables")
	fs.Int("event-pace-burst", d.EventPaceBurst, "outbound event pacing burst size")
	fs.String("config", "", "optional config file path (yaml/json/toml)")
}

// Load merges defaults, an optional config file, environment variables
// (BCON_*) and flags (highest precedence), matching the file+env+flag
// layering used elsewhere in the pack.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := Defaults()
	cfg.AdapterPort = v.GetInt("adapter-port")
	cfg.ClientPort = v.GetInt("client-port")
	cfg.ControlPort = v.GetInt("control-port")
	cfg.AdapterSecret = v.GetString("adapter-secret")
	cfg.ClientSecret = v.GetString("client-secret")

	cfg.RateLimits.GuestPerMinute = v.GetInt("rate-limits.guest-requests-per-minute")
	cfg.RateLimits.PlayerPerMinute = v.GetInt("rate-limits.player-requests-per-minute")
	cfg.RateLimits.AdminPerMinute = v.GetInt("rate-limits.admin-requests-per-minute")
	cfg.RateLimits.SystemPerMinute = v.GetInt("rate-limits.system-requests-per-minute")
	cfg.RateLimits.UnauthAdapterPerMinute = v.GetInt("rate-limits.unauthenticated-adapter-attempts-per-minute")
	if d := v.GetDuration("rate-limits.window-duration-seconds"); d > 0 {
		cfg.RateLimits.WindowDuration = d
	}
	cfg.RateLimits.BanThreshold = v.GetInt("rate-limits.ban-threshold")
	if d := v.GetDuration("rate-limits.ban-duration-hours"); d > 0 {
		cfg.RateLimits.BanDuration = d
	}

	if d := v.GetDuration("heartbeat-interval-seconds"); d > 0 {
		cfg.HeartbeatInterval = d
	}
	if d := v.GetDuration("connection-timeout-seconds"); d > 0 {
		cfg.ConnectionTimeout = d
	}
	if d := v.GetDuration("auth-timeout-seconds"); d > 0 {
		cfg.AuthTimeout = d
	}
	if d := v.GetDuration("command-timeout-seconds"); d > 0 {
		cfg.CommandTimeout = d
	}

	cfg.AllowedOrigins = v.GetStringSlice("allowed-origins")
	cfg.LogLevel = v.GetString("log-level")
	if d := v.GetDuration("shutdown-timeout"); d > 0 {
		cfg.ShutdownTimeout = d
	}
	cfg.StatsEnabled = v.GetBool("stats-enabled")
	if n := v.GetInt("correlator-capacity"); n > 0 {
		cfg.CorrelatorCapacity = n
	}
	if n := v.GetInt("send-queue-size"); n > 0 {
		cfg.SendQueueSize = n
	}
	cfg.EventPaceHz = v.GetFloat64("event-pace-hz")
	if n := v.GetInt("event-pace-burst"); n > 0 {
		cfg.EventPaceBurst = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate enforces the hub's startup-fatal invariants: both secrets
// must be set and at least minSecretLen bytes.
func (c Config) Validate() error {
	if len(c.AdapterSecret) < minSecretLen {
		return fmt.Errorf("adapter_secret must be at least %d bytes", minSecretLen)
	}
	if len(c.ClientSecret) < minSecretLen {
		return fmt.Errorf("client_secret must be at least %d bytes", minSecretLen)
	}
	if c.AdapterPort <= 0 || c.AdapterPort > 65535 {
		return fmt.Errorf("adapter_port out of range: %d", c.AdapterPort)
	}
	if c.ClientPort <= 0 || c.ClientPort > 65535 {
		return fmt.Errorf("client_port out of range: %d", c.ClientPort)
	}
	if c.AdapterPort == c.ClientPort {
		return fmt.Errorf("adapter_port and client_port must differ")
	}
	if c.ControlPort != 0 && (c.ControlPort == c.AdapterPort || c.ControlPort == c.ClientPort) {
		return fmt.Errorf("control_port must differ from adapter_port and client_port")
	}
	if c.RateLimits.WindowDuration <= 0 {
		return fmt.Errorf("rate_limits.window_duration_seconds must be positive")
	}
	return nil
}
