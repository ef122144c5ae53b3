package config

import (
	"flag"
	"time"
)

// ServerConfig configures the rendezvous relay daemon.
type ServerConfig struct {
	Port            int
	LogLevel        string
	MaxSessions     int
	MaxMessageBytes int
	IdleTimeout     time.Duration
	SessionTTL      time.Duration
}

// ParseServer parses relay flags from args.
func ParseServer(args []string) (ServerConfig, error) {
	fs := flag.NewFlagSet("noisytransferd", flag.ContinueOnError)
	return parseServerWithFlagSet(fs, args)
}

func parseServerWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	var cfg ServerConfig
	fs.IntVar(&cfg.Port, "port", 8080, "listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", 1000, "max concurrent sessions, 0 for unlimited")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", 64*1024, "max websocket message size")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 10*time.Minute, "websocket idle timeout")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", 24*time.Hour, "max session lifetime, 0 disables expiry")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	applyEnv(nil, &cfg.LogLevel)
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, &InvalidInputError{Reason: "port must be between 1 and 65535"}
	}
	return cfg, nil
}
