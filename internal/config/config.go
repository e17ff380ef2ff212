// Package config parses flag- and environment-driven configuration for
// both bunnel binaries, in the teacher's style: a [flag.FlagSet] seeded
// with BUNNEL_*-prefixed environment defaults.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds bunnel-server's parsed configuration.
type ServerConfig struct {
	Port        int
	ProxyPort   int
	RootHost    string
	CertFile    string
	KeyFile     string
	CAFiles     []string
	LogLevel    string
	MetricsAddr string

	RequestTimeout time.Duration
	GracePeriod    time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	MaxBodyBytes   int64
}

// ErrCertKeyMismatch is returned when exactly one of --cert/--key was
// given. spec.md §6 treats this as a hard error distinct from other flag
// errors: callers exit 1 for it rather than the generic usage-error code.
var ErrCertKeyMismatch = errors.New("--cert and --key must be given together")

// ClientConfig holds bunnel's (the agent's) parsed configuration.
type ClientConfig struct {
	LocalURL     string
	TunnelURL    string
	SelfSigned   bool
	LogLevel     string
	ProbeTimeout time.Duration
}

const (
	defaultPort           = 4444
	defaultProxyPort      = 5555
	defaultRootHost       = "localhost"
	defaultRequestTimeout = 30 * time.Second
	defaultGracePeriod    = time.Second
	defaultIdleTimeout    = 5 * time.Minute
	defaultSweepInterval  = 60 * time.Second
	defaultMaxBodyBytes   = 10 * 1024 * 1024
	defaultProbeTimeout   = 5 * time.Second
)

// ParseServerFlags parses bunnel-server's CLI surface per spec.md §6: -p/
// --port, -x/--proxy, --cert/--key/--ca. Providing exactly one of
// --cert/--key is a hard error.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Port:           envIntOrDefault("BUNNEL_PORT", defaultPort),
		ProxyPort:      envIntOrDefault("BUNNEL_PROXY_PORT", defaultProxyPort),
		RootHost:       envOrDefault("BUNNEL_ROOT_HOST", defaultRootHost),
		LogLevel:       envOrDefault("BUNNEL_LOG_LEVEL", "info"),
		MetricsAddr:    envOrDefault("BUNNEL_METRICS_ADDR", ""),
		RequestTimeout: defaultRequestTimeout,
		GracePeriod:    defaultGracePeriod,
		IdleTimeout:    defaultIdleTimeout,
		SweepInterval:  defaultSweepInterval,
		MaxBodyBytes:   defaultMaxBodyBytes,
	}

	var caFiles string

	fs := flag.NewFlagSet("bunnel-server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "tunnel port")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "tunnel port (shorthand)")
	fs.IntVar(&cfg.ProxyPort, "proxy", cfg.ProxyPort, "optional cleartext proxy port")
	fs.IntVar(&cfg.ProxyPort, "x", cfg.ProxyPort, "optional cleartext proxy port (shorthand)")
	fs.StringVar(&cfg.RootHost, "root-host", cfg.RootHost, "root host label new agent connections attach to")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate PEM file")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key PEM file")
	fs.StringVar(&caFiles, "ca", "", "comma-separated TLS CA bundle PEM files")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "optional address to serve /metrics on")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if caFiles != "" {
		cfg.CAFiles = strings.Split(caFiles, ",")
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return cfg, ErrCertKeyMismatch
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("port must be between 1 and 65535")
	}

	return cfg, nil
}

// ParseClientFlags parses bunnel's (the agent's) CLI surface per spec.md
// §6: -l/--local, -t/--tunnel (both required), -s/--self-signed.
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		LocalURL:     envOrDefault("BUNNEL_LOCAL_URL", ""),
		TunnelURL:    envOrDefault("BUNNEL_TUNNEL_URL", ""),
		LogLevel:     envOrDefault("BUNNEL_LOG_LEVEL", "info"),
		ProbeTimeout: defaultProbeTimeout,
	}

	fs := flag.NewFlagSet("bunnel", flag.ContinueOnError)
	fs.StringVar(&cfg.LocalURL, "local", cfg.LocalURL, "local service URL to forward to")
	fs.StringVar(&cfg.LocalURL, "l", cfg.LocalURL, "local service URL to forward to (shorthand)")
	fs.StringVar(&cfg.TunnelURL, "tunnel", cfg.TunnelURL, "tunnel server URL")
	fs.StringVar(&cfg.TunnelURL, "t", cfg.TunnelURL, "tunnel server URL (shorthand)")
	fs.BoolVar(&cfg.SelfSigned, "self-signed", cfg.SelfSigned, "accept a self-signed TLS certificate from the tunnel server")
	fs.BoolVar(&cfg.SelfSigned, "s", cfg.SelfSigned, "accept a self-signed TLS certificate from the tunnel server (shorthand)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.LocalURL = strings.TrimSpace(cfg.LocalURL)
	cfg.TunnelURL = strings.TrimSpace(cfg.TunnelURL)
	if cfg.LocalURL == "" {
		return cfg, errors.New("missing --local or BUNNEL_LOCAL_URL")
	}
	if cfg.TunnelURL == "" {
		return cfg, errors.New("missing --tunnel or BUNNEL_TUNNEL_URL")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
