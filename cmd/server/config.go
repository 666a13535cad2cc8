package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/matst80/echod/internal/config"
)

// flagValues mirrors the command line. Only flags the user actually set are
// applied over the loaded configuration.
type flagValues struct {
	ConfigPath      string
	BindAddress     string
	Port            int
	MaxConnections  int
	TCP             bool
	UDP             bool
	IdleTimeout     time.Duration
	ConnRate        int
	DatagramRate    int
	Burst           int
	MetricsAddr     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	PublishInterval time.Duration
	RedisKeyTTL     time.Duration
	Debug           bool
	LogFormat       string
}

// parseConfig builds the runtime configuration: defaults, then the YAML file
// named by -config, then .env and ECHOD_* variables, then explicit flags.
// A single positional argument is taken as the connection ceiling.
func parseConfig(args []string, stderr io.Writer) (*config.Config, error) {
	var fv flagValues
	fs := flag.NewFlagSet("echod", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: echod [flags] [max-connections]")
		fs.PrintDefaults()
	}
	fs.StringVar(&fv.ConfigPath, "config", "", "path to a YAML config file")
	fs.StringVar(&fv.BindAddress, "bind", "0.0.0.0", "address to bind the echo sockets to")
	fs.IntVar(&fv.Port, "port", 7, "echo port for both TCP and UDP")
	fs.IntVar(&fv.MaxConnections, "max-connections", 100, "maximum concurrent TCP clients")
	fs.BoolVar(&fv.TCP, "tcp", true, "serve TCP echo")
	fs.BoolVar(&fv.UDP, "udp", true, "serve UDP echo")
	fs.DurationVar(&fv.IdleTimeout, "idle-timeout", 0, "close TCP clients idle this long (0 = never)")
	fs.IntVar(&fv.ConnRate, "conn-rate", 0, "TCP connections per second per source IP (0 = unlimited)")
	fs.IntVar(&fv.DatagramRate, "datagram-rate", 0, "UDP datagrams per second per source IP (0 = unlimited)")
	fs.IntVar(&fv.Burst, "burst", 10, "rate limiter burst size")
	fs.StringVar(&fv.MetricsAddr, "metrics", ":9107", "metrics and health listen address (empty disables)")
	fs.StringVar(&fv.RedisAddr, "redis", "", "Redis address for publishing stats (empty disables)")
	fs.StringVar(&fv.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&fv.RedisDB, "redis-db", 0, "Redis database number")
	fs.DurationVar(&fv.PublishInterval, "publish-interval", 10*time.Second, "interval between Redis stats snapshots")
	fs.DurationVar(&fv.RedisKeyTTL, "redis-key-ttl", time.Minute, "expiry of the published stats hash (must be >= publish-interval)")
	fs.BoolVar(&fv.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&fv.LogFormat, "log-format", "text", "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(fv.ConfigPath, ".env")
	if err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	apply := map[string]func(){
		"bind":             func() { cfg.Server.BindAddress = fv.BindAddress },
		"port":             func() { cfg.Server.Port = fv.Port },
		"max-connections":  func() { cfg.Server.MaxConnections = fv.MaxConnections },
		"tcp":              func() { cfg.Server.TCPEnabled = fv.TCP },
		"udp":              func() { cfg.Server.UDPEnabled = fv.UDP },
		"idle-timeout":     func() { cfg.Server.IdleTimeout = fv.IdleTimeout },
		"conn-rate":        func() { cfg.Limits.ConnRate = fv.ConnRate },
		"datagram-rate":    func() { cfg.Limits.DatagramRate = fv.DatagramRate },
		"burst":            func() { cfg.Limits.Burst = fv.Burst },
		"metrics":          func() { cfg.Metrics.Address = fv.MetricsAddr },
		"redis":            func() { cfg.Redis.Addr = fv.RedisAddr },
		"redis-password":   func() { cfg.Redis.Password = fv.RedisPassword },
		"redis-db":         func() { cfg.Redis.DB = fv.RedisDB },
		"publish-interval": func() { cfg.Redis.PublishInterval = fv.PublishInterval },
		"redis-key-ttl":    func() { cfg.Redis.KeyTTL = fv.RedisKeyTTL },
		"log-format":       func() { cfg.Logging.Format = fv.LogFormat },
	}
	for name, fn := range apply {
		if set[name] {
			fn()
		}
	}
	if set["debug"] && fv.Debug {
		cfg.Logging.Level = "debug"
	}

	switch fs.NArg() {
	case 0:
	case 1:
		if set["max-connections"] {
			return nil, fmt.Errorf("max connections given both as flag and argument")
		}
		n, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("invalid max connections %q: %w", fs.Arg(0), err)
		}
		cfg.Server.MaxConnections = n
	default:
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
