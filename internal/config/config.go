package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sheerbytes/backhaul/internal/logging"
)

// EnvPrefix is prepended to every environment variable, e.g.
// BACKHAUL_CONTROL_PORT.
const EnvPrefix = "BACKHAUL"

// Defaults shared by the server and the client.
const (
	DefaultControlPort      = 7070
	DefaultDataPort         = 7071
	DefaultMaxEvents        = 64
	DefaultRegistryCapacity = 65536
	DefaultCommandBuffer    = 1024
	DefaultMaxCommand       = 4096
	DefaultMaxDownloads     = 256
	DefaultConnectTimeout   = 5 * time.Second
	DefaultClientTimeout    = 30 * time.Second
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ServerConfig holds configuration for the backhauld binary.
type ServerConfig struct {
	Host             string
	ControlPort      int
	DataPort         int
	Workers          int
	MaxEvents        int
	RegistryCapacity int
	CommandBuffer    int // bytes read from a control connection per call
	MaxCommand       int // longest accepted command frame
	MaxDownloads     int
	DownloadTimeout  time.Duration // 0 disables the deadline
	ConnectTimeout   time.Duration
	OpsListen        string // empty disables the ops listener
	LogLevel         string
	ConfigFile       string
}

// ClientConfig holds configuration for the backhaul client binary.
type ClientConfig struct {
	Server    string // control endpoint host:port
	DataPort  int
	LocalHost string // local address the client binds for both channels
	Timeout   time.Duration
	OpsURL    string
	LogLevel  string
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:             "0.0.0.0",
		ControlPort:      DefaultControlPort,
		DataPort:         DefaultDataPort,
		Workers:          runtime.NumCPU(),
		MaxEvents:        DefaultMaxEvents,
		RegistryCapacity: DefaultRegistryCapacity,
		CommandBuffer:    DefaultCommandBuffer,
		MaxCommand:       DefaultMaxCommand,
		MaxDownloads:     DefaultMaxDownloads,
		ConnectTimeout:   DefaultConnectTimeout,
		LogLevel:         "info",
	}
}

// DefaultClientConfig returns the built-in client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:    net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultControlPort)),
		DataPort:  DefaultDataPort,
		LocalHost: "127.0.0.1",
		Timeout:   DefaultClientTimeout,
		LogLevel:  "info",
	}
}

// BindServerFlags registers the server flags on fs.
func BindServerFlags(fs *pflag.FlagSet) {
	d := DefaultServerConfig()
	fs.String("config", "", "path to a YAML, TOML or JSON config file")
	fs.String("host", d.Host, "address the control listener binds")
	fs.Int("control-port", d.ControlPort, "control port (0 picks an ephemeral port)")
	fs.Int("data-port", d.DataPort, "port clients listen on for the reverse data connection")
	fs.Int("workers", d.Workers, "event loop workers")
	fs.Int("max-events", d.MaxEvents, "readiness events fetched per wait")
	fs.Int("registry-capacity", d.RegistryCapacity, "highest descriptor number (exclusive) the server will track")
	fs.String("command-buffer", humanize.IBytes(uint64(d.CommandBuffer)), "control read buffer size")
	fs.String("max-command", humanize.IBytes(uint64(d.MaxCommand)), "longest accepted command frame")
	fs.Int("max-downloads", d.MaxDownloads, "downloads streamed concurrently")
	fs.Duration("download-timeout", 0, "per download deadline (0 disables)")
	fs.Duration("connect-timeout", d.ConnectTimeout, "reverse connection deadline")
	fs.String("ops-listen", "", "ops HTTP listen address for /health, /metrics and /events (empty disables)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
}

// BindClientFlags registers the client flags on fs.
func BindClientFlags(fs *pflag.FlagSet) {
	d := DefaultClientConfig()
	fs.String("server", d.Server, "server control endpoint host:port")
	fs.Int("data-port", d.DataPort, "local port the server connects back to")
	fs.String("local-host", d.LocalHost, "local address to bind for both channels")
	fs.Duration("timeout", d.Timeout, "overall deadline per operation")
	fs.String("ops-url", "", "server ops base URL, e.g. http://127.0.0.1:9090")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
}

func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return v, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// LoadServer resolves the server configuration from fs (already parsed),
// BACKHAUL_* environment variables and the optional config file, in that
// order of precedence. Up to two positional arguments override the control
// and data ports.
func LoadServer(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	v, err := newViper(fs)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{ConfigFile: strings.TrimSpace(v.GetString("config"))}
	if err := readConfigFile(v, cfg.ConfigFile); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	cfg.Host = strings.TrimSpace(v.GetString("host"))
	cfg.ControlPort = v.GetInt("control-port")
	cfg.DataPort = v.GetInt("data-port")
	cfg.Workers = v.GetInt("workers")
	cfg.MaxEvents = v.GetInt("max-events")
	cfg.RegistryCapacity = v.GetInt("registry-capacity")
	cfg.MaxDownloads = v.GetInt("max-downloads")
	cfg.DownloadTimeout = v.GetDuration("download-timeout")
	cfg.ConnectTimeout = v.GetDuration("connect-timeout")
	cfg.OpsListen = strings.TrimSpace(v.GetString("ops-listen"))
	cfg.LogLevel = strings.TrimSpace(v.GetString("log-level"))

	if cfg.CommandBuffer, err = parseSize(v, "command-buffer"); err != nil {
		return cfg, err
	}
	if cfg.MaxCommand, err = parseSize(v, "max-command"); err != nil {
		return cfg, err
	}

	if len(args) > 2 {
		return cfg, fmt.Errorf("%w: expected at most [control-port] [data-port], got %d arguments", ErrInvalid, len(args))
	}
	if len(args) > 0 {
		if cfg.ControlPort, err = parsePort("control-port", args[0]); err != nil {
			return cfg, err
		}
	}
	if len(args) > 1 {
		if cfg.DataPort, err = parsePort("data-port", args[1]); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// LoadClient resolves the client configuration the same way LoadServer does,
// minus the config file.
func LoadClient(fs *pflag.FlagSet) (ClientConfig, error) {
	v, err := newViper(fs)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg := ClientConfig{
		Server:    strings.TrimSpace(v.GetString("server")),
		DataPort:  v.GetInt("data-port"),
		LocalHost: strings.TrimSpace(v.GetString("local-host")),
		Timeout:   v.GetDuration("timeout"),
		OpsURL:    strings.TrimSpace(v.GetString("ops-url")),
		LogLevel:  strings.TrimSpace(v.GetString("log-level")),
	}
	return cfg, cfg.Validate()
}

func parseSize(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s %q: %w", ErrInvalid, key, raw, err)
	}
	if size > 1<<30 {
		return 0, fmt.Errorf("%w: %s %s is too large", ErrInvalid, key, humanize.IBytes(size))
	}
	return int(size), nil
}

func parsePort(name, raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrInvalid, name, raw)
	}
	return port, nil
}

func checkPort(name string, port int, allowZero bool) error {
	if port < 0 || port > 65535 || (port == 0 && !allowZero) {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
	}
	return nil
}

// Validate enforces ranges.
func (c ServerConfig) Validate() error {
	var errs []error
	errs = append(errs, checkPort("control-port", c.ControlPort, true))
	errs = append(errs, checkPort("data-port", c.DataPort, false))
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%w: workers must be at least 1", ErrInvalid))
	}
	if c.MaxEvents < 1 {
		errs = append(errs, fmt.Errorf("%w: max-events must be at least 1", ErrInvalid))
	}
	if c.RegistryCapacity < 16 {
		errs = append(errs, fmt.Errorf("%w: registry-capacity must be at least 16", ErrInvalid))
	}
	if c.CommandBuffer < 16 {
		errs = append(errs, fmt.Errorf("%w: command-buffer must be at least 16 bytes", ErrInvalid))
	}
	if c.MaxCommand < 3 {
		errs = append(errs, fmt.Errorf("%w: max-command must be at least 3 bytes", ErrInvalid))
	}
	if c.MaxDownloads < 1 {
		errs = append(errs, fmt.Errorf("%w: max-downloads must be at least 1", ErrInvalid))
	}
	if c.DownloadTimeout < 0 || c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: timeouts must not be negative", ErrInvalid))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}

// Validate enforces ranges.
func (c ClientConfig) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		errs = append(errs, fmt.Errorf("%w: server %q: %w", ErrInvalid, c.Server, err))
	}
	errs = append(errs, checkPort("data-port", c.DataPort, false))
	if c.LocalHost == "" {
		errs = append(errs, fmt.Errorf("%w: local-host must be set", ErrInvalid))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w: timeout must not be negative", ErrInvalid))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}
