package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func parseServerConfigWithFlagSet(t *testing.T, args []string) (ServerConfig, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return LoadServer(fs, fs.Args())
}

func parseClientConfigWithFlagSet(t *testing.T, args []string) (ClientConfig, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return LoadClient(fs)
}

func TestParseServerConfig_Defaults(t *testing.T) {
	cfg, err := parseServerConfigWithFlagSet(t, nil)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	want := DefaultServerConfig()
	if cfg != want {
		t.Errorf("LoadServer() = %+v, want %+v", cfg, want)
	}
}

func TestParseServerConfig_Flags(t *testing.T) {
	cfg, err := parseServerConfigWithFlagSet(t, []string{
		"--host", "127.0.0.1",
		"--workers", "3",
		"--command-buffer", "2KiB",
		"--max-command", "512",
		"--connect-timeout", "250ms",
		"--log-level", "debug",
	})
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Workers != 3 {
		t.Errorf("host/workers = %s/%d", cfg.Host, cfg.Workers)
	}
	if cfg.CommandBuffer != 2048 {
		t.Errorf("CommandBuffer = %d, want 2048", cfg.CommandBuffer)
	}
	if cfg.MaxCommand != 512 {
		t.Errorf("MaxCommand = %d, want 512", cfg.MaxCommand)
	}
	if cfg.ConnectTimeout != 250*time.Millisecond {
		t.Errorf("ConnectTimeout = %v", cfg.ConnectTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestParseServerConfig_PositionalPorts(t *testing.T) {
	cfg, err := parseServerConfigWithFlagSet(t, []string{"--control-port", "1", "9000", "9001"})
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.ControlPort != 9000 || cfg.DataPort != 9001 {
		t.Errorf("ports = %d/%d, want 9000/9001", cfg.ControlPort, cfg.DataPort)
	}

	if _, err := parseServerConfigWithFlagSet(t, []string{"1", "2", "3"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for three positionals, got %v", err)
	}
	if _, err := parseServerConfigWithFlagSet(t, []string{"seventy"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for non-numeric port, got %v", err)
	}
}

func TestParseServerConfig_EnvFallback(t *testing.T) {
	t.Setenv("BACKHAUL_DATA_PORT", "7300")
	t.Setenv("BACKHAUL_LOG_LEVEL", "warn")

	cfg, err := parseServerConfigWithFlagSet(t, nil)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.DataPort != 7300 {
		t.Errorf("DataPort = %d, want 7300", cfg.DataPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %s, want warn", cfg.LogLevel)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("BACKHAUL_DATA_PORT", "7300")

	cfg, err := parseServerConfigWithFlagSet(t, []string{"--data-port", "7400"})
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.DataPort != 7400 {
		t.Errorf("DataPort = %d, want 7400", cfg.DataPort)
	}
}

func TestParseServerConfig_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backhauld.yaml")
	content := "data-port: 7500\nmax-downloads: 4\nmax-command: 1KiB\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BACKHAUL_MAX_DOWNLOADS", "8")

	cfg, err := parseServerConfigWithFlagSet(t, []string{"--config", path})
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.DataPort != 7500 {
		t.Errorf("DataPort = %d, want 7500 from file", cfg.DataPort)
	}
	if cfg.MaxDownloads != 8 {
		t.Errorf("MaxDownloads = %d, want 8 from env", cfg.MaxDownloads)
	}
	if cfg.MaxCommand != 1024 {
		t.Errorf("MaxCommand = %d, want 1024", cfg.MaxCommand)
	}

	if _, err := parseServerConfigWithFlagSet(t, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for missing config file, got %v", err)
	}
}

func TestServerConfig_Validate(t *testing.T) {
	cases := map[string]func(*ServerConfig){
		"data port zero":   func(c *ServerConfig) { c.DataPort = 0 },
		"port too large":   func(c *ServerConfig) { c.ControlPort = 70000 },
		"no workers":       func(c *ServerConfig) { c.Workers = 0 },
		"tiny buffer":      func(c *ServerConfig) { c.CommandBuffer = 1 },
		"tiny registry":    func(c *ServerConfig) { c.RegistryCapacity = 2 },
		"no downloads":     func(c *ServerConfig) { c.MaxDownloads = 0 },
		"negative timeout": func(c *ServerConfig) { c.ConnectTimeout = -time.Second },
		"bad level":        func(c *ServerConfig) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
	if err := DefaultServerConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestParseClientConfig(t *testing.T) {
	t.Setenv("BACKHAUL_LOCAL_HOST", "127.0.0.5")
	cfg, err := parseClientConfigWithFlagSet(t, []string{"--server", "10.0.0.1:7070", "--timeout", "2s"})
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Server != "10.0.0.1:7070" || cfg.LocalHost != "127.0.0.5" || cfg.Timeout != 2*time.Second {
		t.Errorf("LoadClient() = %+v", cfg)
	}
	if cfg.DataPort != DefaultDataPort {
		t.Errorf("DataPort = %d, want default", cfg.DataPort)
	}

	if _, err := parseClientConfigWithFlagSet(t, []string{"--server", "nohostport"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for bad server, got %v", err)
	}
}
