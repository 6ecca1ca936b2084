// Package config loads the mcptenant process configuration.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/credstore"
	mcpgateway "github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./mcptenant.yaml, ~/.config/mcptenant/config.yaml,
// /etc/mcptenant/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcptenant.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcptenant", "config.yaml"))
	}
	return append(paths, "/etc/mcptenant/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcptenant configuration.
type Config struct {
	Listen            string            `yaml:"listen"`
	Path              string            `yaml:"path"`
	LogLevel          string            `yaml:"log_level"`
	LogFormat         string            `yaml:"log_format"`
	ClientName        string            `yaml:"client_name"`
	CacheTTL          time.Duration     `yaml:"cache_ttl"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	HealthInterval    time.Duration     `yaml:"health_interval"`
	HealthConcurrency int               `yaml:"health_concurrency"`
	Headers           map[string]string `yaml:"headers"`
	CORS              CORSConfig        `yaml:"cors"`
	Auth              AuthConfig        `yaml:"auth"`
	Credentials       credstore.Config  `yaml:"credentials"`
}

// AuthConfig lists the bearer tokens accepted by the gateway. With no tokens
// the gateway is open and trusts the tenant header.
type AuthConfig struct {
	Tokens []mcpgateway.StaticToken `yaml:"tokens"`
}

// Enabled reports whether bearer tokens are required.
func (a AuthConfig) Enabled() bool {
	return len(a.Tokens) > 0
}

// CORSConfig lists the browser origins allowed to reach the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Listen:            ":8700",
		Path:              "/mcp",
		LogLevel:          "info",
		LogFormat:         "text",
		ClientName:        "mcp-tenant-manager",
		CacheTTL:          mcpmgr.DefaultCacheTTL,
		RequestTimeout:    mcpmgr.DefaultRequestTimeout,
		HealthInterval:    mcpmgr.DefaultHealthInterval,
		HealthConcurrency: mcpmgr.DefaultHealthConcurrency,
	}
}

// Load reads configuration from a YAML file. ${NAME} environment references
// are expanded before parsing and unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := credstore.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	cfg.Credentials.File = resolve(dir, cfg.Credentials.File)
	cfg.Credentials.SQLite = resolve(dir, cfg.Credentials.SQLite)
	return cfg, nil
}

// resolve makes p relative to the config file's directory.
func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if (c.Credentials.File == "") == (c.Credentials.SQLite == "") {
		errs = append(errs, errors.New("credentials: exactly one of file or sqlite must be set"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.CacheTTL < 0 || c.RequestTimeout < 0 || c.HealthInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Auth.Enabled() {
		if _, err := mcpgateway.StaticTokenVerifier(c.Auth.Tokens); err != nil {
			errs = append(errs, fmt.Errorf("auth: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ManagerOptions translates the configuration for mcpmgr.NewManager.
func (c *Config) ManagerOptions() *mcpmgr.ManagerOptions {
	opts := &mcpmgr.ManagerOptions{
		ClientName:        c.ClientName,
		CacheTTL:          c.CacheTTL,
		RequestTimeout:    c.RequestTimeout,
		HealthInterval:    c.HealthInterval,
		HealthConcurrency: c.HealthConcurrency,
	}
	if len(c.Headers) > 0 {
		opts.Headers = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			opts.Headers.Set(k, v)
		}
	}
	return opts
}
