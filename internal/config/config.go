// Package config resolves the sidecar's startup options from the
// environment, an optional .env file, and an optional YAML file in
// the data directory. Environment wins over YAML; flags (applied by
// the CLI) win over both.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/huddle/internal/identity"
)

// EnvPrefix namespaces every recognized environment variable.
const EnvPrefix = "HUDDLE_"

// Config carries everything the node needs at startup.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	User      string `yaml:"user"`
	Agent     string `yaml:"agent"`
	Transport string `yaml:"transport"` // tool-surface transport: stdio | http
	HTTPAddr  string `yaml:"http_addr"`
	RelayURL  string `yaml:"relay_url"` // gossip relay; empty means in-process hub

	Signer        string `yaml:"signer"`
	GPGKeyID      string `yaml:"gpg_key_id"`
	SSHPrivateKey string `yaml:"ssh_private_key"`
	SSHPublicKey  string `yaml:"ssh_public_key"`
	SigningKey    string `yaml:"signing_key"`

	Verbose bool `yaml:"verbose"`
}

// Load resolves the configuration. A .env file in the working
// directory is applied first (without overriding the real
// environment), then config.yaml from the data dir, then the
// environment itself.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:   defaultDataDir(),
		User:      defaultUser(),
		Agent:     "unknown-agent",
		Transport: "stdio",
		HTTPAddr:  "127.0.0.1:8377",
		Signer:    string(identity.ModeGit),
	}

	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if err := cfg.applyFile(filepath.Join(cfg.DataDir, "config.yaml")); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	switch cfg.Transport {
	case "stdio", "http":
	default:
		return nil, fmt.Errorf("config: transport must be stdio or http, got %q", cfg.Transport)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	set := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	set("DATA_DIR", &c.DataDir)
	set("USER", &c.User)
	set("AGENT", &c.Agent)
	set("TRANSPORT", &c.Transport)
	set("HTTP_ADDR", &c.HTTPAddr)
	set("RELAY", &c.RelayURL)
	set("SIGNER", &c.Signer)
	set("GPG_KEY_ID", &c.GPGKeyID)
	set("SSH_PRIVATE_KEY", &c.SSHPrivateKey)
	set("SSH_PUBLIC_KEY", &c.SSHPublicKey)
	set("SIGNING_KEY", &c.SigningKey)

	if v := os.Getenv(EnvPrefix + "VERBOSE"); v != "" {
		c.Verbose = v == "1" || strings.EqualFold(v, "true")
	}
}

// SignerConfig translates the startup options into the identity
// package's configuration.
func (c *Config) SignerConfig() identity.Config {
	return identity.Config{
		Mode:          identity.Mode(strings.ToLower(c.Signer)),
		GPGKeyID:      c.GPGKeyID,
		SSHPrivateKey: c.SSHPrivateKey,
		SSHPublicKey:  c.SSHPublicKey,
		SigningKey:    c.SigningKey,
		DataDir:       c.DataDir,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "huddle")
	}
	return ".huddle"
}

func defaultUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "anonymous"
}
