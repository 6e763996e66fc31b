// Package config loads the engine configuration from YAML and applies
// defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StaticPrincipal is a development-mode principal bound to a bearer token.
type StaticPrincipal struct {
	Subject string   `yaml:"subject"`
	OrgID   string   `yaml:"org_id"`
	Claims  []string `yaml:"claims"`
}

// Config is the full engine configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Enrollment struct {
		// DefaultTokenValidity applies when a token is created without an
		// explicit validity period.
		DefaultTokenValidity Duration `yaml:"default_token_validity"`
		// TokenDigestKey salts the HMAC under which token secrets are stored.
		TokenDigestKey string `yaml:"token_digest_key"`
	} `yaml:"enrollment"`

	Heartbeat struct {
		// StaleAfter is how long a node may go without a heartbeat before the
		// staleness sweep marks it offline.
		StaleAfter    Duration `yaml:"stale_after"`
		SweepInterval Duration `yaml:"sweep_interval"`
		// DegradedCPUPercent is the utilization above which a heartbeat moves
		// the node to degraded.
		DegradedCPUPercent float64 `yaml:"degraded_cpu_percent"`
	} `yaml:"heartbeat"`

	Certificates struct {
		NodeCertValidity Duration `yaml:"node_cert_validity"`
	} `yaml:"certificates"`

	Identity struct {
		// StaticTokens maps development bearer tokens to principals.
		// Production deployments leave this empty and wire the identity
		// provider client instead.
		StaticTokens map[string]StaticPrincipal `yaml:"static_tokens"`
	} `yaml:"identity"`

	Security struct {
		// KeystorePassphrase protects the CA signing key at rest. May also be
		// supplied via GARRISON_KEYSTORE_PASSPHRASE.
		KeystorePassphrase string `yaml:"keystore_passphrase"`
	} `yaml:"security"`

	Reservations struct {
		SweepInterval Duration `yaml:"sweep_interval"`
	} `yaml:"reservations"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	cfg := &Config{
		DataDir:    "/var/lib/garrison",
		ListenAddr: ":7443",
	}
	cfg.Log.Level = "info"
	cfg.Enrollment.DefaultTokenValidity = Duration(1 * time.Hour)
	cfg.Heartbeat.StaleAfter = Duration(3 * time.Minute)
	cfg.Heartbeat.SweepInterval = Duration(30 * time.Second)
	cfg.Heartbeat.DegradedCPUPercent = 90
	cfg.Certificates.NodeCertValidity = Duration(90 * 24 * time.Hour)
	cfg.Reservations.SweepInterval = Duration(30 * time.Second)
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GARRISON_KEYSTORE_PASSPHRASE"); v != "" {
		c.Security.KeystorePassphrase = v
	}
	if v := os.Getenv("GARRISON_TOKEN_DIGEST_KEY"); v != "" {
		c.Enrollment.TokenDigestKey = v
	}
}

func (c *Config) validate() error {
	if c.Enrollment.DefaultTokenValidity <= 0 {
		return fmt.Errorf("enrollment.default_token_validity must be positive")
	}
	if c.Heartbeat.StaleAfter <= 0 {
		return fmt.Errorf("heartbeat.stale_after must be positive")
	}
	if c.Heartbeat.DegradedCPUPercent <= 0 || c.Heartbeat.DegradedCPUPercent > 100 {
		return fmt.Errorf("heartbeat.degraded_cpu_percent must be in (0, 100]")
	}
	return nil
}
