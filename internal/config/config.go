// Package config loads the daemon's JSON configuration: accounts,
// feature flags, SLA and delegation settings. Unknown top-level fields
// are preserved round-trip, and a file without schemaVersion is
// migrated in place (backed up first).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/store"
)

// CurrentSchemaVersion is the config schema this build reads/writes.
const CurrentSchemaVersion = 1

// QuotaPolicy describes provider usage limits for launched agents.
type QuotaPolicy struct {
	Plan           string `json:"plan,omitempty"`
	WindowMs       int64  `json:"windowMs,omitempty"`
	EstimatedLimit int    `json:"estimatedLimit,omitempty"`
	Source         string `json:"source,omitempty"`
}

// Defaults holds launch defaults applied when an account has none.
type Defaults struct {
	LaunchInNewWindow bool        `json:"launchInNewWindow,omitempty"`
	QuotaPolicy       QuotaPolicy `json:"quotaPolicy,omitempty"`
}

// Entire configures the checkpoint subsystem's public surface.
type Entire struct {
	AutoEnable bool `json:"autoEnable,omitempty"`
}

// Delegation bounds the handoff chain.
type Delegation struct {
	MaxDepth int `json:"maxDepth,omitempty"` // 0 = unlimited
}

// SLA tunes the adaptive monitor.
type SLA struct {
	ScanIntervalSeconds int `json:"scanIntervalSeconds,omitempty"`
}

// Launcher tunes the auto-launch policy engine.
type Launcher struct {
	MaxSpawnsPerMinute    int   `json:"maxSpawnsPerMinute,omitempty"`
	DeduplicationWindowMs int64 `json:"deduplicationWindowMs,omitempty"`
	FailureThreshold      int   `json:"failureThreshold,omitempty"`
	CooldownMs            int64 `json:"cooldownMs,omitempty"`
	// Pointer so an absent field keeps the policy default (blocked).
	SelfHandoffBlocked *bool `json:"selfHandoffBlocked,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	SchemaVersion int             `json:"schemaVersion"`
	Accounts      []core.Account  `json:"accounts"`
	Entire        Entire          `json:"entire,omitempty"`
	Defaults      Defaults        `json:"defaults,omitempty"`
	Features      map[string]bool `json:"features,omitempty"`
	Theme         string          `json:"theme,omitempty"`
	Delegation    Delegation      `json:"delegation,omitempty"`
	SLA           SLA             `json:"sla,omitempty"`
	Launcher      Launcher        `json:"launcher,omitempty"`

	// Unknown top-level fields, preserved verbatim on save.
	extra map[string]json.RawMessage
}

var knownKeys = map[string]bool{
	"schemaVersion": true, "accounts": true, "entire": true, "defaults": true,
	"features": true, "theme": true, "delegation": true, "sla": true, "launcher": true,
}

// UnmarshalJSON decodes known fields and stashes everything else.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Config(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if !knownKeys[k] {
			if c.extra == nil {
				c.extra = make(map[string]json.RawMessage)
			}
			c.extra[k] = raw[k]
		}
	}
	return nil
}

// MarshalJSON re-merges preserved unknown fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	data, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// BaseDir resolves the daemon's base directory: $AGENTCTL_DIR when
// set, else $HOME/.agentctl.
func BaseDir() string {
	if dir := os.Getenv("AGENTCTL_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentctl"
	}
	return filepath.Join(home, ".agentctl")
}

// Path returns the config file location under the base directory.
func Path(baseDir string) string {
	return filepath.Join(baseDir, "config.json")
}

// Default returns an empty but valid config.
func Default() *Config {
	return &Config{SchemaVersion: CurrentSchemaVersion}
}

// Load reads and validates the config at path. A missing file yields
// the default config. A file without schemaVersion is migrated: the
// original is backed up to <path>.bak and the migrated form written
// back atomically.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("corrupt config %s: %w", path, err)
	}

	if cfg.SchemaVersion == 0 {
		if err := os.WriteFile(path+".bak", data, 0o600); err != nil {
			return nil, fmt.Errorf("config backup: %w", err)
		}
		cfg.SchemaVersion = CurrentSchemaVersion
		if err := Save(path, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported config schemaVersion %d", cfg.SchemaVersion)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config with an atomic replace.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, append(data, '\n'), 0o600)
}

func (c *Config) validate() error {
	seen := make(map[string]string)
	for _, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("config: account with empty name")
		}
		lower := strings.ToLower(a.Name)
		if prev, dup := seen[lower]; dup {
			return fmt.Errorf("config: duplicate account name %q / %q (names are case-insensitive)", prev, a.Name)
		}
		seen[lower] = a.Name
	}
	return nil
}

// Account looks an account up by case-insensitive name.
func (c *Config) Account(name string) (core.Account, bool) {
	for _, a := range c.Accounts {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return core.Account{}, false
}

// FeatureEnabled reports a feature flag, defaulting to off.
func (c *Config) FeatureEnabled(name string) bool {
	return c.Features[name]
}
