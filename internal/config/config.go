// Package config implements ATM's layered configuration surface (spec
// §6.4) on top of the same koanf family the rest of the pack carries:
// compiled defaults, a global file, a repo-local override, environment
// variables, and finally explicit overrides (CLI flags), each layer
// winning over the one before it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/atm-dev/atm/internal/atmhome"
)

// localConfigName is the repo-local override file, discovered by
// walking up from the working directory to the nearest `.git` (spec
// §6.4).
const localConfigName = ".atm.toml"

// envPrefix is the variable prefix environment overrides must carry
// (spec §6.4's "ATM_*").
const envPrefix = "ATM_"

var compiledDefaults = map[string]any{
	"dedupe.ttl":        "24h",
	"dedupe.capacity":   10000,
	"subscription.ttl":  "30m",
	"subscription.cap":  50,
	"sweep.killedage":   "1h",
	"sweep.interval":    "5m",
	"event.verbosity":   "none",
	"log.level":         "info",
	"bridge.syncinterval": "30s",
}

// Settings is ATM's fully resolved runtime configuration plus the
// underlying koanf tree, kept around so plugin subsections can be
// handed out unparsed via Plugin.
type Settings struct {
	DedupeTTL      time.Duration
	DedupeCapacity int

	SubscriptionTTL time.Duration
	SubscriptionCap int

	KilledSweepAge time.Duration
	SweepInterval  time.Duration
	BridgeSyncInterval time.Duration

	EventVerbosity string
	LogLevel       string

	k *koanf.Koanf
}

// Load resolves Settings for the ATM home at root, layering compiled
// defaults, root's global config.toml, a repo-local .atm.toml found by
// walking up to .git, ATM_* environment variables, and finally
// overrides (typically CLI-flag values the caller already parsed),
// in ascending precedence (spec §6.4).
func Load(root string, overrides map[string]any) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(compiledDefaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := loadTOMLIfExists(k, atmhome.ConfigFilePath(root)); err != nil {
		return nil, err
	}
	if local := findLocalConfig(); local != "" {
		if err := loadTOMLIfExists(k, local); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("config: load overrides: %w", err)
		}
	}

	s := &Settings{k: k}
	if err := s.parse(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadTOMLIfExists(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil // absent layers are not an error (spec §6.4)
	}
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// findLocalConfig walks up from the working directory looking for
// .atm.toml, stopping at the first directory that either has the file
// or owns a .git (spec §6.4's "repo-local .atm.toml, walking up to
// .git").
func findLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, localConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// envKey maps ATM_DEDUPE_TTL -> dedupe.ttl. Compound leaf names avoid
// underscores deliberately (e.g. "killedage" not "killed_age") since a
// flat ATM_* -> dot-path translation can't otherwise distinguish a
// nested key from an underscore inside a leaf name.
func envKey(s string) string {
	trimmed := strings.TrimPrefix(s, envPrefix)
	return strings.ReplaceAll(strings.ToLower(trimmed), "_", ".")
}

func (s *Settings) parse() error {
	var err error
	if s.DedupeTTL, err = time.ParseDuration(s.k.String("dedupe.ttl")); err != nil {
		return fmt.Errorf("config: dedupe.ttl: %w", err)
	}
	s.DedupeCapacity = s.k.Int("dedupe.capacity")

	if s.SubscriptionTTL, err = time.ParseDuration(s.k.String("subscription.ttl")); err != nil {
		return fmt.Errorf("config: subscription.ttl: %w", err)
	}
	s.SubscriptionCap = s.k.Int("subscription.cap")

	if s.KilledSweepAge, err = time.ParseDuration(s.k.String("sweep.killedage")); err != nil {
		return fmt.Errorf("config: sweep.killedage: %w", err)
	}
	if s.SweepInterval, err = time.ParseDuration(s.k.String("sweep.interval")); err != nil {
		return fmt.Errorf("config: sweep.interval: %w", err)
	}
	if s.BridgeSyncInterval, err = time.ParseDuration(s.k.String("bridge.syncinterval")); err != nil {
		return fmt.Errorf("config: bridge.syncinterval: %w", err)
	}

	s.EventVerbosity = s.k.String("event.verbosity")
	s.LogLevel = s.k.String("log.level")
	return nil
}

// Plugin returns the unparsed `[plugins.<name>]` subsection as its own
// koanf tree (spec §6.4), or an empty one if name has no section.
func (s *Settings) Plugin(name string) *koanf.Koanf {
	return s.k.Cut("plugins." + name)
}
