// Package roster implements the atomic team-config mutator (spec §3.3,
// §4.6): an ordered member list per team, kept consistent across
// concurrent writers with the same lock/read/modify/swap envelope the
// inbox store uses, plus backup/restore of a team's full on-disk state.
package roster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atm-dev/atm/internal/util/timefmt"
)

// Member is one entry in a team's ordered member list.
type Member struct {
	Name        string         `json:"name"`
	AgentType   string         `json:"agent_type"`
	SpawnParams map[string]any `json:"spawn_params,omitempty"`
	IsActive    *bool          `json:"is_active,omitempty"`
	LastActive  *string        `json:"last_active,omitempty"`
}

// Config is a team's config.json contents (spec §3.3).
type Config struct {
	Team      string   `json:"team"`
	Lead      string   `json:"lead"`
	CreatedAt string   `json:"created_at"`
	Members   []Member `json:"members"`
}

// PluginPrefix is prepended to agent_type for synthetic members a
// plugin registers (spec §3.3).
const PluginPrefix = "plugin:"

// pluginAgentType returns "plugin:<name>".
func pluginAgentType(plugin string) string {
	return PluginPrefix + plugin
}

// isPluginMember reports whether m was registered by plugin.
func isPluginMember(m Member, plugin string) bool {
	return m.AgentType == pluginAgentType(plugin)
}

func newConfig(team, lead string) Config {
	return Config{
		Team:      team,
		Lead:      lead,
		CreatedAt: timefmt.Format(time.Now().UTC()),
		Members:   []Member{},
	}
}

func decodeConfig(data []byte) (Config, error) {
	if len(data) == 0 {
		return Config{}, nil
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("roster: decode config: %w", err)
	}
	return cfg, nil
}

func encodeConfig(cfg Config) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("roster: encode config: %w", err)
	}
	return data, nil
}
