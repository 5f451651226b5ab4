package roster

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/atm-dev/atm/internal/fslock"
)

// CleanupMode selects how CleanupPlugin treats a plugin's members.
type CleanupMode int

const (
	// Soft flips is_active=false on every member the plugin owns.
	Soft CleanupMode = iota
	// Hard removes every member the plugin owns.
	Hard
)

// Roster mutates team config files atomically and tracks, per
// (plugin, team), the set of member names that plugin currently owns
// (spec §4.6's "separate in-memory tracker").
type Roster struct {
	mu      sync.Mutex
	owned   map[string]map[string]map[string]struct{} // team -> plugin -> names
}

// New returns an empty Roster tracker, one per daemon process.
func New() *Roster {
	return &Roster{owned: make(map[string]map[string]map[string]struct{})}
}

func (r *Roster) track(team, plugin, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owned[team] == nil {
		r.owned[team] = make(map[string]map[string]struct{})
	}
	if r.owned[team][plugin] == nil {
		r.owned[team][plugin] = make(map[string]struct{})
	}
	r.owned[team][plugin][name] = struct{}{}
}

func (r *Roster) untrack(team, plugin, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names, ok := r.owned[team][plugin]; ok {
		delete(names, name)
	}
}

// CreateTeam writes a fresh config.json at path if none exists yet.
// It's a no-op success if the team is already present.
func CreateTeam(ctx context.Context, path, team, lead string) error {
	return mutate(ctx, path, func(cfg Config) (Config, error) {
		if cfg.Team != "" {
			return cfg, nil
		}
		return newConfig(team, lead), nil
	})
}

func mutate(ctx context.Context, path string, fn func(Config) (Config, error)) error {
	handle, err := fslock.Acquire(ctx, path+".lock")
	if err != nil {
		return err
	}
	defer func() { _ = handle.Release() }()

	for {
		result, err := fslock.Swap(path, func(current []byte) ([]byte, error) {
			cfg, err := decodeConfig(current)
			if err != nil {
				return nil, err
			}
			next, err := fn(cfg)
			if err != nil {
				return nil, err
			}
			return encodeConfig(next)
		})
		if err != nil {
			return err
		}
		if !result.Conflict {
			return nil
		}
		// §4.6: no merge step needed, the mutator is authoritative;
		// retry against the fresher content the next Swap call reads.
	}
}

// AddMember rejects a duplicate name.
func (r *Roster) AddMember(ctx context.Context, path string, member Member, plugin string) error {
	if plugin != "" {
		member.AgentType = pluginAgentType(plugin)
	}
	err := mutate(ctx, path, func(cfg Config) (Config, error) {
		for _, m := range cfg.Members {
			if m.Name == member.Name {
				return Config{}, fmt.Errorf("roster: member %q already exists", member.Name)
			}
		}
		cfg.Members = append(cfg.Members, member)
		return cfg, nil
	})
	if err != nil {
		return err
	}
	if plugin != "" {
		r.track(pathTeamKey(path), plugin, member.Name)
	}
	return nil
}

// RemoveMember errors if name is absent.
func (r *Roster) RemoveMember(ctx context.Context, path, name, plugin string) error {
	err := mutate(ctx, path, func(cfg Config) (Config, error) {
		idx := -1
		for i, m := range cfg.Members {
			if m.Name == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			return Config{}, fmt.Errorf("roster: member %q not found", name)
		}
		cfg.Members = append(cfg.Members[:idx], cfg.Members[idx+1:]...)
		return cfg, nil
	})
	if err != nil {
		return err
	}
	if plugin != "" {
		r.untrack(pathTeamKey(path), plugin, name)
	}
	return nil
}

// ListMembers reads the config and optionally filters to members whose
// agent_type is "plugin:{filter}".
func ListMembers(path, filter string) ([]Member, error) {
	data, err := readOrEmpty(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return cfg.Members, nil
	}
	want := pluginAgentType(filter)
	var out []Member
	for _, m := range cfg.Members {
		if m.AgentType == want {
			out = append(out, m)
		}
	}
	return out, nil
}

// CleanupPlugin applies mode to every member plugin owns in the team
// at path, returning the number of members affected. Idempotent: a
// second call against an already-cleaned-up set affects zero members.
func (r *Roster) CleanupPlugin(ctx context.Context, path, plugin string, mode CleanupMode) (int, error) {
	affected := 0
	err := mutate(ctx, path, func(cfg Config) (Config, error) {
		affected = 0
		want := pluginAgentType(plugin)
		switch mode {
		case Soft:
			for i := range cfg.Members {
				if cfg.Members[i].AgentType == want {
					f := false
					if cfg.Members[i].IsActive == nil || *cfg.Members[i].IsActive {
						cfg.Members[i].IsActive = &f
						affected++
					}
				}
			}
		case Hard:
			var kept []Member
			for _, m := range cfg.Members {
				if m.AgentType == want {
					affected++
					continue
				}
				kept = append(kept, m)
			}
			cfg.Members = kept
		}
		return cfg, nil
	})
	if err != nil {
		return 0, err
	}
	if mode == Hard {
		r.mu.Lock()
		delete(r.owned[pathTeamKey(path)], plugin)
		r.mu.Unlock()
	}
	return affected, nil
}

// pathTeamKey derives a stable tracker key from a config path. The
// path itself (not just the team name) is used so two different home
// roots never collide in one process's tracker.
func pathTeamKey(path string) string { return path }

func readOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	return data, nil
}
