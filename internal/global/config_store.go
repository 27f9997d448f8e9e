package global

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configTOMLFileName = "config.toml"
)

type GlobalDefaults struct {
	Timezone string `json:"timezone" toml:"timezone"`
	Priority string `json:"priority" toml:"priority"`
}

type AgentDefaults struct {
	MaxIterations        int `json:"max_iterations" toml:"max_iterations"`
	PendingActionTTLMins int `json:"pending_action_ttl_minutes" toml:"pending_action_ttl_minutes"`
}

type GlobalConfig struct {
	LocalPort int            `json:"local_port" toml:"local_port"`
	Defaults  GlobalDefaults `json:"defaults" toml:"defaults"`
	Agent     AgentDefaults  `json:"agent" toml:"agent"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg))
}

func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	if cfg.LocalPort <= 0 {
		cfg.LocalPort = 4820
	}
	cfg.Defaults = normalizeDefaults(cfg.Defaults)
	if cfg.Agent.MaxIterations <= 0 {
		cfg.Agent.MaxIterations = 4
	}
	if cfg.Agent.PendingActionTTLMins <= 0 {
		cfg.Agent.PendingActionTTLMins = 10
	}
	return cfg
}

func normalizeDefaults(defaults GlobalDefaults) GlobalDefaults {
	tz := strings.TrimSpace(defaults.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	priority := strings.ToLower(strings.TrimSpace(defaults.Priority))
	switch priority {
	case "low", "medium", "high":
	default:
		priority = "medium"
	}
	return GlobalDefaults{Timezone: tz, Priority: priority}
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
