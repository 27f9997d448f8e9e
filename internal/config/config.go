package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	DBPath            string
	LogLevel          string
	LogFormat         string
	LocalHost         string
	LocalPort         int
	OpenAIEndpoint    string
	OpenAIModel       string
	OpenAIAPIKey      string
	TurnBudgetSeconds int
	ContextWindow     int
}

// LoadConfig reads the environment once at startup. Everything here is
// process-lifetime; per-install settings that can change between runs
// live in the TOML store under internal/global.
func LoadConfig() Config {
	dbPath := os.Getenv("TASKMASTER_DB_PATH")
	if dbPath == "" {
		dbPath = defaultDBPath()
	}

	level := os.Getenv("TASKMASTER_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("TASKMASTER_LOG_FORMAT")
	if format == "" {
		format = "json"
	}

	localHost := os.Getenv("TASKMASTER_HOST")
	if localHost == "" {
		localHost = "127.0.0.1"
	}
	localPort := atoiOrDefault(os.Getenv("TASKMASTER_PORT"), 4820)

	turnBudget := atoiOrDefault(os.Getenv("TASKMASTER_TURN_BUDGET_SECONDS"), 60)
	contextWindow := atoiOrDefault(os.Getenv("TASKMASTER_CONTEXT_WINDOW"), 10)

	return Config{
		DBPath:            dbPath,
		LogLevel:          level,
		LogFormat:         format,
		LocalHost:         localHost,
		LocalPort:         localPort,
		OpenAIEndpoint:    os.Getenv("OPENAI_ENDPOINT"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		TurnBudgetSeconds: turnBudget,
		ContextWindow:     contextWindow,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "taskmaster.db"
	}
	return filepath.Join(home, ".config", "taskmaster", "taskmaster.db")
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
