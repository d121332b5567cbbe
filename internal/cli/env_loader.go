package cli

import (
	"os"
	"strings"

	"github.com/koltyakov/addr/internal/config"
)

// loadDotEnv seeds missing ADDR_* variables from the .env file at path.
// Variables already set in the environment win. ${VAR} references in values
// are expanded against the file first, then the environment.
func loadDotEnv(path string, lookup func(string) (string, bool), setenv func(string, string) error) {
	values := loadEnvFileValues(path)
	expand := func(key string) string {
		if v, ok := values[key]; ok {
			return v
		}
		v, _ := lookup(key)
		return v
	}
	for key, value := range values {
		if !strings.HasPrefix(key, config.EnvPrefix) {
			continue
		}
		if existing, ok := lookup(key); ok && strings.TrimSpace(existing) != "" {
			continue
		}
		_ = setenv(key, os.Expand(value, expand))
	}
}

func loadEnvFileValues(path string) map[string]string {
	out := map[string]string{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		key, value, ok := parseEnvAssignment(line)
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func parseEnvAssignment(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
