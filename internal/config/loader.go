package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, schema-checks, and defaults a configuration file.
// JSON and JSON5 files are selected by extension; everything else parses as
// YAML. `${NAME}` references resolve against the process environment; a
// reference to an unset variable is a load error naming the variable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	raw, err := parseRaw([]byte(expanded), path)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	var cfg Config
	if err := decodeRaw(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(data string) (string, error) {
	var missing []string
	out := envRefPattern.ReplaceAllStringFunc(data, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	default:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}
}

// decodeRaw re-marshals the raw map so struct tags drive field mapping for
// both formats through the yaml decoder.
func decodeRaw(raw map[string]any, cfg *Config) error {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(buf, cfg)
}

// Render serializes the configuration back to YAML. Parse(Render(cfg))
// yields a structurally identical document.
func Render(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
