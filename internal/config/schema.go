package config

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// rootSchema is the structural contract for the configuration document.
// Cross-field rules (auth mode vs host, required credentials) live in
// Validate; the schema catches shape errors with a usable path in the
// message.
const rootSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "agent": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "model": {"type": "string"},
        "subagentModel": {"type": "string"},
        "maxIterations": {"type": "integer", "minimum": 1, "maximum": 100},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "providers": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "apiKey": {"type": "string"},
              "baseUrl": {"type": "string"},
              "apiShape": {"enum": ["openai-chat", "anthropic-messages", "custom-noauth"]},
              "priority": {"type": "integer"},
              "models": {"type": "array", "items": {"type": "string"}},
              "contextWindow": {"type": "integer", "minimum": 0},
              "supportsStreaming": {"type": "boolean"},
              "supportsTools": {"type": "boolean"}
            }
          }
        }
      }
    },
    "gateway": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "auth": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "mode": {"enum": ["none", "token", "password"]},
            "token": {"type": "string"},
            "password": {"type": "string"}
          }
        }
      }
    },
    "channels": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "telegram": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "botToken": {"type": "string"},
            "groupActivation": {"enum": ["mention", "always"]},
            "groupSessions": {"enum": ["shared", "per-sender"]}
          }
        },
        "cli": {
          "type": "object",
          "additionalProperties": false,
          "properties": {"enabled": {"type": "boolean"}}
        }
      }
    },
    "tools": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "timeout": {"type": "string"},
        "shell": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "block": {"type": "array", "items": {"type": "string"}},
            "timeout": {"type": "string"}
          }
        },
        "file": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "allowedPaths": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "workspace": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"root": {"type": "string"}}
    },
    "memory": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "summaryThresholdPercent": {"type": "integer", "minimum": 1, "maximum": 100},
        "recentWindow": {"type": "integer", "minimum": 1, "maximum": 100},
        "summaryTokenBudget": {"type": "integer", "minimum": 100}
      }
    },
    "sessions": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "idleTTL": {"type": "string"},
        "driver": {"enum": ["memory", "sqlite"]},
        "path": {"type": "string"}
      }
    },
    "cron": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string"},
          "schedule": {"type": "string"},
          "message": {"type": "string"}
        }
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "format": {"enum": ["json", "text"]}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"endpoint": {"type": "string"}}
    }
  }
}`

var schemaOnce struct {
	sync.Once
	schema *jsonschema.Schema
	err    error
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaOnce.schema, schemaOnce.err = jsonschema.CompileString("talon_config", rootSchema)
	})
	return schemaOnce.schema, schemaOnce.err
}

// validateSchema checks the raw document against the config schema. The map
// is round-tripped through encoding/json so YAML scalar types normalize to
// what the validator expects.
func validateSchema(raw map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
