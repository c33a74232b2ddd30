package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type wsSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("ws_frame", wsFrameSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.envelope = envelope

		payloads := map[string]string{
			FrameChannelMessage: wsChannelMessageSchema,
			FrameAdminReset:     wsAdminResetSchema,
			FrameAdminShutdown:  wsAdminShutdownSchema,
		}
		wsSchemas.payloads = make(map[string]*jsonschema.Schema, len(payloads))
		for name, schema := range payloads {
			compiled, err := jsonschema.CompileString("ws_payload_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.payloads[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// decodeFrame parses and validates one inbound frame. Unknown types pass the
// envelope check but fail later dispatch; known types get payload validation
// here so handlers see well-formed input.
func decodeFrame(raw []byte) (*Frame, error) {
	if err := initWSSchemas(); err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("frame is not valid JSON: %w", err)
	}
	if err := wsSchemas.envelope.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	if schema := wsSchemas.payloads[frame.Type]; schema != nil {
		var payload any
		if len(frame.Payload) == 0 {
			payload = map[string]any{}
		} else if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, err
		}
		if err := schema.Validate(payload); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", frame.Type, err)
		}
	}
	return &frame, nil
}

const wsFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "payload": {}
  },
  "additionalProperties": false
}`

const wsChannelMessageSchema = `{
  "type": "object",
  "required": ["senderId", "text"],
  "properties": {
    "channel": { "type": "string" },
    "senderId": { "type": "string", "minLength": 1 },
    "senderName": { "type": "string" },
    "text": { "type": "string", "minLength": 1 },
    "isGroup": { "type": "boolean" },
    "groupId": { "type": "string" }
  },
  "additionalProperties": false
}`

const wsAdminResetSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const wsAdminShutdownSchema = `{
  "type": "object",
  "additionalProperties": false
}`
