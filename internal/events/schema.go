package events

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type envelopeSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
}

var envelopeSchemas envelopeSchemaRegistry

func initEnvelopeSchema() error {
	envelopeSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			envelopeSchemas.initErr = err
			return
		}
		envelopeSchemas.envelope = compiled
	})
	return envelopeSchemas.initErr
}

// ValidateEnvelope checks a raw inbound payload against the envelope schema.
// It validates shape only; decoding into typed events happens afterwards.
func ValidateEnvelope(raw []byte) error {
	if err := initEnvelopeSchema(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return envelopeSchemas.envelope.Validate(payload)
}

const envelopeSchema = `{
  "type": "object",
  "required": ["sourceEventId", "sourceSequence", "sourceOccurredAt", "runId", "event"],
  "properties": {
    "sourceEventId": { "type": "string", "minLength": 1 },
    "sourceSequence": { "type": "integer", "minimum": 0 },
    "sourceOccurredAt": { "type": "string", "format": "date-time" },
    "runId": { "type": "string", "minLength": 1 },
    "ingestedAt": { "type": "string" },
    "event": {
      "type": "object",
      "required": ["type", "agentId"],
      "properties": {
        "type": {
          "type": "string",
          "enum": [
            "status", "decision", "artifact", "coherence", "tool_call",
            "completion", "error", "delegation", "guardrail", "lifecycle",
            "progress", "raw_provider"
          ]
        },
        "agentId": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`
