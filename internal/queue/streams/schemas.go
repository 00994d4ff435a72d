package streams

import (
	"fmt"
	"time"
)

// Job event types.
const (
	EventJobCreated = "job.created"
	VersionV1       = "v1"
)

// JobCreated is published when a job is persisted and awaits processing.
type JobCreated struct {
	JobID     string    `json:"job_id"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Definition is a schema entry for the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventJobCreated,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "created_at"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "provider": {"type": "string"},
    "created_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBaseSchemas registers every built-in schema with reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
