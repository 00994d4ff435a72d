package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJobSchemasValidate(t *testing.T) {
	reg, err := NewJobRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	created, _ := json.Marshal(JobCreated{JobID: "job-1", Provider: "openai", CreatedAt: time.Now().UTC()})
	if err := reg.Validate(EventJobCreated, VersionV1, created); err != nil {
		t.Fatalf("job.created should validate: %v", err)
	}
}

func TestJobSchemasReject(t *testing.T) {
	reg, err := NewJobRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cases := map[string]struct {
		event   string
		payload string
	}{
		"missing job id": {EventJobCreated, `{"created_at":"2024-01-01T00:00:00Z"}`},
		"extra field":    {EventJobCreated, `{"job_id":"a","created_at":"2024-01-01T00:00:00Z","x":1}`},
		"bad timestamp":  {EventJobCreated, `{"job_id":"a","created_at":7}`},
		"not an object":  {EventJobCreated, `"job-1"`},
	}
	for name, tc := range cases {
		if err := reg.Validate(tc.event, VersionV1, []byte(tc.payload)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := reg.Validate("job.unknown", VersionV1, []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unregistered event")
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{EventID: "e1", EventType: EventJobCreated, PayloadVersion: VersionV1, Data: json.RawMessage(`{}`)}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be defaulted")
	}
	env.Attempt = -1
	if err := env.ValidateBasic(); err == nil {
		t.Fatalf("expected negative attempt to fail")
	}
	if _, err := UnmarshalEnvelope([]byte(`{"event_id":"x"}`)); err == nil {
		t.Fatalf("expected incomplete envelope to fail")
	}
}
