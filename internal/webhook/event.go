package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Event is the envelope the remote posts for every webhook delivery.
type Event struct {
	EventName      string          `json:"event_name"`
	UserID         flexString      `json:"user_id"`
	Version        flexString      `json:"version"`
	TriggeredAt    string          `json:"triggered_at"`
	Initiator      Initiator       `json:"initiator"`
	EventData      json.RawMessage `json:"event_data"`
	EventDataExtra json.RawMessage `json:"event_data_extra,omitempty"`
}

type Initiator struct {
	ID       flexString `json:"id"`
	Email    string     `json:"email"`
	FullName string     `json:"full_name"`
}

func (i Initiator) String() string {
	switch {
	case strings.TrimSpace(i.Email) != "":
		return strings.TrimSpace(i.Email)
	case strings.TrimSpace(i.FullName) != "":
		return strings.TrimSpace(i.FullName)
	default:
		return string(i.ID)
	}
}

// Family and action split "item:completed" into "item" and "completed".
func (e Event) Family() string {
	family, _, _ := strings.Cut(e.EventName, ":")
	return family
}

func (e Event) Action() string {
	_, action, _ := strings.Cut(e.EventName, ":")
	return action
}

// flexString accepts both JSON strings and numbers; the remote has sent ids
// in both shapes across API versions.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

const eventSchemaURL = "https://tasksync.local/schemas/todoist-webhook-event.json"

const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_name", "event_data"],
	"properties": {
		"event_name": {"type": "string", "pattern": "^[a-z_]+:[a-z_]+$"},
		"user_id": {"type": ["string", "integer"]},
		"version": {"type": ["string", "integer"]},
		"triggered_at": {"type": "string"},
		"initiator": {"type": "object"},
		"event_data": {
			"type": "object",
			"required": ["id"],
			"properties": {"id": {"type": "string", "minLength": 1}}
		},
		"event_data_extra": {"type": ["object", "null"]}
	}
}`

var (
	compiledSchemaOnce sync.Once
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
)

func eventSchemaValidator() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
		if err != nil {
			compiledSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
			compiledSchemaErr = err
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile(eventSchemaURL)
	})
	return compiledSchema, compiledSchemaErr
}

// ParseEvent validates body against the envelope schema and decodes it.
func ParseEvent(body []byte) (Event, error) {
	schema, err := eventSchemaValidator()
	if err != nil {
		return Event{}, fmt.Errorf("compile event schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return event, nil
}
