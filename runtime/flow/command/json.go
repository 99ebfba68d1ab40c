package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire form of a command. The payload is kept as raw JSON
// until the type tag has been inspected.
type envelope struct {
	ID         string          `json:"id"`
	DataflowID string          `json:"dataflow_id"`
	Seq        int64           `json:"seq"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	AppliedAt  *time.Time      `json:"applied_at,omitempty"`
}

// payloadFactories maps each known command type to its payload constructor.
// Decoding rejects types outside this table.
var payloadFactories = map[Type]func() Payload{
	TypeCreateNode:       func() Payload { return &CreateNode{} },
	TypeUpdateNodeStatus: func() Payload { return &UpdateNodeStatus{} },
	TypeCreateData:       func() Payload { return &CreateData{} },
	TypeCompleteNode:     func() Payload { return &CompleteNode{} },
	TypeFailNode:         func() Payload { return &FailNode{} },
}

// MarshalJSON implements json.Marshaler using the envelope form.
func (c *Command) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", c.Type, err)
	}
	env := envelope{
		ID:         c.ID,
		DataflowID: c.DataflowID,
		Seq:        c.Seq,
		Type:       c.Type,
		Payload:    payload,
	}
	if !c.AppliedAt.IsZero() {
		at := c.AppliedAt
		env.AppliedAt = &at
	}
	return json.Marshal(env)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown command types are
// rejected so malformed logs fail loudly instead of being silently skipped.
func (c *Command) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return fmt.Errorf("unknown command type %q", env.Type)
	}
	payload := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	c.ID = env.ID
	c.DataflowID = env.DataflowID
	c.Seq = env.Seq
	c.Type = env.Type
	c.Payload = deref(payload)
	if env.AppliedAt != nil {
		c.AppliedAt = *env.AppliedAt
	} else {
		c.AppliedAt = time.Time{}
	}
	return nil
}

// deref converts the pointer payloads produced by the factory table back to
// the value forms used throughout the engine.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *CreateNode:
		return *v
	case *UpdateNodeStatus:
		return *v
	case *CreateData:
		return *v
	case *CompleteNode:
		return *v
	case *FailNode:
		return *v
	}
	return p
}
