package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var jsonFalse = []byte("false")

func isNullish(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, jsonFalse)
}

// Text decodes ORM char/text/date fields, where an empty value arrives as false.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	if isNullish(b) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("text field: %w", err)
	}
	*t = Text(s)
	return nil
}

// Number decodes numeric fields that may arrive as false.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	if isNullish(b) {
		*n = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("number field: %w", err)
	}
	*n = Number(f)
	return nil
}

// Many2One decodes a relational reference: [id, "display name"], a bare id, or false.
type Many2One struct {
	ID   int64
	Name string
}

func (m *Many2One) UnmarshalJSON(b []byte) error {
	*m = Many2One{}
	if isNullish(b) {
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err == nil {
		if len(pair) == 0 {
			return nil
		}
		if err := json.Unmarshal(pair[0], &m.ID); err != nil {
			return fmt.Errorf("many2one id: %w", err)
		}
		if len(pair) > 1 {
			var name Text
			if err := json.Unmarshal(pair[1], &name); err != nil {
				return fmt.Errorf("many2one name: %w", err)
			}
			m.Name = string(name)
		}
		return nil
	}
	if err := json.Unmarshal(b, &m.ID); err != nil {
		return fmt.Errorf("many2one: %w", err)
	}
	return nil
}

func (m Many2One) MarshalJSON() ([]byte, error) {
	if m.ID == 0 {
		return jsonFalse, nil
	}
	return json.Marshal([]any{m.ID, m.Name})
}

// decodeID accepts the shapes procedures use to return a new record: n, [n] or {"id": n}.
func decodeID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil && id > 0 {
		return id, nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err == nil && len(ids) > 0 && ids[0] > 0 {
		return ids[0], nil
	}
	var obj struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ID > 0 {
		return obj.ID, nil
	}
	return 0, schemaError("record id", fmt.Errorf("got %s", truncate(raw, 80)))
}

// procedureError detects the {"error": "..."} result some procedures return instead of raising.
func procedureError(model, method string, raw json.RawMessage) error {
	var env struct {
		Error   *Text `json:"error"`
		Success *bool `json:"success"`
	}
	if json.Unmarshal(raw, &env) != nil || env.Error == nil || *env.Error == "" {
		return nil
	}
	return &DomainError{Model: model, Method: method, Name: "ProcedureError", Message: string(*env.Error)}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
