package alertdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// jsonField binds a wire name to a field of Alert.
// get returns the Go value to encode. set decodes a raw value into the field,
// and is nil for fields that are emitted but ignored on input.
type jsonField struct {
	name string
	get  func(a *Alert) any
	set  func(a *Alert, raw json.RawMessage) error
}

// Wire order is the order of this table
var alertFields = []jsonField{
	{"id", func(a *Alert) any { return a.ID }, nil},
	{"camera_id", func(a *Alert) any { return a.CameraID }, func(a *Alert, raw json.RawMessage) (err error) {
		a.CameraID, err = decodeLooseInt32(raw)
		return
	}},
	{"timestamp", func(a *Alert) any { return a.Timestamp }, func(a *Alert, raw json.RawMessage) (err error) {
		a.Timestamp, err = decodeLooseString(raw)
		return
	}},
	{"event_type", func(a *Alert) any { return a.EventType }, func(a *Alert, raw json.RawMessage) (err error) {
		a.EventType, err = decodeLooseString(raw)
		return
	}},
	{"details", func(a *Alert) any { return a.Details }, func(a *Alert, raw json.RawMessage) (err error) {
		a.Details, err = decodeLooseString(raw)
		return
	}},
	{"clip_path", func(a *Alert) any { return a.ClipPath }, func(a *Alert, raw json.RawMessage) (err error) {
		a.ClipPath, err = decodeLooseString(raw)
		return
	}},
}

// MarshalJSON emits every field, with null for absent values
func (a Alert) MarshalJSON() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for i, f := range alertFields {
		if i != 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(f.name)
		buf.Write(name)
		buf.WriteByte(':')
		v, err := json.Marshal(f.get(&a))
		if err != nil {
			return nil, fmt.Errorf("Failed to encode %v: %w", f.name, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the writable fields of the table.
// Unknown fields are ignored and missing fields are left untouched.
// Scalars are coerced where the meaning is unambiguous: "7" is a valid camera_id,
// and 5 is a valid event_type. Objects, arrays and non-integral camera ids are errors.
func (a *Alert) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, f := range alertFields {
		v, ok := raw[f.name]
		if !ok || f.set == nil {
			continue
		}
		if err := f.set(a, v); err != nil {
			return fmt.Errorf("Invalid value for %v: %w", f.name, err)
		}
	}
	return nil
}

func decodeScalar(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeLooseInt32 accepts a JSON integer or a string holding one.
// null and the empty string decode to nil.
func decodeLooseInt32(raw json.RawMessage) (*int32, error) {
	v, err := decodeScalar(raw)
	if err != nil {
		return nil, err
	}
	var s string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		s = string(t)
	case string:
		s = strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("expected an integer, but got %v", string(raw))
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%q is not a 32-bit integer", s)
	}
	n32 := int32(n)
	return &n32, nil
}

// decodeLooseString accepts a string, a number or a boolean. null decodes to nil.
func decodeLooseString(raw json.RawMessage) (*string, error) {
	v, err := decodeScalar(raw)
	if err != nil {
		return nil, err
	}
	var s string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = t
	case json.Number:
		s = string(t)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil, fmt.Errorf("expected a string, but got %v", string(raw))
	}
	return &s, nil
}
