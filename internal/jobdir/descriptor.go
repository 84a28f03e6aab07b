package jobdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
)

var ErrNoType = errors.New("job descriptor has no type")

// Descriptor is the job.json record: a required type plus handler specific
// fields.
type Descriptor struct {
	typ    string
	fields map[string]json.RawMessage
}

// NewDescriptor builds a descriptor of the given type. Fields are marshaled
// individually; a "type" key in fields is ignored.
func NewDescriptor(typ string, fields map[string]any) (Descriptor, error) {
	if typ == "" {
		return Descriptor{}, ErrNoType
	}
	d := Descriptor{typ: typ, fields: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		if k == "type" {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return Descriptor{}, fmt.Errorf("marshaling field %s: %w", k, err)
		}
		d.fields[k] = raw
	}
	return d, nil
}

// DescriptorFrom marshals a struct (or map) and stamps typ over its fields.
func DescriptorFrom(typ string, v any) (Descriptor, error) {
	if typ == "" {
		return Descriptor{}, ErrNoType
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Descriptor{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor fields must be an object: %w", err)
	}
	delete(fields, "type")
	return Descriptor{typ: typ, fields: fields}, nil
}

func (d Descriptor) Type() string {
	return d.typ
}

// Field returns the raw JSON of a handler specific field.
func (d Descriptor) Field(name string) (json.RawMessage, bool) {
	raw, ok := d.fields[name]
	return raw, ok
}

// Decode unmarshals the whole descriptor, type included, into v.
func (d Descriptor) Decode(v any) error {
	raw, err := d.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (d Descriptor) MarshalJSON() ([]byte, error) {
	if d.typ == "" {
		return nil, ErrNoType
	}
	out := make(map[string]json.RawMessage, len(d.fields)+1)
	maps.Copy(out, d.fields)
	typ, err := json.Marshal(d.typ)
	if err != nil {
		return nil, err
	}
	out["type"] = typ
	return json.Marshal(out)
}

func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	raw, ok := fields["type"]
	if !ok {
		return ErrNoType
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil {
		return fmt.Errorf("job descriptor type: %w", err)
	}
	if typ == "" {
		return ErrNoType
	}
	delete(fields, "type")
	d.typ = typ
	d.fields = fields
	return nil
}

// LoadDescriptor reads job.json from a job directory.
func LoadDescriptor(dir string) (Descriptor, error) {
	b, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading job descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parsing job descriptor: %w", err)
	}
	return d, nil
}
