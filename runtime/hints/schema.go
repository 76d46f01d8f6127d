package hints

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates hint values against a JSON Schema document.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles the JSON Schema document src. name identifies the
// schema in error messages.
func CompileSchema(name, src string) (*Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	loc := name + ".json"
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	s, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompileSchema is like CompileSchema but panics on error. It is meant
// for schemas embedded in the program.
func MustCompileSchema(name, src string) *Schema {
	s, err := CompileSchema(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate validates v. A nil value is validated as an empty object. Go
// values are normalized through their JSON encoding first.
func (s *Schema) Validate(v any) error {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encode hint value: %w", s.name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: decode hint value: %w", s.name, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}
