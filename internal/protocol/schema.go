package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Validator checks raw frames against the embedded JSON schemas, keyed by
// discriminator. Kinds without a schema pass.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *Validator
	defaultValidatorErr  error
)

// DefaultValidator compiles the embedded schemas once per process.
func DefaultValidator() (*Validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	return defaultValidator, defaultValidatorErr
}

func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	kinds := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		b, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, err
		}
		url := "mem://schemas/" + name
		if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		kinds[name[:len(name)-len(".schema.json")]] = url
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(kinds))}
	for kind, url := range kinds {
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		v.schemas[kind] = s
	}
	return v, nil
}

// Has reports whether a schema exists for kind.
func (v *Validator) Has(kind string) bool {
	_, ok := v.schemas[kind]
	return ok
}

func (v *Validator) Validate(kind string, raw []byte) error {
	s, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%s: %w", ErrProtoSchema, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s: %s: %w", ErrProtoSchema, kind, err)
	}
	return nil
}

// DecodeValidated validates raw against the schema for its discriminator
// before decoding it.
func (v *Validator) DecodeValidated(raw []byte) (Message, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if base.T != "" {
		if err := v.Validate(base.T, raw); err != nil {
			return nil, err
		}
	}
	return Decode(raw)
}
