package relay

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/packet.json
var packetSchemaJSON []byte

//go:embed schema/patch.json
var patchSchemaJSON []byte

// Validator checks request bodies against the embedded JSON schemas.
type Validator struct {
	packet *jsonschema.Schema
	patch  *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	packet, err := compileSchema("packet.json", packetSchemaJSON)
	if err != nil {
		return nil, err
	}
	patch, err := compileSchema("patch.json", patchSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Validator{packet: packet, patch: patch}, nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return sch, nil
}

// DecodeDraft validates body as a packet draft and decodes it.
func (v *Validator) DecodeDraft(body []byte) (Draft, error) {
	var d Draft
	if err := validate(v.packet, body); err != nil {
		return d, err
	}
	if err := json.Unmarshal(body, &d); err != nil {
		return d, fmt.Errorf("decode packet: %w", err)
	}
	return d, nil
}

// DecodePatch validates body as a packet patch and decodes it.
func (v *Validator) DecodePatch(body []byte) (Patch, error) {
	var p Patch
	if err := validate(v.patch, body); err != nil {
		return p, err
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode patch: %w", err)
	}
	return p, nil
}

func validate(sch *jsonschema.Schema, body []byte) error {
	var inst any
	if err := json.Unmarshal(body, &inst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}
