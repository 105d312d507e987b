package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/keybridge/errors"
)

//go:embed schema.json
var schemaJSON []byte

// Schema returns the JSON schema configuration documents are checked against.
func Schema() []byte {
	return schemaJSON
}

// ValidateSchema checks a configuration document against the embedded schema.
// doc may be raw JSON bytes, a generic map or a *Config.
func ValidateSchema(doc any) error {
	var data []byte
	switch d := doc.(type) {
	case []byte:
		data = d
	case json.RawMessage:
		data = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "ValidateSchema", "encode document")
		}
		data = b
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "ValidateSchema", "run schema")
	}
	if result.Valid() {
		return nil
	}

	var msg strings.Builder
	msg.WriteString("schema validation failed:")
	for _, desc := range result.Errors() {
		fmt.Fprintf(&msg, "\n  - %s: %s", desc.Field(), desc.Description())
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg.String()),
		"Config", "ValidateSchema", "check document")
}
