package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	// Round-trip through JSON so numbers reach the validator as float64.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode %s config: %w", name, err)
	}
	var payload any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return fmt.Errorf("decode %s config: %w", name, err)
	}
	resourceID := "inmemory://" + strings.ReplaceAll(name, " ", "-")
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add %s schema: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}
