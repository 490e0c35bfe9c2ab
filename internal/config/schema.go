package config

import (
	"fmt"

	"github.com/invopop/jsonschema"
	jsoniter "github.com/json-iterator/go"
)

// GenerateSchema returns the JSON schema of the configuration file.
func GenerateSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.FieldNameTag = "toml"
	schema := r.Reflect(&Config{})

	schema.ID = "https://github.com/five82/gvlauncher/config.schema.json"
	schema.Title = "gvlauncher configuration"
	schema.Description = "Configuration schema for the gst-validate test launcher"

	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
