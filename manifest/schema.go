package manifest

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/*.json
var schemaFS embed.FS

// SchemaValidator validates manifests against the embedded JSON Schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles the embedded manifest schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	data, err := schemaFS.ReadFile("schema/agent-manifest.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded schema: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate implements Validator.
func (v *SchemaValidator) Validate(_ context.Context, m *AgentManifest) (*ValidationReport, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	report := &ValidationReport{Valid: true}
	if result.Valid() {
		report.add("schema", true, "manifest conforms to schema")
		return report, nil
	}
	for _, re := range result.Errors() {
		report.add("schema", false, "%s: %s", re.Context().String(), re.Description())
	}
	return report, nil
}

// NewDefaultValidator chains the schema and structural validators.
func NewDefaultValidator() (Validator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return Chain(sv, NewStructuralValidator()), nil
}
