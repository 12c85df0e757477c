// Package schema turns the chart's YAML values schema into the
// values.schema.json Helm validates against.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"
)

// Convert turns a YAML schema document into indented JSON with sorted keys
// and a trailing newline. The result must compile as a JSON schema.
func Convert(source []byte) ([]byte, error) {
	raw, err := yaml.YAMLToJSON(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema source: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("schema source is empty")
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to format schema: %w", err)
	}
	out.WriteByte('\n')

	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(out.Bytes())); err != nil {
		return nil, fmt.Errorf("generated schema does not compile: %w", err)
	}
	return out.Bytes(), nil
}

// Generate converts the schema at sourcePath and writes it to outputPath.
func Generate(sourcePath, outputPath string) error {
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to read schema source %s: %w", sourcePath, err)
	}
	doc, err := Convert(source)
	if err != nil {
		return fmt.Errorf("%s: %w", sourcePath, err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create schema output dir: %w", err)
	}
	if err := os.WriteFile(outputPath, doc, 0o644); err != nil {
		return fmt.Errorf("failed to write schema %s: %w", outputPath, err)
	}
	return nil
}

// ValidationError lists every violation of a values document.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "values do not match schema: " + strings.Join(e.Violations, "; ")
}

// ValidateValues checks values against the JSON schema at schemaPath.
func ValidateValues(schemaPath string, values map[string]interface{}) error {
	doc, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", schemaPath, err)
	}
	if values == nil {
		values = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(doc), gojsonschema.NewGoLoader(values))
	if err != nil {
		return fmt.Errorf("failed to validate values against %s: %w", schemaPath, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		verr.Violations = append(verr.Violations, desc.String())
	}
	return verr
}
