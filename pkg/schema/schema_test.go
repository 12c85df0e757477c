package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sourceYAML = `$schema: http://json-schema.org/draft-07/schema#
type: object
required: [image]
properties:
  image:
    type: object
    required: [name, tag]
    properties:
      tag: {type: string}
      name: {type: string}
`

func TestConvert_Deterministic(t *testing.T) {
	out, err := Convert([]byte(sourceYAML))
	require.NoError(t, err)

	assert.Equal(t, `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "properties": {
    "image": {
      "properties": {
        "name": {
          "type": "string"
        },
        "tag": {
          "type": "string"
        }
      },
      "required": [
        "name",
        "tag"
      ],
      "type": "object"
    }
  },
  "required": [
    "image"
  ],
  "type": "object"
}
`, string(out))

	again, err := Convert([]byte(sourceYAML))
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestConvert_Rejects(t *testing.T) {
	_, err := Convert([]byte("type: [object"))
	assert.Error(t, err, "malformed yaml")

	_, err = Convert([]byte(""))
	assert.Error(t, err, "empty source")

	_, err = Convert([]byte("type: 12\n"))
	assert.Error(t, err, "type must be a string or list")
}

func TestGenerateAndValidateValues(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "schema.yaml")
	out := filepath.Join(dir, "chart", "values.schema.json")
	require.NoError(t, os.WriteFile(src, []byte(sourceYAML), 0o644))

	require.NoError(t, Generate(src, out))
	assert.FileExists(t, out)

	assert.NoError(t, ValidateValues(out, map[string]interface{}{
		"image": map[string]interface{}{"name": "binderhub", "tag": "0.2.0"},
	}))

	err := ValidateValues(out, map[string]interface{}{
		"image": map[string]interface{}{"name": "binderhub", "tag": 3},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 1)

	assert.Error(t, ValidateValues(out, nil))
}

func TestGenerate_MissingSource(t *testing.T) {
	assert.Error(t, Generate(filepath.Join(t.TempDir(), "nope.yaml"), filepath.Join(t.TempDir(), "out.json")))
}
