package render

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Change is one field rewritten in a values file.
type Change struct {
	File string `json:"file"`
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s %q -> %q", c.File, c.Path, c.Old, c.New)
}

// ValuesFile is a values document edited in place. Comments and key order
// survive the edit.
type ValuesFile struct {
	path    string
	doc     yaml.Node
	changes []Change
}

// LoadValuesFile parses the values document at path.
func LoadValuesFile(path string) (*ValuesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read values file %s: %w", path, err)
	}
	vf := &ValuesFile{path: path}
	if err := yaml.Unmarshal(data, &vf.doc); err != nil {
		return nil, fmt.Errorf("failed to parse values file %s: %w", path, err)
	}
	if vf.doc.Kind != yaml.DocumentNode || len(vf.doc.Content) == 0 || vf.doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("values file %s is not a mapping", path)
	}
	return vf, nil
}

// Changes returns the edits made so far.
func (vf *ValuesFile) Changes() []Change {
	return append([]Change(nil), vf.changes...)
}

// SetString sets the scalar at the dotted path. Intermediate mappings must
// exist; the final key is added when missing.
func (vf *ValuesFile) SetString(dotted, value string) error {
	keys := strings.Split(dotted, ".")
	node := vf.doc.Content[0]
	for i, key := range keys[:len(keys)-1] {
		child := lookup(node, key)
		if child == nil || child.Kind != yaml.MappingNode {
			return fmt.Errorf("%s: %s is not a mapping", vf.path, strings.Join(keys[:i+1], "."))
		}
		node = child
	}

	last := keys[len(keys)-1]
	leaf := lookup(node, last)
	if leaf == nil {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: last},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
		)
		vf.changes = append(vf.changes, Change{File: vf.path, Path: dotted, New: value})
		return nil
	}
	if leaf.Kind != yaml.ScalarNode {
		return fmt.Errorf("%s: %s is not a scalar", vf.path, dotted)
	}
	if leaf.Value == value && leaf.Tag == "!!str" {
		return nil
	}
	vf.changes = append(vf.changes, Change{File: vf.path, Path: dotted, Old: leaf.Value, New: value})
	leaf.Value = value
	leaf.Tag = "!!str"
	return nil
}

// Save writes the document back when it was changed. It reports whether a
// write happened.
func (vf *ValuesFile) Save() (bool, error) {
	if len(vf.changes) == 0 {
		return false, nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&vf.doc); err != nil {
		return false, fmt.Errorf("failed to encode values file %s: %w", vf.path, err)
	}
	if err := enc.Close(); err != nil {
		return false, fmt.Errorf("failed to encode values file %s: %w", vf.path, err)
	}
	if err := os.WriteFile(vf.path, buf.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("failed to write values file %s: %w", vf.path, err)
	}
	return true, nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
