// Package testchart writes a small BinderHub-like chart for tests.
package testchart

import (
	"os"
	"path/filepath"
	"testing"
)

const ChartYAML = `apiVersion: v2
name: binderhub
version: 0.2.0
description: A test chart shaped like BinderHub
kubeVersion: ">=1.14.0-0"
keywords:
  - jupyter
  - binder
home: https://binderhub.readthedocs.io
sources:
  - https://github.com/jupyterhub/binderhub
icon: https://jupyter.org/assets/hublogo.svg
maintainers:
  - name: Team
    email: team@example.org
`

const ValuesYAML = `# Default values.
image:
  name: jupyterhub/k8s-binderhub
  tag: "set-by-chartpress"  # rewritten on render
config:
  BinderHub:
    hub_url: ""
service:
  type: NodePort
  nodePort: 30901
`

const ConfigMapTemplate = `apiVersion: v1
kind: ConfigMap
metadata:
  name: {{ .Release.Name }}-config
  labels:
    app.kubernetes.io/instance: {{ .Release.Name }}
data:
  image: "{{ .Values.image.name }}:{{ .Values.image.tag }}"
  hub_url: {{ .Values.config.BinderHub.hub_url | quote }}
`

const SchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "image": {
      "type": "object",
      "required": ["name", "tag"],
      "properties": {
        "name": {"type": "string"},
        "tag": {"type": "string"}
      }
    },
    "config": {"type": "object"},
    "service": {"type": "object"}
  }
}
`

// Option adjusts the files written by Write.
type Option func(files map[string]string)

// WithDependency declares a dependency in Chart.yaml.
func WithDependency(name, version, repository string) Option {
	return func(files map[string]string) {
		files["Chart.yaml"] += "dependencies:\n" +
			"  - name: " + name + "\n" +
			"    version: " + version + "\n" +
			"    repository: " + repository + "\n"
	}
}

// WithSchema adds values.schema.json.
func WithSchema() Option {
	return func(files map[string]string) {
		files["values.schema.json"] = SchemaJSON
	}
}

// WithFile adds or replaces a file relative to the chart root.
func WithFile(name, content string) Option {
	return func(files map[string]string) {
		files[name] = content
	}
}

// Write creates the chart under dir/binderhub and returns its path.
func Write(t testing.TB, dir string, opts ...Option) string {
	t.Helper()
	files := map[string]string{
		"Chart.yaml":               ChartYAML,
		"values.yaml":              ValuesYAML,
		"templates/configmap.yaml": ConfigMapTemplate,
	}
	for _, opt := range opts {
		opt(files)
	}

	root := filepath.Join(dir, "binderhub")
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	return root
}
