package chart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"chart-pipeline/pkg/helm"
)

// Dependency is one entry of a chart's dependencies list.
type Dependency struct {
	Name       string `json:"name" yaml:"name"`
	Version    string `json:"version" yaml:"version"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Maintainer describes a chart maintainer.
type Maintainer struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// Descriptor is the content of a chart's Chart.yaml.
type Descriptor struct {
	APIVersion   string       `json:"apiVersion" yaml:"apiVersion"`
	Name         string       `json:"name" yaml:"name"`
	Version      string       `json:"version" yaml:"version"` // free-form; chartpress writes e.g. 0.2.0-n645.h06139f0
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	KubeVersion  string       `json:"kubeVersion,omitempty" yaml:"kubeVersion,omitempty"`
	Keywords     []string     `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Home         string       `json:"home,omitempty" yaml:"home,omitempty"`
	Sources      []string     `json:"sources,omitempty" yaml:"sources,omitempty"`
	Icon         string       `json:"icon,omitempty" yaml:"icon,omitempty"`
	Maintainers  []Maintainer `json:"maintainers,omitempty" yaml:"maintainers,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// LoadDescriptor reads Chart.yaml from chartDir.
func LoadDescriptor(chartDir string) (*Descriptor, error) {
	filePath := filepath.Join(chartDir, "Chart.yaml")
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart descriptor %s: %w", filePath, err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chart descriptor from %s: %w", filePath, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chart descriptor %s: %w", filePath, err)
	}
	return &d, nil
}

// Validate checks the fields every chart must carry.
func (d *Descriptor) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	for i, dep := range d.Dependencies {
		if dep.Name == "" {
			errs = append(errs, fmt.Errorf("dependencies[%d]: name is required", i))
		}
		if dep.Version == "" {
			errs = append(errs, fmt.Errorf("dependencies[%d] %s: version is required", i, dep.Name))
		}
	}
	return errors.Join(errs...)
}

// RepoDefinitions converts the dependencies into chart definitions whose
// repositories Helm has to know before the dependencies can be fetched.
func (d *Descriptor) RepoDefinitions() []helm.ChartDefinition {
	defs := make([]helm.ChartDefinition, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		defs = append(defs, helm.ChartDefinition{
			Name:    dep.Name,
			Chart:   dep.Name,
			Version: dep.Version,
			RepoURL: dep.Repository,
		})
	}
	return defs
}
