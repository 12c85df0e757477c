package chart

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Image is one image built for a chart.
type Image struct {
	ContextPath    string            `yaml:"contextPath,omitempty"`
	DockerfilePath string            `yaml:"dockerfilePath,omitempty"`
	ValuesPath     []string          `yaml:"-"`
	Paths          []string          `yaml:"paths,omitempty"` // extra paths whose commits change the tag
	BuildArgs      map[string]string `yaml:"buildArgs,omitempty"`
}

// UnmarshalYAML accepts valuesPath as a string or a list of strings.
func (img *Image) UnmarshalYAML(node *yaml.Node) error {
	type plain Image
	var raw struct {
		plain      `yaml:",inline"`
		ValuesPath yaml.Node `yaml:"valuesPath"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*img = Image(raw.plain)

	switch raw.ValuesPath.Kind {
	case 0:
	case yaml.ScalarNode:
		img.ValuesPath = []string{raw.ValuesPath.Value}
	case yaml.SequenceNode:
		if err := raw.ValuesPath.Decode(&img.ValuesPath); err != nil {
			return fmt.Errorf("valuesPath: %w", err)
		}
	default:
		return fmt.Errorf("valuesPath must be a string or a list, line %d", raw.ValuesPath.Line)
	}
	return nil
}

// Repo names where a published chart lives.
type Repo struct {
	Git       string `yaml:"git,omitempty"`
	Published string `yaml:"published,omitempty"`
}

// Config is the build configuration of one chart.
type Config struct {
	Name        string           `yaml:"name"`
	ImagePrefix string           `yaml:"imagePrefix,omitempty"`
	Repo        Repo             `yaml:"repo,omitempty"`
	Images      map[string]Image `yaml:"images,omitempty"`
}

// ImageName returns the full image name for the image key.
func (c *Config) ImageName(key string) string {
	return c.ImagePrefix + key
}

// ImageKeys returns the image keys in a stable order.
func (c *Config) ImageKeys() []string {
	keys := make([]string, 0, len(c.Images))
	for k := range c.Images {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildConfig is the content of a chartpress.yaml file.
type BuildConfig struct {
	Charts []Config `yaml:"charts"`
}

// LoadBuildConfig loads chart build configurations from a YAML file.
func LoadBuildConfig(filePath string) (*BuildConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart build config file %s: %w", filePath, err)
	}

	var cfg BuildConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chart build config from %s: %w", filePath, err)
	}
	return &cfg, nil
}

// Chart returns the configuration of the named chart.
func (b *BuildConfig) Chart(name string) (*Config, error) {
	for i := range b.Charts {
		if b.Charts[i].Name == name {
			return &b.Charts[i], nil
		}
	}
	return nil, fmt.Errorf("chart '%s' not found in build config", name)
}
