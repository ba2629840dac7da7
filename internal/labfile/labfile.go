// Package labfile reads and writes the client-side project files:
// labfile.yaml (the authoritative workflow state of a project),
// runtimes.yaml and clusters.yaml.
package labfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nbworkflows/labflow/pkg/model"
)

// DefaultName is the canonical labfile filename.
const DefaultName = "labfile.yaml"

// ProjectRef identifies the project a labfile belongs to.
type ProjectRef struct {
	ProjectID   string `yaml:"projectid" json:"projectid"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	RepoURL     string `yaml:"repo_url,omitempty" json:"repo_url,omitempty"`
}

// Labfile is the parsed labfile.yaml. Fields serialize in declaration
// order: version, project, workflows.
type Labfile struct {
	Version   string       `yaml:"version"`
	Project   ProjectRef   `yaml:"project"`
	Workflows *WorkflowMap `yaml:"workflows,omitempty"`
}

// NewLabfile creates an empty labfile for a project.
func NewLabfile(project ProjectRef) *Labfile {
	return &Labfile{Version: "1.0", Project: project, Workflows: NewWorkflowMap()}
}

// WorkflowMap is an alias-keyed workflow collection that preserves
// insertion order across parse/write round trips.
type WorkflowMap struct {
	keys  []string
	items map[string]model.WorkflowData
}

// NewWorkflowMap returns an empty ordered map.
func NewWorkflowMap() *WorkflowMap {
	return &WorkflowMap{items: make(map[string]model.WorkflowData)}
}

// Get returns the workflow under alias.
func (m *WorkflowMap) Get(alias string) (model.WorkflowData, bool) {
	wf, ok := m.items[alias]
	return wf, ok
}

// Set inserts or updates a workflow. An update keeps its position.
func (m *WorkflowMap) Set(alias string, wf model.WorkflowData) {
	if _, exists := m.items[alias]; !exists {
		m.keys = append(m.keys, alias)
	}
	m.items[alias] = wf
}

// Delete removes a workflow; unknown aliases are a no-op.
func (m *WorkflowMap) Delete(alias string) {
	if _, exists := m.items[alias]; !exists {
		return
	}
	delete(m.items, alias)
	for i, k := range m.keys {
		if k == alias {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Aliases returns the aliases in insertion order.
func (m *WorkflowMap) Aliases() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of workflows.
func (m *WorkflowMap) Len() int { return len(m.items) }

// MarshalYAML emits the entries as a mapping in insertion order.
func (m *WorkflowMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, alias := range m.keys {
		var key, value yaml.Node
		key.SetString(alias)
		if err := value.Encode(m.items[alias]); err != nil {
			return nil, fmt.Errorf("encode workflow %s: %w", alias, err)
		}
		node.Content = append(node.Content, &key, &value)
	}
	return node, nil
}

// UnmarshalYAML reads a mapping keeping document order.
func (m *WorkflowMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("workflows: expected a mapping, got %v", node.Kind)
	}
	m.keys = nil
	m.items = make(map[string]model.WorkflowData, len(node.Content)/2)
	for i := 0; i < len(node.Content)-1; i += 2 {
		alias := node.Content[i].Value
		var wf model.WorkflowData
		if err := node.Content[i+1].Decode(&wf); err != nil {
			return fmt.Errorf("decode workflow %s: %w", alias, err)
		}
		m.keys = append(m.keys, alias)
		m.items[alias] = wf
	}
	return nil
}

// Parse decodes a labfile document.
func Parse(data []byte) (*Labfile, error) {
	var lf Labfile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse labfile: %w", err)
	}
	if lf.Workflows == nil {
		lf.Workflows = NewWorkflowMap()
	}
	return &lf, nil
}

// Write encodes the labfile back to YAML.
func Write(lf *Labfile) ([]byte, error) {
	data, err := yaml.Marshal(lf)
	if err != nil {
		return nil, fmt.Errorf("write labfile: %w", err)
	}
	return data, nil
}

// Load reads and parses a labfile from disk.
func Load(path string) (*Labfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes the labfile to disk.
func Save(path string, lf *Labfile) error {
	data, err := Write(lf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
