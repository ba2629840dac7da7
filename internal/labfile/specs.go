package labfile

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nbworkflows/labflow/pkg/model"
)

// RuntimesFile is the parsed runtimes.yaml: runtime specs keyed by name.
type RuntimesFile struct {
	Runtimes map[string]model.RuntimeSpec `yaml:"runtimes"`
}

// Get returns the named runtime spec.
func (f *RuntimesFile) Get(name string) (model.RuntimeSpec, bool) {
	spec, ok := f.Runtimes[name]
	return spec, ok
}

// ParseRuntimes decodes runtimes.yaml, filling each spec's name from its
// map key.
func ParseRuntimes(data []byte) (*RuntimesFile, error) {
	var f RuntimesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse runtimes: %w", err)
	}
	for name, spec := range f.Runtimes {
		if spec.Name == "" {
			spec.Name = name
			f.Runtimes[name] = spec
		}
	}
	return &f, nil
}

// LoadRuntimes reads and parses runtimes.yaml from disk.
func LoadRuntimes(path string) (*RuntimesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseRuntimes(data)
}

// ClustersFile is the parsed clusters.yaml: the machine inventory
// reference, the default cluster, and the per-cluster specs.
type ClustersFile struct {
	Inventory      string                       `yaml:"inventory"`
	DefaultCluster string                       `yaml:"default_cluster"`
	Clusters       map[string]model.ClusterSpec `yaml:"clusters"`
}

// List returns the cluster specs with names filled in.
func (f *ClustersFile) List() []model.ClusterSpec {
	out := make([]model.ClusterSpec, 0, len(f.Clusters))
	for _, spec := range f.Clusters {
		out = append(out, spec)
	}
	return out
}

// Get returns the named cluster spec, or nil when undefined.
func (f *ClustersFile) Get(name string) *model.ClusterSpec {
	spec, ok := f.Clusters[name]
	if !ok {
		return nil
	}
	return &spec
}

// ParseClusters decodes clusters.yaml.
func ParseClusters(data []byte) (*ClustersFile, error) {
	var f ClustersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse clusters: %w", err)
	}
	for name, spec := range f.Clusters {
		spec.Name = name
		f.Clusters[name] = spec
	}
	return &f, nil
}

// LoadClusters reads and parses clusters.yaml. The machine inventory it
// references is resolved relative to the clusters file.
func LoadClusters(path string) (*ClustersFile, *MachinesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	cf, err := ParseClusters(data)
	if err != nil {
		return nil, nil, err
	}
	if cf.Inventory == "" {
		return cf, &MachinesFile{Machines: map[string]model.Machine{}}, nil
	}
	invPath := cf.Inventory
	if !filepath.IsAbs(invPath) {
		invPath = filepath.Join(filepath.Dir(path), invPath)
	}
	mf, err := LoadMachines(invPath)
	if err != nil {
		return nil, nil, err
	}
	return cf, mf, nil
}

// MachinesFile is the machine-type inventory referenced by clusters.yaml.
type MachinesFile struct {
	Machines map[string]model.Machine `yaml:"machines"`
}

// ParseMachines decodes a machine inventory.
func ParseMachines(data []byte) (*MachinesFile, error) {
	var f MachinesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse machines: %w", err)
	}
	for name, m := range f.Machines {
		if m.Name == "" {
			m.Name = name
			f.Machines[name] = m
		}
	}
	return &f, nil
}

// LoadMachines reads and parses a machine inventory from disk.
func LoadMachines(path string) (*MachinesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseMachines(data)
}
