package model

import (
	"fmt"
	"time"
)

// ContainerSpec describes how a runtime image is assembled.
type ContainerSpec struct {
	Image         string   `json:"image" yaml:"image"`
	Maintainer    string   `json:"maintainer,omitempty" yaml:"maintainer,omitempty"`
	BuildPackages string   `json:"build_packages,omitempty" yaml:"build_packages,omitempty"`
	FinalPackages string   `json:"final_packages,omitempty" yaml:"final_packages,omitempty"`
	Requirements  string   `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	BaseTemplate  string   `json:"base_template,omitempty" yaml:"base_template,omitempty"`
	User          SpecUser `json:"user,omitempty" yaml:"user,omitempty"`
	// GPU, when set, layers CUDA support on top of the base image.
	GPU map[string]any `json:"gpu,omitempty" yaml:"gpu,omitempty"`
}

// SpecUser is the uid/gid the container runs as.
type SpecUser struct {
	UID int `json:"uid,omitempty" yaml:"uid,omitempty"`
	GID int `json:"gid,omitempty" yaml:"gid,omitempty"`
}

// RuntimeSpec is the declarative description of a runtime in runtimes.yaml.
type RuntimeSpec struct {
	Name        string        `json:"name" yaml:"name"`
	Container   ContainerSpec `json:"container" yaml:"container"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	GPUSupport  bool          `json:"gpu_support,omitempty" yaml:"gpu_support,omitempty"`
	Registry    string        `json:"registry,omitempty" yaml:"registry,omitempty"`
}

// Runtime is a built container image version usable by workflows.
// RuntimeID is the composite "<project>/<name>/<version>" and is unique.
type Runtime struct {
	RuntimeID  string      `json:"runtimeid"`
	ProjectID  string      `json:"projectid"`
	Name       string      `json:"runtime_name"`
	DockerName string      `json:"docker_name"`
	Spec       RuntimeSpec `json:"spec"`
	Version    string      `json:"version"`
	Registry   string      `json:"registry,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RuntimeID builds the composite runtime identifier.
func RuntimeID(projectID, name, version string) string {
	return fmt.Sprintf("%s/%s/%s", projectID, name, version)
}

// ImageRef is the fully-qualified image reference for this runtime,
// prefixed with the registry when one is configured.
func (r *Runtime) ImageRef() string {
	ref := fmt.Sprintf("%s:%s", r.DockerName, r.Version)
	if r.Registry != "" {
		ref = r.Registry + "/" + ref
	}
	return ref
}
