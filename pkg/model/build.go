package model

// BuildContext is the immutable input to a build task: everything the build
// dispatcher needs to turn an uploaded project bundle into a registered
// runtime version.
type BuildContext struct {
	ProjectID      string      `json:"projectid"`
	Spec           RuntimeSpec `json:"spec"`
	Version        string      `json:"version"`
	DockerfileName string      `json:"dockerfile"`
	DownloadKey    string      `json:"download_zip"`
	ImageName      string      `json:"docker_name"`
	ExecID         string      `json:"execid"`
	Registry       string      `json:"registry,omitempty"`
}

// ImageTag is "<docker_name>:<version>".
func (b *BuildContext) ImageTag() string {
	return b.ImageName + ":" + b.Version
}
