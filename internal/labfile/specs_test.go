package labfile

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleRuntimes = `runtimes:
  default:
    container:
      image: python:3.10-slim
      maintainer: lab@example.com
      requirements: requirements.txt
      user:
        uid: 1000
        gid: 1000
  gpu:
    container:
      image: nvidia/cuda:12.0-runtime
      requirements: requirements.gpu.txt
    gpu_support: true
    registry: registry.example.com
`

const sampleClusters = `inventory: machines.yaml
default_cluster: cpu
clusters:
  cpu:
    machine: cpu-small
    provider: local
  gpu:
    machine: gpu-small
    provider: ec2
    location: us-east-1a
    policy:
      min_nodes: 0
      max_nodes: 3
      strategies:
        - name: items
          queue: gpu.default
          items_gt: 5
          increase_by: 1
        - name: idle
          idle_time_gt: 10
`

const sampleMachines = `machines:
  cpu-small:
    provider: local
    size: small
    image: debian-12
  gpu-small:
    provider: ec2
    location: us-east-1
    size: g4dn.xlarge
    image: ami-0abc
    gpu: true
`

func TestParseRuntimes(t *testing.T) {
	rf, err := ParseRuntimes([]byte(sampleRuntimes))
	if err != nil {
		t.Fatalf("ParseRuntimes: %v", err)
	}
	def, ok := rf.Get("default")
	if !ok || def.Name != "default" || def.Container.Image != "python:3.10-slim" {
		t.Errorf("default = %+v", def)
	}
	if def.Container.User.UID != 1000 {
		t.Errorf("uid = %d", def.Container.User.UID)
	}
	gpu, _ := rf.Get("gpu")
	if !gpu.GPUSupport || gpu.Registry != "registry.example.com" {
		t.Errorf("gpu = %+v", gpu)
	}
}

func TestParseClusters(t *testing.T) {
	cf, err := ParseClusters([]byte(sampleClusters))
	if err != nil {
		t.Fatalf("ParseClusters: %v", err)
	}
	if cf.DefaultCluster != "cpu" || cf.Inventory != "machines.yaml" {
		t.Errorf("header = %+v", cf)
	}
	gpu := cf.Clusters["gpu"]
	if gpu.Name != "gpu" || gpu.Machine != "gpu-small" || gpu.Provider != "ec2" {
		t.Errorf("gpu = %+v", gpu)
	}
	if gpu.Policy.MaxNodes != 3 || len(gpu.Policy.Strategies) != 2 {
		t.Errorf("policy = %+v", gpu.Policy)
	}
	if gpu.Policy.Strategies[0].Name != "items" || gpu.Policy.Strategies[0].Queue != "gpu.default" {
		t.Errorf("strategy = %+v", gpu.Policy.Strategies[0])
	}
}

func TestLoadClustersResolvesInventory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "clusters.yaml"), []byte(sampleClusters), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "machines.yaml"), []byte(sampleMachines), 0o644); err != nil {
		t.Fatal(err)
	}

	cf, mf, err := LoadClusters(filepath.Join(dir, "clusters.yaml"))
	if err != nil {
		t.Fatalf("LoadClusters: %v", err)
	}
	if len(cf.Clusters) != 2 {
		t.Errorf("clusters = %d", len(cf.Clusters))
	}
	m, ok := mf.Machines["gpu-small"]
	if !ok || m.Name != "gpu-small" || !m.GPU || m.Size != "g4dn.xlarge" {
		t.Errorf("machine = %+v", m)
	}
}
