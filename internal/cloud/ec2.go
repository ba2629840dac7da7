package cloud

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/nbworkflows/labflow/pkg/model"
)

const clusterTagKey = "labflow:cluster"

// ec2API is the slice of the EC2 client the provider calls.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, opts ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, opts ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, opts ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, in *ec2.DetachVolumeInput, opts ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
}

// EC2Provider provisions agents on AWS EC2. Machines are tagged with the
// cluster so DestroyMachine can resolve names to instance ids.
type EC2Provider struct {
	client   ec2API
	deployer *sshDeployer
	logger   *slog.Logger
}

// NewEC2Provider builds the provider from the ambient AWS configuration
// (env, shared credentials, instance role).
func NewEC2Provider(ctx context.Context, region string, runner Runner, logger *slog.Logger) (*EC2Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	logger = logger.With("component", "cloud.ec2")
	return &EC2Provider{
		client:   ec2.NewFromConfig(cfg),
		deployer: &sshDeployer{runner: runner, logger: logger},
		logger:   logger,
	}, nil
}

// CreateMachine launches one instance of the requested machine type and
// waits for no state; callers poll through Deploy's retries.
func (p *EC2Provider) CreateMachine(ctx context.Context, req *model.MachineRequest) (*model.MachineInstance, error) {
	name := req.Name
	if name == "" {
		name = model.NewMachineID()
	}
	tags := []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
		{Key: aws.String(clusterTagKey), Value: aws.String(req.Cluster)},
	}
	for k, v := range req.Labels {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	in := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ImageId:      aws.String(req.Machine.Image),
		InstanceType: ec2types.InstanceType(req.Machine.Size),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if req.Machine.Network != "" {
		in.SubnetId = aws.String(req.Machine.Network)
	}

	out, err := p.client.RunInstances(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("run instance %s: %w", name, err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run instance %s: no instance returned", name)
	}
	ec2inst := out.Instances[0]
	inst := &model.MachineInstance{
		ID:      aws.ToString(ec2inst.InstanceId),
		Name:    name,
		Cluster: req.Cluster,
		Extra:   map[string]string{"instance_type": req.Machine.Size},
	}
	if ec2inst.PublicIpAddress != nil {
		inst.PublicIP = *ec2inst.PublicIpAddress
	}
	if ec2inst.PrivateIpAddress != nil {
		inst.PrivateIP = *ec2inst.PrivateIpAddress
	}
	p.logger.Info("machine created", "machine", name, "instance", inst.ID, "cluster", req.Cluster)
	return inst, nil
}

// DestroyMachine terminates the instance tagged with the given name.
// Unknown names are not an error.
func (p *EC2Provider) DestroyMachine(ctx context.Context, name string) error {
	id, err := p.resolveInstance(ctx, name)
	if err != nil {
		return err
	}
	if id == "" {
		p.logger.Warn("machine not found, skipping destroy", "machine", name)
		return nil
	}
	_, err = p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", name, err)
	}
	p.logger.Info("machine destroyed", "machine", name, "instance", id)
	return nil
}

// CreateVolume creates a gp3 EBS volume.
func (p *EC2Provider) CreateVolume(ctx context.Context, disk model.BlockStorage) (*model.BlockInstance, error) {
	kind := disk.Kind
	if kind == "" {
		kind = "gp3"
	}
	out, err := p.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(disk.Location),
		Size:             aws.Int32(int32(disk.SizeGB)),
		VolumeType:       ec2types.VolumeType(kind),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(disk.Name)},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("create volume %s: %w", disk.Name, err)
	}
	return &model.BlockInstance{
		ID:       aws.ToString(out.VolumeId),
		Name:     disk.Name,
		SizeGB:   disk.SizeGB,
		Location: disk.Location,
	}, nil
}

// DestroyVolume deletes the EBS volume by id.
func (p *EC2Provider) DestroyVolume(ctx context.Context, disk string) (bool, error) {
	if _, err := p.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(disk)}); err != nil {
		return false, fmt.Errorf("delete volume %s: %w", disk, err)
	}
	return true, nil
}

// AttachVolume attaches the volume to the instance at the next device.
func (p *EC2Provider) AttachVolume(ctx context.Context, instance, disk string) (bool, error) {
	_, err := p.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		InstanceId: aws.String(instance),
		VolumeId:   aws.String(disk),
		Device:     aws.String("/dev/sdf"),
	})
	if err != nil {
		return false, fmt.Errorf("attach volume %s to %s: %w", disk, instance, err)
	}
	return true, nil
}

// DetachVolume detaches the volume from the instance.
func (p *EC2Provider) DetachVolume(ctx context.Context, instance, disk string) (bool, error) {
	_, err := p.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		InstanceId: aws.String(instance),
		VolumeId:   aws.String(disk),
	})
	if err != nil {
		return false, fmt.Errorf("detach volume %s from %s: %w", disk, instance, err)
	}
	return true, nil
}

// Deploy installs the agent over SSH.
func (p *EC2Provider) Deploy(ctx context.Context, inst *model.MachineInstance, mctx *model.MachineContext) (string, error) {
	// A freshly launched instance may not carry its public IP in the
	// RunInstances response; refresh before connecting.
	if inst.PublicIP == "" && inst.PrivateIP == "" {
		if err := p.refreshAddresses(ctx, inst); err != nil {
			return "", err
		}
	}
	return p.deployer.deploy(ctx, inst, mctx)
}

func (p *EC2Provider) resolveInstance(ctx context.Context, name string) (string, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe instance %s: %w", name, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return aws.ToString(inst.InstanceId), nil
		}
	}
	return "", nil
}

func (p *EC2Provider) refreshAddresses(ctx context.Context, inst *model.MachineInstance) error {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{inst.ID},
	})
	if err != nil {
		return fmt.Errorf("describe instance %s: %w", inst.Name, err)
	}
	for _, res := range out.Reservations {
		for _, in := range res.Instances {
			if in.PublicIpAddress != nil {
				inst.PublicIP = *in.PublicIpAddress
			}
			if in.PrivateIpAddress != nil {
				inst.PrivateIP = *in.PrivateIpAddress
			}
		}
	}
	return nil
}
