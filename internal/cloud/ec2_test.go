package cloud

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/nbworkflows/labflow/pkg/model"
)

type fakeEC2 struct {
	ec2API
	runIn      *ec2.RunInstancesInput
	terminated []string
	instances  map[string]string // tag:Name -> instance id
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runIn = in
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{
			InstanceId:       aws.String("i-0abc"),
			PrivateIpAddress: aws.String("172.31.0.7"),
		}},
	}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	out := &ec2.DescribeInstancesOutput{}
	for _, flt := range in.Filters {
		if aws.ToString(flt.Name) != "tag:Name" {
			continue
		}
		for _, name := range flt.Values {
			if id, ok := f.instances[name]; ok {
				out.Reservations = append(out.Reservations, ec2types.Reservation{
					Instances: []ec2types.Instance{{InstanceId: aws.String(id)}},
				})
			}
		}
	}
	return out, nil
}

func testEC2Provider(client ec2API) *EC2Provider {
	logger := newTestLogger()
	return &EC2Provider{
		client:   client,
		deployer: &sshDeployer{runner: &mockRunner{}, logger: logger},
		logger:   logger,
	}
}

func TestEC2CreateMachine(t *testing.T) {
	fake := &fakeEC2{}
	p := testEC2Provider(fake)

	inst, err := p.CreateMachine(context.Background(), &model.MachineRequest{
		Name:    "mch1",
		Cluster: "gpu",
		Machine: model.Machine{Image: "ami-123", Size: "g4dn.xlarge", Network: "subnet-9"},
	})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if inst.ID != "i-0abc" || inst.PrivateIP != "172.31.0.7" {
		t.Errorf("inst = %+v", inst)
	}
	if got := string(fake.runIn.InstanceType); got != "g4dn.xlarge" {
		t.Errorf("instance type = %q", got)
	}
	if aws.ToString(fake.runIn.SubnetId) != "subnet-9" {
		t.Errorf("subnet = %q", aws.ToString(fake.runIn.SubnetId))
	}
	var clusterTag string
	for _, tag := range fake.runIn.TagSpecifications[0].Tags {
		if aws.ToString(tag.Key) == clusterTagKey {
			clusterTag = aws.ToString(tag.Value)
		}
	}
	if clusterTag != "gpu" {
		t.Errorf("cluster tag = %q", clusterTag)
	}
}

func TestEC2DestroyMachineResolvesByName(t *testing.T) {
	fake := &fakeEC2{instances: map[string]string{"mch1": "i-0abc"}}
	p := testEC2Provider(fake)

	if err := p.DestroyMachine(context.Background(), "mch1"); err != nil {
		t.Fatalf("DestroyMachine: %v", err)
	}
	if len(fake.terminated) != 1 || fake.terminated[0] != "i-0abc" {
		t.Errorf("terminated = %v", fake.terminated)
	}
}

func TestEC2DestroyUnknownMachine(t *testing.T) {
	fake := &fakeEC2{instances: map[string]string{}}
	p := testEC2Provider(fake)

	if err := p.DestroyMachine(context.Background(), "ghost"); err != nil {
		t.Errorf("unknown machine should not error: %v", err)
	}
	if len(fake.terminated) != 0 {
		t.Errorf("terminated = %v", fake.terminated)
	}
}
