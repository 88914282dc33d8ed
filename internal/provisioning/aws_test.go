package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"cislave/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// stubEC2 implements ec2API; methods not overridden panic via the nil embed
type stubEC2 struct {
	ec2API

	instances   []types.Instance
	snapshot    types.Snapshot
	images      []types.Image
	volumes     []types.Volume
	describeErr error

	runInput      *ec2.RunInstancesInput
	snapshotInput *ec2.CreateSnapshotInput
	registerInput *ec2.RegisterImageInput
	registerCalls int
}

func (s *stubEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if s.describeErr != nil {
		return nil, s.describeErr
	}
	if len(s.instances) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: s.instances}}}, nil
}

func (s *stubEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	s.runInput = in
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-0123")}}}, nil
}

func (s *stubEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: s.images}, nil
}

func (s *stubEC2) RegisterImage(ctx context.Context, in *ec2.RegisterImageInput, _ ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error) {
	s.registerCalls++
	s.registerInput = in
	s.images = append(s.images, types.Image{ImageId: aws.String("ami-new"), Name: in.Name})
	return &ec2.RegisterImageOutput{ImageId: aws.String("ami-new")}, nil
}

func (s *stubEC2) DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	return &ec2.DescribeSnapshotsOutput{Snapshots: []types.Snapshot{s.snapshot}}, nil
}

func (s *stubEC2) CreateSnapshot(ctx context.Context, in *ec2.CreateSnapshotInput, _ ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	s.snapshotInput = in
	return &ec2.CreateSnapshotOutput{SnapshotId: aws.String("snap-1")}, nil
}

func (s *stubEC2) DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{Volumes: s.volumes}, nil
}

func TestEC2Status(t *testing.T) {
	tests := []struct {
		state types.InstanceStateName
		want  string
	}{
		{types.InstanceStateNamePending, StatusProvisioning},
		{types.InstanceStateNameRunning, StatusRunning},
		{types.InstanceStateNameStopping, StatusStopping},
		{types.InstanceStateNameStopped, StatusTerminated},
		{types.InstanceStateNameTerminated, "TERMINATED"},
	}
	for _, tt := range tests {
		if got := ec2Status(tt.state); got != tt.want {
			t.Errorf("ec2Status(%v) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestEC2CreateInstanceKeepsRootVolume(t *testing.T) {
	api := &stubEC2{images: []types.Image{{ImageId: aws.String("ami-base"), RootDeviceName: aws.String("/dev/xvda")}}}
	client := newEC2Client(api, config.EC2Config{SubnetID: "subnet-1"})

	op, err := client.CreateInstance(context.Background(), InstanceSpec{
		Name:        "centos7-1",
		Zone:        "us-east-1a",
		MachineType: "t3.small",
		SourceImage: "ami-base",
		DiskSizeGB:  10,
		Username:    "jenkins",
		PublicKey:   "ssh-rsa AAAA",
	})
	if err != nil {
		t.Fatalf("CreateInstance() unexpected error: %v", err)
	}
	if op.Name != "i-0123" || op.Kind != OpInsert || op.Done() {
		t.Errorf("unexpected operation %+v", op)
	}

	in := api.runInput
	if len(in.BlockDeviceMappings) != 1 {
		t.Fatalf("Expected one block device mapping, got %d", len(in.BlockDeviceMappings))
	}
	bdm := in.BlockDeviceMappings[0]
	if aws.ToString(bdm.DeviceName) != "/dev/xvda" {
		t.Errorf("Expected root device /dev/xvda, got %s", aws.ToString(bdm.DeviceName))
	}
	if aws.ToBool(bdm.Ebs.DeleteOnTermination) {
		t.Error("Expected root volume to survive termination")
	}
	if len(in.TagSpecifications) != 2 {
		t.Errorf("Expected instance and volume tags, got %d specs", len(in.TagSpecifications))
	}
	if aws.ToString(in.SubnetId) != "subnet-1" {
		t.Errorf("Expected subnet-1, got %s", aws.ToString(in.SubnetId))
	}
}

func TestEC2GetInstanceNotFound(t *testing.T) {
	client := newEC2Client(&stubEC2{}, config.EC2Config{})
	_, err := client.GetInstance(context.Background(), "acct", "us-east-1a", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEC2GetOperation(t *testing.T) {
	tests := []struct {
		name      string
		kind      OperationKind
		state     types.InstanceStateName
		wantDone  bool
		wantError bool
	}{
		{"insert pending", OpInsert, types.InstanceStateNamePending, false, false},
		{"insert running", OpInsert, types.InstanceStateNameRunning, true, false},
		{"insert terminated", OpInsert, types.InstanceStateNameTerminated, true, true},
		{"stop stopping", OpStop, types.InstanceStateNameStopping, false, false},
		{"stop stopped", OpStop, types.InstanceStateNameStopped, true, false},
		{"delete terminated", OpDelete, types.InstanceStateNameTerminated, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &stubEC2{instances: []types.Instance{{
				InstanceId: aws.String("i-0123"),
				State:      &types.InstanceState{Name: tt.state},
			}}}
			client := newEC2Client(api, config.EC2Config{})

			op, err := client.GetOperation(context.Background(), &Operation{Name: "i-0123", Kind: tt.kind, Target: "centos7-1"})
			if err != nil {
				t.Fatalf("GetOperation() unexpected error: %v", err)
			}
			if op.Done() != tt.wantDone {
				t.Errorf("Done() = %v, want %v", op.Done(), tt.wantDone)
			}
			if (op.Error != "") != tt.wantError {
				t.Errorf("Error = %q, wantError %v", op.Error, tt.wantError)
			}
		})
	}
}

func TestEC2DeleteOperationDoneWhenInstanceGone(t *testing.T) {
	api := &stubEC2{describeErr: &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "gone"}}
	client := newEC2Client(api, config.EC2Config{})

	op, err := client.GetOperation(context.Background(), &Operation{Name: "i-0123", Kind: OpDelete})
	if err != nil {
		t.Fatalf("GetOperation() unexpected error: %v", err)
	}
	if !op.Succeeded() {
		t.Errorf("Expected delete to be done, got %+v", op)
	}
}

func TestEC2ImageOperationRegistersOnce(t *testing.T) {
	api := &stubEC2{snapshot: types.Snapshot{
		SnapshotId: aws.String("snap-1"),
		State:      types.SnapshotStatePending,
	}}
	client := newEC2Client(api, config.EC2Config{})
	ctx := context.Background()
	op := &Operation{Name: "snap-1", Kind: OpImage, Target: "ci-slave-centos7-1"}

	latest, err := client.GetOperation(ctx, op)
	if err != nil {
		t.Fatalf("GetOperation() unexpected error: %v", err)
	}
	if latest.Done() {
		t.Error("Expected pending snapshot to keep the operation running")
	}

	api.snapshot.State = types.SnapshotStateCompleted
	for i := 0; i < 2; i++ {
		latest, err = client.GetOperation(ctx, op)
		if err != nil {
			t.Fatalf("GetOperation() unexpected error: %v", err)
		}
		if !latest.Succeeded() || latest.Target != "ami-new" {
			t.Errorf("Expected registered image, got %+v", latest)
		}
	}
	if api.registerCalls != 1 {
		t.Errorf("Expected one RegisterImage call, got %d", api.registerCalls)
	}
}

func TestEC2CreateImageMissingVolume(t *testing.T) {
	client := newEC2Client(&stubEC2{}, config.EC2Config{})
	_, err := client.CreateImage(context.Background(), "acct", ImageSpec{Name: "img", SourceDisk: "centos7-1"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEC2ListImagesDeprecation(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	api := &stubEC2{images: []types.Image{
		{Name: aws.String("centos-7-a"), ImageId: aws.String("ami-a"), State: types.ImageStateAvailable},
		{Name: aws.String("centos-7-b"), ImageId: aws.String("ami-b"), State: types.ImageStateAvailable, DeprecationTime: aws.String("2024-01-01T00:00:00Z")},
		{Name: aws.String("centos-7-c"), ImageId: aws.String("ami-c"), State: types.ImageStatePending},
		{Name: aws.String("centos-7-d"), ImageId: aws.String("ami-d"), State: types.ImageStateAvailable, DeprecationTime: aws.String("2030-01-01T00:00:00Z")},
	}}
	client := newEC2Client(api, config.EC2Config{})
	client.now = func() time.Time { return now }

	page, err := client.ListImages(context.Background(), "125523088429", "centos-7", "")
	if err != nil {
		t.Fatalf("ListImages() unexpected error: %v", err)
	}
	want := []bool{false, true, true, false}
	for i, img := range page.Items {
		if img.Deprecated != want[i] {
			t.Errorf("%s: Deprecated = %v, want %v", img.Name, img.Deprecated, want[i])
		}
	}
}

func TestEC2ErrorClassification(t *testing.T) {
	err := ec2Error("DescribeVolumes", "v", &smithy.GenericAPIError{Code: "InvalidVolume.NotFound"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected *.NotFound code to classify as not found")
	}
	err = ec2Error("RunInstances", "x", &smithy.GenericAPIError{Code: "UnauthorizedOperation"})
	if errors.Is(err, ErrNotFound) {
		t.Errorf("Expected UnauthorizedOperation not to classify as not found")
	}
}

func TestEC2ImageKeepsBaseRootDevice(t *testing.T) {
	api := &stubEC2{images: []types.Image{{ImageId: aws.String("ami-base"), RootDeviceName: aws.String("/dev/xvda")}}}
	client := newEC2Client(api, config.EC2Config{})
	ctx := context.Background()

	if _, err := client.CreateInstance(ctx, InstanceSpec{Name: "centos7-1", SourceImage: "ami-base", Username: "jenkins"}); err != nil {
		t.Fatalf("CreateInstance() unexpected error: %v", err)
	}
	volumeTags := api.runInput.TagSpecifications[1].Tags
	if got := tagValue(volumeTags, rootDeviceTag); got != "/dev/xvda" {
		t.Fatalf("Expected the volume to record /dev/xvda, got %q", got)
	}

	api.volumes = []types.Volume{{VolumeId: aws.String("vol-1"), Tags: volumeTags}}
	op, err := client.CreateImage(ctx, "acct", ImageSpec{Name: "ci-slave-centos7-1", SourceDisk: "centos7-1"})
	if err != nil {
		t.Fatalf("CreateImage() unexpected error: %v", err)
	}
	snapTags := api.snapshotInput.TagSpecifications[0].Tags

	api.images = nil
	api.snapshot = types.Snapshot{SnapshotId: aws.String("snap-1"), State: types.SnapshotStateCompleted, Tags: snapTags}
	if _, err := client.GetOperation(ctx, op); err != nil {
		t.Fatalf("GetOperation() unexpected error: %v", err)
	}

	in := api.registerInput
	if in == nil {
		t.Fatal("Expected the AMI to be registered")
	}
	if aws.ToString(in.RootDeviceName) != "/dev/xvda" || aws.ToString(in.BlockDeviceMappings[0].DeviceName) != "/dev/xvda" {
		t.Errorf("Expected /dev/xvda root mapping, got %s / %s",
			aws.ToString(in.RootDeviceName), aws.ToString(in.BlockDeviceMappings[0].DeviceName))
	}
}

func TestEC2ImageDefaultsRootDeviceWithoutTag(t *testing.T) {
	api := &stubEC2{snapshot: types.Snapshot{SnapshotId: aws.String("snap-2"), State: types.SnapshotStateCompleted}}
	client := newEC2Client(api, config.EC2Config{})

	if _, err := client.GetOperation(context.Background(), &Operation{Name: "snap-2", Kind: OpImage, Target: "legacy"}); err != nil {
		t.Fatalf("GetOperation() unexpected error: %v", err)
	}
	if got := aws.ToString(api.registerInput.RootDeviceName); got != defaultRootDevice {
		t.Errorf("Expected %s, got %s", defaultRootDevice, got)
	}
}
