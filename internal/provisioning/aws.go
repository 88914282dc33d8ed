package provisioning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	appconfig "cislave/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

const ec2ImagePageSize = 500

const (
	defaultRootDevice = "/dev/sda1"
	// rootDeviceTag carries the base image's root device from the volume to
	// its snapshot, so the registered AMI maps the snapshot to the same device
	rootDeviceTag = "cislave:root-device"
)

// ec2API is the subset of *ec2.Client the adapter calls
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RegisterImage(ctx context.Context, params *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
}

// EC2Client implements Client for AWS EC2.
//
// EC2 has no operation resource, so operations are synthesised: the handle
// name is the instance (or snapshot) id and GetOperation reports DONE once
// the resource reached the state the action aims for. Instances are addressed
// by their Name tag. The root volume carries the same tag and is kept on
// termination, which lets CreateImage snapshot it after the instance is gone.
type EC2Client struct {
	api            ec2API
	securityGroups []string
	subnetID       string
	now            func() time.Time
}

// NewEC2Client creates an EC2 client from static credentials
func NewEC2Client(ctx context.Context, cfg appconfig.EC2Config) (*EC2Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newEC2Client(api, cfg), nil
}

func newEC2Client(api ec2API, cfg appconfig.EC2Config) *EC2Client {
	return &EC2Client{
		api:            api,
		securityGroups: cfg.SecurityGroups,
		subnetID:       cfg.SubnetID,
		now:            time.Now,
	}
}

// GetInstance looks an instance up by its Name tag
func (c *EC2Client) GetInstance(ctx context.Context, project, zone, name string) (*InstanceInfo, error) {
	inst, err := c.findInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	return ec2InstanceInfo(inst, name), nil
}

// CreateInstance runs a single instance from spec.SourceImage (an AMI id)
func (c *EC2Client) CreateInstance(ctx context.Context, spec InstanceSpec) (*Operation, error) {
	userData, err := GenerateCloudConfig(spec.Username, spec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	rootDevice, err := c.rootDeviceName(ctx, spec.SourceImage)
	if err != nil {
		return nil, err
	}

	nameTag := []types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}}
	volumeTags := append(nameTag, types.Tag{Key: aws.String(rootDeviceTag), Value: aws.String(rootDevice)})
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.SourceImage),
		InstanceType: types.InstanceType(spec.MachineType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		Placement:    &types.Placement{AvailabilityZone: aws.String(spec.Zone)},
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String(rootDevice),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(int32(spec.DiskSizeGB)),
					VolumeType:          types.VolumeTypeGp3,
					DeleteOnTermination: aws.Bool(false),
				},
			},
		},
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: nameTag},
			{ResourceType: types.ResourceTypeVolume, Tags: volumeTags},
		},
	}
	if len(c.securityGroups) > 0 {
		input.SecurityGroupIds = c.securityGroups
	}
	if c.subnetID != "" {
		input.SubnetId = aws.String(c.subnetID)
	}

	out, err := c.api.RunInstances(ctx, input)
	if err != nil {
		return nil, ec2Error("RunInstances", spec.Name, err)
	}
	if len(out.Instances) == 0 {
		return nil, &CallError{Op: "RunInstances", Resource: spec.Name, Err: errors.New("no instance returned")}
	}

	return &Operation{
		Name:    aws.ToString(out.Instances[0].InstanceId),
		Kind:    OpInsert,
		Scope:   ScopeZone,
		Project: spec.Project,
		Zone:    spec.Zone,
		Target:  spec.Name,
		Status:  OperationPending,
	}, nil
}

// StartInstance starts a stopped instance
func (c *EC2Client) StartInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	inst, err := c.findInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	id := aws.ToString(inst.InstanceId)
	if _, err := c.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}}); err != nil {
		return nil, ec2Error("StartInstances", name, err)
	}
	return ec2InstanceOperation(id, OpStart, project, zone, name), nil
}

// StopInstance stops a running instance
func (c *EC2Client) StopInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	inst, err := c.findInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	id := aws.ToString(inst.InstanceId)
	if _, err := c.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}); err != nil {
		return nil, ec2Error("StopInstances", name, err)
	}
	return ec2InstanceOperation(id, OpStop, project, zone, name), nil
}

// DeleteInstance terminates an instance; its root volume is kept
func (c *EC2Client) DeleteInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	inst, err := c.findInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	id := aws.ToString(inst.InstanceId)
	if _, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
		return nil, ec2Error("TerminateInstances", name, err)
	}
	return ec2InstanceOperation(id, OpDelete, project, zone, name), nil
}

// CreateImage snapshots the volume tagged spec.SourceDisk. The AMI is
// registered by GetOperation once the snapshot completes.
func (c *EC2Client) CreateImage(ctx context.Context, project string, spec ImageSpec) (*Operation, error) {
	vols, err := c.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{spec.SourceDisk}},
		},
	})
	if err != nil {
		return nil, ec2Error("DescribeVolumes", spec.SourceDisk, err)
	}
	if len(vols.Volumes) == 0 {
		return nil, notFound("DescribeVolumes", spec.SourceDisk)
	}

	vol := vols.Volumes[0]
	snapTags := []types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}}
	if device := tagValue(vol.Tags, rootDeviceTag); device != "" {
		snapTags = append(snapTags, types.Tag{Key: aws.String(rootDeviceTag), Value: aws.String(device)})
	}

	snap, err := c.api.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    vol.VolumeId,
		Description: aws.String(spec.Description),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeSnapshot, Tags: snapTags},
		},
	})
	if err != nil {
		return nil, ec2Error("CreateSnapshot", spec.Name, err)
	}

	return &Operation{
		Name:    aws.ToString(snap.SnapshotId),
		Kind:    OpImage,
		Scope:   ScopeGlobal,
		Project: project,
		Target:  spec.Name,
		Status:  OperationPending,
	}, nil
}

// GetOperation refreshes a synthesised operation
func (c *EC2Client) GetOperation(ctx context.Context, op *Operation) (*Operation, error) {
	if op.Kind == OpImage {
		return c.imageOperation(ctx, op)
	}

	latest := *op
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{op.Name}})
	if err != nil {
		err = ec2Error("DescribeInstances", op.Name, err)
		if op.Kind == OpDelete && errors.Is(err, ErrNotFound) {
			latest.Status = OperationDone
			return &latest, nil
		}
		return nil, err
	}

	inst, ok := firstInstance(out)
	if !ok {
		if op.Kind == OpDelete {
			latest.Status = OperationDone
			return &latest, nil
		}
		return nil, notFound("DescribeInstances", op.Name)
	}

	state := inst.State.Name
	latest.Raw = fmt.Sprintf("%s %s", aws.ToString(inst.InstanceId), state)
	switch {
	case state == ec2TargetState(op.Kind):
		latest.Status = OperationDone
	case op.Kind != OpDelete && (state == types.InstanceStateNameTerminated || state == types.InstanceStateNameShuttingDown):
		latest.Status = OperationDone
		latest.Error = fmt.Sprintf("instance %s is %s", op.Target, state)
		if inst.StateReason != nil {
			latest.Error += ": " + aws.ToString(inst.StateReason.Message)
		}
	default:
		latest.Status = OperationRunning
	}
	return &latest, nil
}

func (c *EC2Client) imageOperation(ctx context.Context, op *Operation) (*Operation, error) {
	latest := *op

	out, err := c.api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{op.Name}})
	if err != nil {
		return nil, ec2Error("DescribeSnapshots", op.Name, err)
	}
	if len(out.Snapshots) == 0 {
		return nil, notFound("DescribeSnapshots", op.Name)
	}
	snap := out.Snapshots[0]
	latest.Raw = fmt.Sprintf("%s %s %s", op.Name, snap.State, aws.ToString(snap.Progress))

	switch snap.State {
	case types.SnapshotStateCompleted:
	case types.SnapshotStateError:
		latest.Status = OperationDone
		latest.Error = fmt.Sprintf("snapshot %s failed: %s", op.Name, aws.ToString(snap.StateMessage))
		return &latest, nil
	default:
		latest.Status = OperationRunning
		return &latest, nil
	}

	// the snapshot is done; register the AMI unless an earlier poll did
	existing, err := c.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners:  []string{"self"},
		Filters: []types.Filter{{Name: aws.String("name"), Values: []string{op.Target}}},
	})
	if err != nil {
		return nil, ec2Error("DescribeImages", op.Target, err)
	}
	if len(existing.Images) > 0 {
		latest.Status = OperationDone
		latest.Target = aws.ToString(existing.Images[0].ImageId)
		return &latest, nil
	}

	rootDevice := tagValue(snap.Tags, rootDeviceTag)
	if rootDevice == "" {
		rootDevice = defaultRootDevice
	}
	reg, err := c.api.RegisterImage(ctx, &ec2.RegisterImageInput{
		Name:               aws.String(op.Target),
		Description:        snap.Description,
		Architecture:       types.ArchitectureValuesX8664,
		VirtualizationType: aws.String("hvm"),
		EnaSupport:         aws.Bool(true),
		RootDeviceName:     aws.String(rootDevice),
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String(rootDevice),
				Ebs: &types.EbsBlockDevice{
					SnapshotId:          snap.SnapshotId,
					DeleteOnTermination: aws.Bool(true),
					VolumeType:          types.VolumeTypeGp3,
				},
			},
		},
	})
	if err != nil {
		return nil, ec2Error("RegisterImage", op.Target, err)
	}

	latest.Status = OperationDone
	latest.Target = aws.ToString(reg.ImageId)
	return &latest, nil
}

// ListImages lists one page of AMIs owned by project whose name starts with
// nameFilter
func (c *EC2Client) ListImages(ctx context.Context, project, nameFilter, pageToken string) (*ImagePage, error) {
	input := &ec2.DescribeImagesInput{
		Owners:     []string{project},
		Filters:    []types.Filter{{Name: aws.String("name"), Values: []string{nameFilter + "*"}}},
		MaxResults: aws.Int32(ec2ImagePageSize),
	}
	if pageToken != "" {
		input.NextToken = aws.String(pageToken)
	}

	out, err := c.api.DescribeImages(ctx, input)
	if err != nil {
		return nil, ec2Error("DescribeImages", project, err)
	}

	page := &ImagePage{NextPageToken: aws.ToString(out.NextToken)}
	for _, img := range out.Images {
		page.Items = append(page.Items, Image{
			Name:       aws.ToString(img.Name),
			SelfLink:   aws.ToString(img.ImageId),
			CreatedAt:  aws.ToString(img.CreationDate),
			Deprecated: c.ec2ImageDeprecated(img),
		})
	}
	return page, nil
}

func (c *EC2Client) ec2ImageDeprecated(img types.Image) bool {
	if img.State != types.ImageStateAvailable {
		return true
	}
	if dt := aws.ToString(img.DeprecationTime); dt != "" {
		t, err := time.Parse(time.RFC3339, dt)
		return err == nil && !t.After(c.now())
	}
	return false
}

func (c *EC2Client) rootDeviceName(ctx context.Context, imageID string) (string, error) {
	out, err := c.api.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil {
		return "", ec2Error("DescribeImages", imageID, err)
	}
	if len(out.Images) == 0 {
		return "", notFound("DescribeImages", imageID)
	}
	if name := aws.ToString(out.Images[0].RootDeviceName); name != "" {
		return name, nil
	}
	return defaultRootDevice, nil
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

// findInstance returns the live instance carrying the Name tag
func (c *EC2Client) findInstance(ctx context.Context, name string) (types.Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{
				string(types.InstanceStateNamePending),
				string(types.InstanceStateNameRunning),
				string(types.InstanceStateNameStopping),
				string(types.InstanceStateNameStopped),
			}},
		},
	})
	if err != nil {
		return types.Instance{}, ec2Error("DescribeInstances", name, err)
	}
	inst, ok := firstInstance(out)
	if !ok {
		return types.Instance{}, notFound("DescribeInstances", name)
	}
	return inst, nil
}

func firstInstance(out *ec2.DescribeInstancesOutput) (types.Instance, bool) {
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return r.Instances[0], true
		}
	}
	return types.Instance{}, false
}

func ec2InstanceInfo(inst types.Instance, name string) *InstanceInfo {
	info := &InstanceInfo{
		ID:   aws.ToString(inst.InstanceId),
		IP:   aws.ToString(inst.PublicIpAddress),
		Name: name,
	}
	if inst.Placement != nil {
		info.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.State != nil {
		info.Status = ec2Status(inst.State.Name)
	}
	return info
}

// ec2Status maps EC2 instance states onto the Compute Engine vocabulary. A
// stopped instance is TERMINATED there, a terminated one is gone.
func ec2Status(state types.InstanceStateName) string {
	switch state {
	case types.InstanceStateNamePending:
		return StatusProvisioning
	case types.InstanceStateNameRunning:
		return StatusRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return StatusStopping
	case types.InstanceStateNameStopped:
		return StatusTerminated
	}
	return strings.ToUpper(string(state))
}

func ec2TargetState(kind OperationKind) types.InstanceStateName {
	switch kind {
	case OpStop:
		return types.InstanceStateNameStopped
	case OpDelete:
		return types.InstanceStateNameTerminated
	}
	return types.InstanceStateNameRunning
}

func ec2InstanceOperation(id string, kind OperationKind, project, zone, name string) *Operation {
	return &Operation{
		Name:    id,
		Kind:    kind,
		Scope:   ScopeZone,
		Project: project,
		Zone:    zone,
		Target:  name,
		Status:  OperationPending,
	}
}

func ec2Error(op, resource string, err error) error {
	callErr := &CallError{Op: op, Resource: resource, Err: err}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		callErr.Code = respErr.HTTPStatusCode()
		callErr.NotFound = callErr.Code == http.StatusNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if strings.HasSuffix(code, ".NotFound") || strings.HasSuffix(code, "NotFound") {
			callErr.NotFound = true
		}
	}
	return callErr
}
