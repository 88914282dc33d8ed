package provisioning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cislave/internal/config"
	"cislave/internal/logging"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	ycPlatformID   = "standard-v1"
	ycDiskType     = "network-hdd"
	ycImagePage    = 500
	ycSubnetPage   = 100
	gibibyte int64 = 1024 * 1024 * 1024
)

// YandexClient implements Client for Yandex Cloud. The project passed to
// every call is the folder id. Operations are global.
type YandexClient struct {
	sdk      *ycsdk.SDK
	cores    int64
	memoryGB int64
	subnets  map[string]string // zone -> subnet id
}

// NewYandexClient creates a client authenticated with an IAM token
func NewYandexClient(ctx context.Context, cfg config.YandexConfig) (*YandexClient, error) {
	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(cfg.IAMToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	cores, memory := cfg.Cores, cfg.MemoryGB
	if cores <= 0 {
		cores = 2
	}
	if memory <= 0 {
		memory = 2
	}
	return &YandexClient{
		sdk:      sdk,
		cores:    cores,
		memoryGB: memory,
		subnets:  make(map[string]string),
	}, nil
}

// GetInstance finds an instance by name in the folder
func (c *YandexClient) GetInstance(ctx context.Context, project, zone, name string) (*InstanceInfo, error) {
	inst, err := c.findInstance(ctx, project, name)
	if err != nil {
		return nil, err
	}

	ip := ""
	if len(inst.NetworkInterfaces) > 0 {
		if addr := inst.NetworkInterfaces[0].PrimaryV4Address; addr != nil && addr.OneToOneNat != nil {
			ip = addr.OneToOneNat.Address
		}
	}
	return &InstanceInfo{
		ID:     inst.Id,
		IP:     ip,
		Name:   inst.Name,
		Zone:   inst.ZoneId,
		Status: ycStatus(inst.Status),
	}, nil
}

// CreateInstance creates an instance whose boot disk is named after it and
// is not deleted with it
func (c *YandexClient) CreateInstance(ctx context.Context, spec InstanceSpec) (*Operation, error) {
	subnetID, err := c.findSubnet(ctx, spec.Project, spec.Zone)
	if err != nil {
		return nil, err
	}

	userData, err := GenerateCloudConfig(spec.Username, spec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	request := &compute.CreateInstanceRequest{
		FolderId:    spec.Project,
		Name:        spec.Name,
		Description: spec.Description,
		ZoneId:      spec.Zone,
		PlatformId:  ycPlatformID,
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  c.cores,
			Memory: c.memoryGB * gibibyte,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: false,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					Name:   spec.Name,
					TypeId: ycDiskType,
					Size:   spec.DiskSizeGB * gibibyte,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: spec.SourceImage,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId: subnetID,
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
		Metadata: map[string]string{
			"user-data": userData,
		},
	}

	op, err := c.sdk.Compute().Instance().Create(ctx, request)
	if err != nil {
		return nil, ycError("instance.create", spec.Name, err)
	}
	return ycOperation(op, OpInsert, spec.Project, spec.Name), nil
}

// StartInstance starts a stopped instance
func (c *YandexClient) StartInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	inst, err := c.findInstance(ctx, project, name)
	if err != nil {
		return nil, err
	}
	op, err := c.sdk.Compute().Instance().Start(ctx, &compute.StartInstanceRequest{InstanceId: inst.Id})
	if err != nil {
		return nil, ycError("instance.start", name, err)
	}
	return ycOperation(op, OpStart, project, name), nil
}

// StopInstance stops a running instance
func (c *YandexClient) StopInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	inst, err := c.findInstance(ctx, project, name)
	if err != nil {
		return nil, err
	}
	op, err := c.sdk.Compute().Instance().Stop(ctx, &compute.StopInstanceRequest{InstanceId: inst.Id})
	if err != nil {
		return nil, ycError("instance.stop", name, err)
	}
	return ycOperation(op, OpStop, project, name), nil
}

// DeleteInstance deletes an instance, leaving its boot disk behind
func (c *YandexClient) DeleteInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	inst, err := c.findInstance(ctx, project, name)
	if err != nil {
		return nil, err
	}
	op, err := c.sdk.Compute().Instance().Delete(ctx, &compute.DeleteInstanceRequest{InstanceId: inst.Id})
	if err != nil {
		return nil, ycError("instance.delete", name, err)
	}
	return ycOperation(op, OpDelete, project, name), nil
}

// CreateImage creates an image from the disk named spec.SourceDisk
func (c *YandexClient) CreateImage(ctx context.Context, project string, spec ImageSpec) (*Operation, error) {
	disks, err := c.sdk.Compute().Disk().List(ctx, &compute.ListDisksRequest{
		FolderId: project,
		Filter:   ycNameFilter(spec.SourceDisk),
	})
	if err != nil {
		return nil, ycError("disk.list", spec.SourceDisk, err)
	}
	if len(disks.Disks) == 0 {
		return nil, notFound("disk.list", spec.SourceDisk)
	}

	op, err := c.sdk.Compute().Image().Create(ctx, &compute.CreateImageRequest{
		FolderId:    project,
		Name:        spec.Name,
		Description: spec.Description,
		Source:      &compute.CreateImageRequest_DiskId{DiskId: disks.Disks[0].Id},
	})
	if err != nil {
		return nil, ycError("image.create", spec.Name, err)
	}
	return ycOperation(op, OpImage, project, spec.Name), nil
}

// GetOperation refreshes an operation through the operation service
func (c *YandexClient) GetOperation(ctx context.Context, op *Operation) (*Operation, error) {
	latest, err := c.sdk.Operation().Get(ctx, &operation.GetOperationRequest{OperationId: op.Name})
	if err != nil {
		return nil, ycError("operation.get", op.Name, err)
	}
	return ycOperation(latest, op.Kind, op.Project, op.Target), nil
}

// ListImages lists one page of folder images and keeps those whose name
// starts with nameFilter. The API filter only supports exact matches.
func (c *YandexClient) ListImages(ctx context.Context, project, nameFilter, pageToken string) (*ImagePage, error) {
	resp, err := c.sdk.Compute().Image().List(ctx, &compute.ListImagesRequest{
		FolderId:  project,
		PageSize:  ycImagePage,
		PageToken: pageToken,
	})
	if err != nil {
		return nil, ycError("image.list", project, err)
	}

	page := &ImagePage{NextPageToken: resp.NextPageToken}
	for _, img := range resp.Images {
		if !strings.HasPrefix(img.Name, nameFilter) {
			continue
		}
		created := ""
		if img.CreatedAt != nil {
			created = img.CreatedAt.AsTime().Format(time.RFC3339)
		}
		page.Items = append(page.Items, Image{
			Name:       img.Name,
			SelfLink:   img.Id,
			CreatedAt:  created,
			Deprecated: img.Status != compute.Image_READY,
		})
	}
	return page, nil
}

func (c *YandexClient) findInstance(ctx context.Context, folderID, name string) (*compute.Instance, error) {
	resp, err := c.sdk.Compute().Instance().List(ctx, &compute.ListInstancesRequest{
		FolderId: folderID,
		Filter:   ycNameFilter(name),
	})
	if err != nil {
		return nil, ycError("instance.list", name, err)
	}
	if len(resp.Instances) == 0 {
		return nil, notFound("instance.list", name)
	}
	return resp.Instances[0], nil
}

// findSubnet finds a subnet in the zone, caching the answer
func (c *YandexClient) findSubnet(ctx context.Context, folderID, zone string) (string, error) {
	if id, ok := c.subnets[zone]; ok {
		return id, nil
	}

	resp, err := c.sdk.VPC().Subnet().List(ctx, &vpc.ListSubnetsRequest{
		FolderId: folderID,
		PageSize: ycSubnetPage,
	})
	if err != nil {
		return "", ycError("subnet.list", zone, err)
	}

	for _, subnet := range resp.Subnets {
		if subnet.ZoneId == zone {
			c.subnets[zone] = subnet.Id
			return subnet.Id, nil
		}
	}
	logging.Logger().Error("no subnet in zone", zap.String("zone", zone), zap.String("folder", folderID))
	return "", fmt.Errorf("no subnet found in zone %s", zone)
}

func ycOperation(op *operation.Operation, kind OperationKind, project, target string) *Operation {
	out := &Operation{
		Name:    op.GetId(),
		Kind:    kind,
		Scope:   ScopeGlobal,
		Project: project,
		Target:  target,
		Status:  OperationRunning,
	}
	if op.GetDone() {
		out.Status = OperationDone
	}
	if e := op.GetError(); e != nil {
		out.Error = fmt.Sprintf("%s: %s", codes.Code(e.GetCode()), e.GetMessage())
	}
	out.Raw = protojson.Format(op)
	return out
}

// ycStatus maps Yandex instance statuses onto the Compute Engine vocabulary.
// ERROR and CRASHED pass through so the lifecycle reports them as unexpected.
func ycStatus(s compute.Instance_Status) string {
	switch s {
	case compute.Instance_PROVISIONING:
		return StatusProvisioning
	case compute.Instance_STARTING, compute.Instance_RESTARTING:
		return StatusStaging
	case compute.Instance_RUNNING, compute.Instance_UPDATING:
		return StatusRunning
	case compute.Instance_STOPPING, compute.Instance_DELETING:
		return StatusStopping
	case compute.Instance_STOPPED:
		return StatusTerminated
	}
	return s.String()
}

func ycNameFilter(name string) string {
	return fmt.Sprintf("name = %q", name)
}

func ycError(op, resource string, err error) error {
	callErr := &CallError{Op: op, Resource: resource, Err: err}
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		callErr.Code = 404
		callErr.NotFound = true
	}
	return callErr
}
