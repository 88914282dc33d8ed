package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cislave/internal/config"
	"cislave/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gceImagePageSize = 500

var gceServiceAccountScopes = []string{
	"https://www.googleapis.com/auth/compute",
	"https://www.googleapis.com/auth/cloud.useraccounts.readonly",
	"https://www.googleapis.com/auth/devstorage.read_only",
	"https://www.googleapis.com/auth/logging.write",
	"https://www.googleapis.com/auth/monitoring.write",
}

// GCEClient implements Client for Google Compute Engine
type GCEClient struct {
	service *compute.Service
	network string
}

// NewGCEClient authenticates with a service account key and builds the
// compute service. Requests go through a retryablehttp transport.
func NewGCEClient(ctx context.Context, cfg config.GCEConfig) (*GCEClient, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.HTTPRetries
	retryClient.Logger = logging.Leveled()

	// oauth2 picks the base client out of the context
	ctx = context.WithValue(ctx, oauth2.HTTPClient, retryClient.StandardClient())

	jwtConfig := &jwt.Config{
		Email:      cfg.CredentialsEmail,
		PrivateKey: []byte(cfg.CredentialsPrivateKey),
		Scopes:     []string{compute.ComputeScope},
		TokenURL:   google.JWTTokenURL,
	}

	opts := []option.ClientOption{option.WithHTTPClient(jwtConfig.Client(ctx))}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	return NewGCEClientFromService(service, cfg.Network), nil
}

// NewGCEClientFromService wraps an already configured compute service
func NewGCEClientFromService(service *compute.Service, network string) *GCEClient {
	if network == "" {
		network = "default"
	}
	return &GCEClient{service: service, network: network}
}

// GetInstance returns the status and external address of an instance
func (c *GCEClient) GetInstance(ctx context.Context, project, zone, name string) (*InstanceInfo, error) {
	inst, err := c.service.Instances.Get(project, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, gceError("instances.get", name, err)
	}

	return &InstanceInfo{
		ID:     fmt.Sprintf("%d", inst.Id),
		IP:     gceNatIP(inst),
		Name:   inst.Name,
		Zone:   zone,
		Status: inst.Status,
	}, nil
}

// CreateInstance inserts a new instance booting from spec.SourceImage. The
// boot disk is named after the instance and survives instance deletion so
// that it can be imaged afterwards.
func (c *GCEClient) CreateInstance(ctx context.Context, spec InstanceSpec) (*Operation, error) {
	sshKeys := fmt.Sprintf("%s:%s", spec.Username, strings.TrimSpace(spec.PublicKey))

	rb := &compute.Instance{
		Name:        spec.Name,
		Description: spec.Description,
		MachineType: fmt.Sprintf("projects/%s/zones/%s/machineTypes/%s", spec.Project, spec.Zone, spec.MachineType),
		Disks: []*compute.AttachedDisk{
			{
				Type:       "PERSISTENT",
				Boot:       true,
				Mode:       "READ_WRITE",
				AutoDelete: false,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: spec.SourceImage,
					DiskType:    fmt.Sprintf("projects/%s/zones/%s/diskTypes/pd-standard", spec.Project, spec.Zone),
					DiskSizeGb:  spec.DiskSizeGB,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: fmt.Sprintf("projects/%s/global/networks/%s", spec.Project, c.network),
				AccessConfigs: []*compute.AccessConfig{
					{
						Name: "External NAT",
						Type: "ONE_TO_ONE_NAT",
					},
				},
			},
		},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{
					Key:   "sshKeys",
					Value: googleapi.String(sshKeys),
				},
			},
		},
		ServiceAccounts: []*compute.ServiceAccount{
			{
				Email:  "default",
				Scopes: gceServiceAccountScopes,
			},
		},
	}

	op, err := c.service.Instances.Insert(spec.Project, spec.Zone, rb).Context(ctx).Do()
	if err != nil {
		return nil, gceError("instances.insert", spec.Name, err)
	}
	return gceOperation(op), nil
}

// StartInstance starts a terminated instance
func (c *GCEClient) StartInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	op, err := c.service.Instances.Start(project, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, gceError("instances.start", name, err)
	}
	return gceOperation(op), nil
}

// StopInstance stops a running instance
func (c *GCEClient) StopInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	op, err := c.service.Instances.Stop(project, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, gceError("instances.stop", name, err)
	}
	return gceOperation(op), nil
}

// DeleteInstance deletes an instance; its boot disk is kept
func (c *GCEClient) DeleteInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	op, err := c.service.Instances.Delete(project, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, gceError("instances.delete", name, err)
	}
	return gceOperation(op), nil
}

// CreateImage creates a global image from a zonal disk
func (c *GCEClient) CreateImage(ctx context.Context, project string, spec ImageSpec) (*Operation, error) {
	image := &compute.Image{
		Name:        spec.Name,
		Description: spec.Description,
		RawDisk:     &compute.ImageRawDisk{},
		SourceDisk:  fmt.Sprintf("projects/%s/zones/%s/disks/%s", project, spec.Zone, spec.SourceDisk),
	}

	op, err := c.service.Images.Insert(project, image).Context(ctx).Do()
	if err != nil {
		return nil, gceError("images.insert", spec.Name, err)
	}
	return gceOperation(op), nil
}

// GetOperation refreshes op through the zone or global operations endpoint
func (c *GCEClient) GetOperation(ctx context.Context, op *Operation) (*Operation, error) {
	var (
		latest *compute.Operation
		err    error
	)
	switch op.Scope {
	case ScopeZone:
		latest, err = c.service.ZoneOperations.Get(op.Project, op.Zone, op.Name).Context(ctx).Do()
	default:
		latest, err = c.service.GlobalOperations.Get(op.Project, op.Name).Context(ctx).Do()
	}
	if err != nil {
		return nil, gceError("operations.get", op.Name, err)
	}
	return gceOperation(latest), nil
}

// ListImages lists one page of images whose name starts with nameFilter
func (c *GCEClient) ListImages(ctx context.Context, project, nameFilter, pageToken string) (*ImagePage, error) {
	call := c.service.Images.List(project).
		Filter(fmt.Sprintf("name eq %s.*", nameFilter)).
		MaxResults(gceImagePageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, gceError("images.list", project, err)
	}

	page := &ImagePage{NextPageToken: resp.NextPageToken}
	for _, img := range resp.Items {
		page.Items = append(page.Items, Image{
			Name:       img.Name,
			SelfLink:   img.SelfLink,
			CreatedAt:  img.CreationTimestamp,
			Deprecated: img.Deprecated != nil,
		})
	}
	return page, nil
}

// gceOperation converts a compute operation into a handle. Zonal operations
// carry a zone URL ending in .../projects/<p>/zones/<z>; global ones only
// have a self link of the form .../projects/<p>/global/operations/<name>.
func gceOperation(op *compute.Operation) *Operation {
	out := &Operation{
		Name:   op.Name,
		Kind:   gceOperationKind(op.OperationType),
		Target: op.TargetLink,
		Status: op.Status,
	}
	if strings.Contains(op.TargetLink, "/global/images/") {
		out.Kind = OpImage
	}

	if op.Zone != "" {
		parts := strings.Split(op.Zone, "/")
		out.Scope = ScopeZone
		out.Zone = parts[len(parts)-1]
		if len(parts) >= 3 {
			out.Project = parts[len(parts)-3]
		}
	} else {
		parts := strings.Split(op.SelfLink, "/")
		out.Scope = ScopeGlobal
		if len(parts) >= 4 {
			out.Project = parts[len(parts)-4]
		}
	}

	if op.Error != nil && len(op.Error.Errors) > 0 {
		msgs := make([]string, 0, len(op.Error.Errors))
		for _, e := range op.Error.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Code, e.Message))
		}
		out.Error = strings.Join(msgs, "; ")
	}

	if raw, err := op.MarshalJSON(); err == nil {
		out.Raw = string(raw)
	}
	return out
}

func gceOperationKind(operationType string) OperationKind {
	switch operationType {
	case "insert":
		return OpInsert
	case "start":
		return OpStart
	case "stop":
		return OpStop
	case "delete":
		return OpDelete
	}
	return OperationKind(operationType)
}

func gceNatIP(inst *compute.Instance) string {
	for _, ni := range inst.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}

func gceError(op, resource string, err error) error {
	callErr := &CallError{Op: op, Resource: resource, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		callErr.Code = apiErr.Code
		callErr.NotFound = apiErr.Code == http.StatusNotFound
	}
	return callErr
}
