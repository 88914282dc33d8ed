package provisioning

import "context"

// Instance statuses, in Compute Engine vocabulary. Adapters for other clouds
// translate their native states onto these.
const (
	StatusProvisioning = "PROVISIONING"
	StatusStaging      = "STAGING"
	StatusRunning      = "RUNNING"
	StatusStopping     = "STOPPING"
	StatusTerminated   = "TERMINATED"
)

// InstanceSpec represents the specification for creating a VM
type InstanceSpec struct {
	Name        string
	Project     string
	Zone        string
	MachineType string
	SourceImage string // image self link or id returned by ListImages
	DiskSizeGB  int64
	Description string
	Username    string
	PublicKey   string
}

// InstanceInfo contains information about an existing VM
type InstanceInfo struct {
	ID     string
	IP     string
	Name   string
	Zone   string
	Status string
}

// ImageSpec describes an image to be created from an instance boot disk
type ImageSpec struct {
	Name        string
	Description string
	Zone        string
	SourceDisk  string
}

// Image is one entry of an image listing
type Image struct {
	Name       string
	SelfLink   string
	CreatedAt  string // RFC 3339
	Deprecated bool
}

// ImagePage is one page of ListImages results
type ImagePage struct {
	Items         []Image
	NextPageToken string
}

// Client is the capability the instance lifecycle needs from a cloud provider.
// Mutating calls return an Operation handle that must be polled with
// GetOperation until it is done.
//
// Implementations are not safe for concurrent use.
type Client interface {
	GetInstance(ctx context.Context, project, zone, name string) (*InstanceInfo, error)
	CreateInstance(ctx context.Context, spec InstanceSpec) (*Operation, error)
	StartInstance(ctx context.Context, project, zone, name string) (*Operation, error)
	StopInstance(ctx context.Context, project, zone, name string) (*Operation, error)
	DeleteInstance(ctx context.Context, project, zone, name string) (*Operation, error)
	CreateImage(ctx context.Context, project string, spec ImageSpec) (*Operation, error)
	GetOperation(ctx context.Context, op *Operation) (*Operation, error)
	ListImages(ctx context.Context, project, nameFilter, pageToken string) (*ImagePage, error)
}
