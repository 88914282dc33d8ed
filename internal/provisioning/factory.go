package provisioning

import (
	"context"
	"fmt"

	"cislave/internal/config"
)

// NewClient creates a provider client based on the configured cloud type.
// Each caller gets its own client; clients are not shared between goroutines.
func NewClient(ctx context.Context, cfg config.Config) (Client, error) {
	switch cfg.Cloud {
	case config.CloudGCE:
		if cfg.GCE == nil {
			return nil, fmt.Errorf("gce config is nil")
		}
		return NewGCEClient(ctx, *cfg.GCE)

	case config.CloudEC2:
		if cfg.EC2 == nil {
			return nil, fmt.Errorf("ec2 config is nil")
		}
		return NewEC2Client(ctx, *cfg.EC2)

	case config.CloudYandex:
		if cfg.Yandex == nil {
			return nil, fmt.Errorf("yandex config is nil")
		}
		return NewYandexClient(ctx, *cfg.Yandex)

	case config.CloudFake:
		return newSeededFake(cfg), nil

	default:
		return nil, fmt.Errorf("unsupported cloud type: %s", cfg.Cloud)
	}
}

// newSeededFake returns a fake provider that already lists one base image
// per configured distribution, so dry runs of "up" find something to boot.
func newSeededFake(cfg config.Config) *FakeClient {
	fake := NewFakeClient()
	for _, dc := range cfg.Distributions {
		fake.AddImagePage(dc.BaseImageProject, Image{
			Name:      dc.BaseImagePrefix + "-v20150101",
			SelfLink:  fmt.Sprintf("projects/%s/global/images/%s-v20150101", dc.BaseImageProject, dc.BaseImagePrefix),
			CreatedAt: "2015-01-01T00:00:00Z",
		})
	}
	return fake
}
