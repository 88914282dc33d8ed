// Package instance drives build-slave instances through their lifecycle:
// creation from configuration, reattachment from a saved state record,
// imaging, stopping and destruction. Every asynchronous provider action
// goes through the Poller before the next step runs.
package instance

import (
	"context"
	"errors"
	"fmt"

	"cislave/internal/config"
	"cislave/internal/logging"
	"cislave/internal/provisioning"
	"cislave/internal/state"

	"go.uber.org/zap"
)

// Phase is a lifecycle state of an instance
type Phase string

const (
	PhaseRequested       Phase = "requested"
	PhaseProvisioning    Phase = "provisioning"
	PhaseNetworkAssigned Phase = "network_assigned"
	PhaseRunning         Phase = "running"
	PhaseImaging         Phase = "imaging"
	PhaseStopped         Phase = "stopped"
	PhaseDestroyed       Phase = "destroyed"
)

// Readiness blocks until a freshly addressed instance accepts connections
type Readiness interface {
	WaitReady(ctx context.Context, host string) error
}

// CloudInstance is the capability set exposed to orchestration code
type CloudInstance interface {
	CreateImage(ctx context.Context, imageName string) (string, error)
	Down(ctx context.Context) error
	Destroy(ctx context.Context) error
	State() state.State
	Phase() Phase
}

// Instance is a live build slave bound to one provider client
type Instance struct {
	config    config.InstanceConfig
	distro    config.DistributionConfig
	client    provisioning.Client
	poller    *Poller
	readiness Readiness

	state state.State
	phase Phase
	log   *zap.Logger
}

var _ CloudInstance = (*Instance)(nil)

// Factory creates instances. Client must not be shared with another
// factory used concurrently.
type Factory struct {
	Config    config.InstanceConfig
	Client    provisioning.Client
	Readiness Readiness // optional
	Poller    *Poller   // optional, defaults to NewPoller(Client, defaults)
	PublicKey string
}

func (f *Factory) newInstance(dc config.DistributionConfig, st state.State) *Instance {
	poller := f.Poller
	if poller == nil {
		poller = NewPoller(f.Client, config.PollerConfig{})
	}
	return &Instance{
		config:    f.Config,
		distro:    dc,
		client:    f.Client,
		poller:    poller,
		readiness: f.Readiness,
		state:     st,
		log: logging.Logger().With(
			zap.String("instance", st.InstanceName),
			zap.String("zone", st.Zone)),
	}
}

// CreateFromConfig provisions a new instance of distro in zone from the
// newest matching base image and waits until it is reachable. Once the
// insert has been issued, a failure also returns the partially created
// instance so the caller can destroy it.
func (f *Factory) CreateFromConfig(ctx context.Context, distro config.Distribution, zone string) (*Instance, error) {
	dc, err := f.Config.Distribution(distro)
	if err != nil {
		return nil, err
	}

	inst := f.newInstance(dc, state.State{
		InstanceName: NewInstanceName(dc.InstanceName),
		Distribution: string(distro),
		Zone:         zone,
	})
	inst.setPhase(PhaseRequested)

	image, err := LatestImage(ctx, f.Client, dc.BaseImageProject, dc.BaseImagePrefix)
	if err != nil {
		return nil, err
	}

	inst.setPhase(PhaseProvisioning)
	op, err := f.Client.CreateInstance(ctx, provisioning.InstanceSpec{
		Name:        inst.state.InstanceName,
		Project:     f.Config.Project,
		Zone:        zone,
		MachineType: f.Config.MachineType,
		SourceImage: image.SelfLink,
		DiskSizeGB:  f.Config.DiskSizeGB,
		Description: dc.Description,
		Username:    f.Config.Username,
		PublicKey:   f.PublicKey,
	})
	if err != nil {
		return nil, err
	}

	final, err := inst.poller.Wait(ctx, op)
	if err != nil {
		return inst, err
	}
	if !final.Succeeded() {
		inst.log.Error("instance creation did not succeed",
			zap.String("status", final.Status),
			zap.String("error", final.Error))
		return inst, &ProvisioningError{
			Instance: inst.state.InstanceName,
			Status:   final.Status,
			Reason:   final.Error,
		}
	}

	if err := inst.bringUp(ctx); err != nil {
		return inst, err
	}
	return inst, nil
}

// FromState binds saved to this factory without contacting the provider.
// It serves operations that must still work after the instance itself is
// gone, such as imaging its kept boot disk.
func (f *Factory) FromState(saved state.State) (*Instance, error) {
	if err := saved.Validate(); err != nil {
		return nil, err
	}
	distro, err := config.ParseDistribution(saved.Distribution)
	if err != nil {
		return nil, err
	}
	dc, err := f.Config.Distribution(distro)
	if err != nil {
		return nil, err
	}
	return f.newInstance(dc, saved), nil
}

// CreateFromSavedState reattaches to the instance named in saved, starting
// it first when it is stopped
func (f *Factory) CreateFromSavedState(ctx context.Context, saved state.State) (*Instance, error) {
	inst, err := f.FromState(saved)
	if err != nil {
		return nil, err
	}
	inst.setPhase(PhaseProvisioning)

	info, err := f.Client.GetInstance(ctx, f.Config.Project, saved.Zone, saved.InstanceName)
	if err != nil {
		if errors.Is(err, provisioning.ErrNotFound) {
			inst.log.Error("instance from saved state not found")
			return nil, &InstanceNotFoundError{Instance: saved.InstanceName, Err: err}
		}
		inst.log.Error("unknown error looking up instance", zap.Error(err))
		return nil, err
	}

	switch info.Status {
	case provisioning.StatusRunning:
		inst.log.Info("instance already running")
	case provisioning.StatusTerminated:
		inst.log.Info("instance is stopped, starting it")
		op, err := f.Client.StartInstance(ctx, f.Config.Project, saved.Zone, saved.InstanceName)
		if err != nil {
			return nil, err
		}
		if err := inst.wait(ctx, op); err != nil {
			return nil, err
		}
	default:
		inst.log.Error("instance is in an unexpected state", zap.String("status", info.Status))
		return nil, &UnexpectedInstanceStateError{Instance: saved.InstanceName, Status: info.Status}
	}

	if err := inst.bringUp(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// bringUp refreshes the external address and waits for readiness
func (i *Instance) bringUp(ctx context.Context) error {
	info, err := i.client.GetInstance(ctx, i.config.Project, i.state.Zone, i.state.InstanceName)
	if err != nil {
		return err
	}
	i.state = i.state.WithIPAddress(info.IP)
	i.setPhase(PhaseNetworkAssigned)

	if i.readiness != nil {
		if info.IP == "" {
			return fmt.Errorf("instance %s has no external address", i.state.InstanceName)
		}
		if err := i.readiness.WaitReady(ctx, info.IP); err != nil {
			return fmt.Errorf("instance %s is not reachable: %w", i.state.InstanceName, err)
		}
	}

	i.setPhase(PhaseRunning)
	return nil
}

// CreateImage destroys the instance and images its boot disk, returning the
// image name. An instance that is already gone is not an error.
func (i *Instance) CreateImage(ctx context.Context, imageName string) (string, error) {
	if err := i.Destroy(ctx); err != nil {
		if !errors.Is(err, provisioning.ErrNotFound) {
			return "", err
		}
		i.log.Warn("instance already absent, imaging its disk anyway")
	}

	i.setPhase(PhaseImaging)
	op, err := i.client.CreateImage(ctx, i.config.Project, provisioning.ImageSpec{
		Name:        imageName,
		Description: i.distro.Description,
		Zone:        i.state.Zone,
		SourceDisk:  i.state.InstanceName,
	})
	if err != nil {
		return "", err
	}
	if err := i.wait(ctx, op); err != nil {
		return "", err
	}

	i.log.Info("image created", zap.String("image", imageName))
	return imageName, nil
}

// Down stops the instance
func (i *Instance) Down(ctx context.Context) error {
	op, err := i.client.StopInstance(ctx, i.config.Project, i.state.Zone, i.state.InstanceName)
	if err != nil {
		return err
	}
	if err := i.wait(ctx, op); err != nil {
		return err
	}
	i.setPhase(PhaseStopped)
	return nil
}

// Destroy deletes the instance. Its boot disk is kept.
func (i *Instance) Destroy(ctx context.Context) error {
	op, err := i.client.DeleteInstance(ctx, i.config.Project, i.state.Zone, i.state.InstanceName)
	if err != nil {
		return err
	}
	if err := i.wait(ctx, op); err != nil {
		return err
	}
	i.setPhase(PhaseDestroyed)
	return nil
}

// State returns the record needed to reattach later
func (i *Instance) State() state.State {
	return i.state
}

// Phase returns the current lifecycle phase
func (i *Instance) Phase() Phase {
	return i.phase
}

// wait polls op and turns a provider reported failure into an error. A
// snapshot that is still not done after the poll timeout only gets logged.
func (i *Instance) wait(ctx context.Context, op *provisioning.Operation) error {
	final, err := i.poller.Wait(ctx, op)
	if err != nil {
		return err
	}
	switch {
	case final.Done() && final.Error != "":
		return &OperationFailedError{Instance: i.state.InstanceName, Operation: final}
	case !final.Done():
		i.log.Warn("operation still pending after poll timeout",
			zap.String("operation", final.Name),
			zap.String("kind", string(final.Kind)),
			zap.String("status", final.Status))
	}
	return nil
}

func (i *Instance) setPhase(p Phase) {
	i.log.Info("instance phase", zap.String("from", string(i.phase)), zap.String("to", string(p)))
	i.phase = p
}
