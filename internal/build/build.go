// Package build creates fresh build slaves, provisions them over SSH and
// turns their disks into images, one distribution per pool task.
package build

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cislave/internal/config"
	"cislave/internal/control"
	"cislave/internal/instance"
	"cislave/internal/logging"
	"cislave/internal/provisioning"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// ConnectFunc opens a controller on a reachable instance
type ConnectFunc func(ctx context.Context, host, instanceName string) (control.Controller, error)

// Deps are the collaborators of a build run
type Deps struct {
	Config    *config.Config
	NewClient func(ctx context.Context) (provisioning.Client, error) // called once per task
	Readiness instance.Readiness
	Connect   ConnectFunc
	PublicKey string
	Now       func() time.Time
}

// Result is the outcome for one distribution
type Result struct {
	Distribution config.Distribution
	Instance     string
	Image        string
	Err          error
}

// ImageName returns the name of an image built for distro at t
func ImageName(prefix string, distro config.Distribution, t time.Time) string {
	return fmt.Sprintf("%s-%s-%d", prefix, distro, t.Unix())
}

// Run builds an image for every distribution, at most build.max_parallel at
// a time. It returns one result per distribution, in input order, and the
// joined errors of the failed ones.
func Run(ctx context.Context, deps Deps, distros []config.Distribution) ([]Result, error) {
	if len(distros) == 0 {
		return nil, nil
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	workers := min(max(deps.Config.Build.MaxParallel, 1), len(distros))
	pool := pond.NewPool(workers)

	results := make([]Result, len(distros))
	tasks := make([]pond.Task, len(distros))
	for i, d := range distros {
		tasks[i] = pool.SubmitErr(func() error {
			results[i] = buildOne(ctx, deps, d, now)
			return results[i].Err
		})
	}

	var errs []error
	for i, task := range tasks {
		if err := task.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", distros[i], err))
		}
	}
	pool.StopAndWait()

	return results, errors.Join(errs...)
}

func buildOne(ctx context.Context, deps Deps, distro config.Distribution, now func() time.Time) Result {
	res := Result{Distribution: distro}
	cfg := deps.Config
	log := logging.Logger().With(zap.String("distro", string(distro)))

	client, err := deps.NewClient(ctx)
	if err != nil {
		res.Err = fmt.Errorf("failed to create provider client: %w", err)
		return res
	}

	factory := &instance.Factory{
		Config:    cfg.Instance(),
		Client:    client,
		Readiness: deps.Readiness,
		Poller:    instance.NewPoller(client, cfg.Poller),
		PublicKey: deps.PublicKey,
	}

	log.Info("creating build slave", zap.String("zone", cfg.DefaultZone))
	inst, err := factory.CreateFromConfig(ctx, distro, cfg.DefaultZone)
	if inst != nil {
		res.Instance = inst.State().InstanceName
		log = log.With(zap.String("instance", res.Instance))
	}
	if err != nil {
		if inst != nil {
			log.Error("build slave did not come up, destroying it", zap.Error(err))
			discard(ctx, log, inst)
		}
		res.Err = err
		return res
	}

	if err := Provision(ctx, deps.Connect, inst.State().IPAddress, res.Instance, cfg.Build); err != nil {
		log.Error("provisioning failed, destroying build slave", zap.Error(err))
		discard(ctx, log, inst)
		res.Err = err
		return res
	}

	image, err := inst.CreateImage(ctx, ImageName(cfg.Build.ImagePrefix, distro, now()))
	if err != nil {
		res.Err = err
		return res
	}
	res.Image = image
	log.Info("build finished", zap.String("image", image))
	return res
}

// discard destroys a failed build slave, best effort
func discard(ctx context.Context, log *zap.Logger, inst *instance.Instance) {
	if err := inst.Destroy(ctx); err != nil && !errors.Is(err, provisioning.ErrNotFound) {
		log.Warn("failed to destroy build slave", zap.Error(err))
	}
}

// Provision uploads the configured files to a running instance and runs the
// setup commands there, stopping at the first failure
func Provision(ctx context.Context, connect ConnectFunc, host, instanceName string, cfg config.BuildConfig) error {
	if len(cfg.SetupCommands) == 0 && len(cfg.Files) == 0 {
		return nil
	}

	ctrl, err := connect(ctx, host, instanceName)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", instanceName, err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logging.Logger().Warn("failed to close controller",
				zap.String("instance", instanceName),
				zap.Error(err))
		}
	}()

	remotes := make([]string, 0, len(cfg.Files))
	for remote := range cfg.Files {
		remotes = append(remotes, remote)
	}
	sort.Strings(remotes)
	for _, remote := range remotes {
		if err := ctrl.Upload(cfg.Files[remote], remote); err != nil {
			return err
		}
	}

	logging.Logger().Info("running setup commands",
		zap.String("instance", instanceName),
		zap.Int("command_count", len(cfg.SetupCommands)),
		zap.Strings("commands", logging.TruncateSlice(cfg.SetupCommands, 5)))
	for _, cmd := range cfg.SetupCommands {
		if err := ctrl.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}
