package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cislave/internal/config"
	"cislave/internal/control"
	"cislave/internal/instance"
	"cislave/internal/logging"
	"cislave/internal/provisioning"
	sshkeys "cislave/internal/ssh"
	"cislave/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	stateFile  string

	newProviderClient = provisioning.NewClient
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cislave",
	Short: "Manage CI build slave instances",
	Long: `cislave creates, reattaches to, images and destroys CI build slave VMs
on Google Compute Engine, EC2 or Yandex Cloud. The instance record is kept
in a state file (or etcd) so later runs can pick the instance up again.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
// Interrupts cancel the command context so pending waits stop early.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		_ = logging.Sync()
		logging.Logger().Fatal("command failed", zap.Error(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.Path(), "Path to config file (env CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state-file", state.DefaultFileName, "Path or key of the state record")
}

// env bundles what most commands need: the loaded config and the state store
type env struct {
	cfg   *config.Config
	store state.Store
	path  string
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	path := stateFile
	if !cmd.Flags().Changed("state-file") && cfg.State.Path != "" {
		path = cfg.State.Path
	}

	logging.Logger().Debug("configuration loaded",
		zap.String("config", configPath),
		zap.String("cloud", string(cfg.Cloud)),
		zap.String("state_backend", string(cfg.State.Backend)),
		zap.String("state_path", path))

	return &env{cfg: cfg, store: store, path: path}, nil
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		logging.Logger().Warn("failed to close state store", zap.Error(err))
	}
}

// lock takes the record lock when the store supports it
func (e *env) lock(ctx context.Context) (func(), error) {
	locker, ok := e.store.(state.Locker)
	if !ok {
		return func() {}, nil
	}
	unlock, err := locker.Lock(ctx, e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to lock state %s: %w", e.path, err)
	}
	return func() {
		if err := unlock(); err != nil {
			logging.Logger().Warn("failed to release state lock", zap.Error(err))
		}
	}, nil
}

func (e *env) save(ctx context.Context, s state.State) error {
	if err := e.store.Save(ctx, e.path, s); err != nil {
		return err
	}
	logging.Logger().Info("state saved",
		zap.String("path", e.path),
		zap.String("instance", s.InstanceName),
		zap.String("ip", s.IPAddress))
	return nil
}

func (e *env) forget(ctx context.Context) error {
	if err := e.store.Delete(ctx, e.path); err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	logging.Logger().Info("state removed", zap.String("path", e.path))
	return nil
}

func (e *env) keys() (*sshkeys.KeyPair, error) {
	return sshkeys.LoadKeyPair(e.cfg.PrivateKeyFile, e.cfg.PublicKeyFile)
}

// newClient builds a provider client for the configured cloud
func (e *env) newClient(ctx context.Context) (provisioning.Client, error) {
	return newProviderClient(ctx, *e.cfg)
}

// readiness returns the SSH readiness check, or nil for the fake cloud
// whose instances have no reachable address
func (e *env) readiness(kp *sshkeys.KeyPair) (instance.Readiness, error) {
	if e.cfg.Cloud == config.CloudFake {
		return nil, nil
	}
	signer, err := kp.Signer()
	if err != nil {
		return nil, err
	}
	return control.NewSSHReadiness(e.cfg.SSH, e.cfg.Username, signer), nil
}

func (e *env) connect(kp *sshkeys.KeyPair) func(ctx context.Context, host, name string) (control.Controller, error) {
	return func(ctx context.Context, host, name string) (control.Controller, error) {
		signer, err := kp.Signer()
		if err != nil {
			return nil, err
		}
		return control.NewController(ctx, control.Config{
			Host:         host,
			Port:         e.cfg.SSH.Port,
			User:         e.cfg.Username,
			Signer:       signer,
			DialTimeout:  e.cfg.SSH.DialTimeout,
			InstanceName: name,
		})
	}
}

func (e *env) factory(ctx context.Context) (*instance.Factory, *sshkeys.KeyPair, error) {
	kp, err := e.keys()
	if err != nil {
		return nil, nil, err
	}
	client, err := e.newClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	readiness, err := e.readiness(kp)
	if err != nil {
		return nil, nil, err
	}
	return &instance.Factory{
		Config:    e.cfg.Instance(),
		Client:    client,
		Readiness: readiness,
		Poller:    instance.NewPoller(client, e.cfg.Poller),
		PublicKey: kp.PublicKey,
	}, kp, nil
}

func (e *env) load(ctx context.Context) (state.State, error) {
	saved, err := e.store.Load(ctx, e.path)
	if errors.Is(err, state.ErrNotFound) {
		return saved, fmt.Errorf("no instance recorded in %s, run `cislave up` first", e.path)
	}
	return saved, err
}

// bind projects the state record onto an instance without reattaching to it
func (e *env) bind(ctx context.Context) (*instance.Instance, error) {
	saved, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	factory, _, err := e.factory(ctx)
	if err != nil {
		return nil, err
	}
	return factory.FromState(saved)
}

// attach reattaches to the instance in the state record and saves the
// refreshed record. A vanished instance is reported with its state intact.
func (e *env) attach(ctx context.Context) (*instance.Instance, *sshkeys.KeyPair, error) {
	saved, err := e.load(ctx)
	if err != nil {
		return nil, nil, err
	}

	factory, kp, err := e.factory(ctx)
	if err != nil {
		return nil, nil, err
	}
	inst, err := factory.CreateFromSavedState(ctx, saved)
	if err != nil {
		return nil, nil, err
	}
	if err := e.save(ctx, inst.State()); err != nil {
		return nil, nil, err
	}
	return inst, kp, nil
}
