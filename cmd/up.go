package cmd

import (
	"errors"
	"fmt"

	"cislave/internal/config"
	"cislave/internal/logging"
	"cislave/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	upDistro string
	upZone   string
)

// upCmd represents the up command
var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Create a build slave",
	Long: `Create a build slave from the newest base image of the distribution,
wait until it accepts SSH and record it in the state file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		distro, err := config.ParseDistribution(upDistro)
		if err != nil {
			return err
		}

		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		unlock, err := e.lock(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		existing, err := e.store.Load(ctx, e.path)
		switch {
		case err == nil:
			return fmt.Errorf("state %s already records instance %s, destroy it first", e.path, existing.InstanceName)
		case !errors.Is(err, state.ErrNotFound):
			return err
		}

		zone := upZone
		if zone == "" {
			zone = e.cfg.DefaultZone
		}

		factory, _, err := e.factory(ctx)
		if err != nil {
			return err
		}
		inst, err := factory.CreateFromConfig(ctx, distro, zone)
		if err != nil {
			if inst != nil {
				if serr := e.save(ctx, inst.State()); serr != nil {
					logging.Logger().Warn("failed to record the half created instance", zap.Error(serr))
				} else {
					logging.Logger().Warn("instance was created but is not usable, run `cislave destroy` to remove it",
						zap.String("instance", inst.State().InstanceName))
				}
			}
			return err
		}
		if err := e.save(ctx, inst.State()); err != nil {
			return err
		}

		logging.Logger().Info("build slave is up",
			zap.String("instance", inst.State().InstanceName),
			zap.String("ip", inst.State().IPAddress))
		fmt.Printf("%s %s\n", inst.State().InstanceName, inst.State().IPAddress)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(upCmd)

	upCmd.Flags().StringVarP(&upDistro, "distro", "d", "", "Distribution to create (ubuntu1404, centos7)")
	upCmd.Flags().StringVarP(&upZone, "zone", "z", "", "Zone to create the instance in (default from config)")
	if err := upCmd.MarkFlagRequired("distro"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}
