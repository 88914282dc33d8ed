package cmd

import (
	"cislave/internal/build"
	"cislave/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run the setup commands on the recorded build slave",
	Long: `Reattach to the recorded build slave, upload the configured files and
run build.setup_commands over SSH, stopping at the first failing command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		inst, kp, err := e.attach(ctx)
		if err != nil {
			return err
		}

		s := inst.State()
		if err := build.Provision(ctx, e.connect(kp), s.IPAddress, s.InstanceName, e.cfg.Build); err != nil {
			return err
		}
		logging.Logger().Info("build slave provisioned",
			zap.String("instance", s.InstanceName),
			zap.Int("commands", len(e.cfg.Build.SetupCommands)),
			zap.Int("files", len(e.cfg.Build.Files)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
