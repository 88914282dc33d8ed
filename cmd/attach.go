package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Reattach to the recorded build slave",
	Long: `Look up the instance recorded in the state file, start it if it was
stopped, wait until it accepts SSH and refresh its IP address in the state.`,
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

		inst, _, err := e.attach(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", inst.State().InstanceName, inst.State().IPAddress)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
