package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var stateOutput string

// stateCmd represents the state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the recorded build slave",
	Long:  `Print the state record without contacting the cloud provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		s, err := e.store.Load(cmd.Context(), e.path)
		if err != nil {
			return err
		}

		var out []byte
		switch stateOutput {
		case "json":
			out, err = json.MarshalIndent(s, "", "  ")
			out = append(out, '\n')
		case "yaml":
			out, err = yaml.Marshal(s)
		default:
			return fmt.Errorf("unsupported output format %q (json, yaml)", stateOutput)
		}
		if err != nil {
			return fmt.Errorf("failed to render state: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)

	stateCmd.Flags().StringVarP(&stateOutput, "output", "o", "json", "Output format: json or yaml")
}
