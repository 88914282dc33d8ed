package cmd

import (
	"fmt"

	"cislave/internal/config"
	sshkeys "cislave/internal/ssh"

	"github.com/spf13/cobra"
)

// keygenCmd represents the keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the build user's SSH key pair",
	Long: `Write a new RSA key pair to private_key_filename and public_key_filename.
Existing keys are never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		kp, err := sshkeys.GenerateKeyPair(cfg.PrivateKeyFile, cfg.PublicKeyFile)
		if err != nil {
			return err
		}
		fmt.Println(kp.PublicKeyPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
