package cmd

import (
	"errors"
	"fmt"
	"time"

	"cislave/internal/build"
	"cislave/internal/config"
	"cislave/internal/instance"
	"cislave/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var imageName string

// downCmd represents the down command
var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the recorded build slave",
	Long:  `Stop the recorded build slave. Its disk and state record are kept so it can be attached again.`,
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
		if err := inst.Down(ctx); err != nil {
			return err
		}
		return e.save(ctx, inst.State())
	},
}

// destroyCmd represents the destroy command
var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete the recorded build slave",
	Long: `Delete the recorded build slave and its state record. The boot disk is
kept. When the instance no longer exists the stale record is removed.`,
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
		var notFound *instance.InstanceNotFoundError
		if errors.As(err, &notFound) {
			logging.Logger().Warn("instance already gone, removing stale state",
				zap.String("instance", notFound.Instance))
			return e.forget(ctx)
		}
		if err != nil {
			return err
		}

		if err := inst.Destroy(ctx); err != nil {
			return err
		}
		return e.forget(ctx)
	},
}

// imageCmd represents the image command
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Turn the recorded build slave into an image",
	Long: `Delete the recorded build slave and create an image from its boot disk.
When the instance is already gone its kept disk is imaged anyway. The state
record is removed once the image exists.`,
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
		var notFound *instance.InstanceNotFoundError
		if errors.As(err, &notFound) {
			logging.Logger().Warn("instance already gone, imaging its kept disk",
				zap.String("instance", notFound.Instance))
			inst, err = e.bind(ctx)
		}
		if err != nil {
			return err
		}

		name := imageName
		if name == "" {
			name = build.ImageName(e.cfg.Build.ImagePrefix, config.Distribution(inst.State().Distribution), time.Now())
		}
		image, err := inst.CreateImage(ctx, name)
		if err != nil {
			return err
		}
		if err := e.forget(ctx); err != nil {
			return err
		}
		fmt.Println(image)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(imageCmd)

	imageCmd.Flags().StringVarP(&imageName, "name", "n", "", "Image name (default <image_prefix>-<distro>-<unix time>)")
}
