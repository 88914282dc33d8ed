package cmd

import (
	"fmt"

	"cislave/internal/build"
	"cislave/internal/config"
	"cislave/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var buildDistros []string

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build fresh build slave images",
	Long: `For every distribution create a build slave, provision it, delete it and
create an image from its disk. Distributions are built concurrently, at most
build.max_parallel at a time. The state file is not touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		distros := config.Distributions()
		if len(buildDistros) > 0 {
			distros = distros[:0]
			for _, name := range buildDistros {
				d, err := config.ParseDistribution(name)
				if err != nil {
					return err
				}
				distros = append(distros, d)
			}
		}

		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		kp, err := e.keys()
		if err != nil {
			return err
		}
		readiness, err := e.readiness(kp)
		if err != nil {
			return err
		}

		logging.Logger().Info("starting image build",
			zap.Strings("distributions", logging.TruncateSlice(distroNames(distros), 10)),
			zap.Int("max_parallel", e.cfg.Build.MaxParallel))

		results, err := build.Run(cmd.Context(), build.Deps{
			Config:    e.cfg,
			NewClient: e.newClient,
			Readiness: readiness,
			Connect:   e.connect(kp),
			PublicKey: kp.PublicKey,
		}, distros)
		for _, r := range results {
			if r.Err == nil {
				fmt.Printf("%s\t%s\n", r.Distribution, r.Image)
			}
		}
		return err
	},
}

func distroNames(distros []config.Distribution) []string {
	names := make([]string, len(distros))
	for i, d := range distros {
		names[i] = string(d)
	}
	return names
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringSliceVarP(&buildDistros, "distro", "d", nil, "Distributions to build (default all)")
}
