package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/logger"
	"github.com/chromadesk/chromadesk-build/internal/service/release"
	"github.com/chromadesk/chromadesk-build/internal/version"
)

var (
	// options collects every flag of the root command.
	options release.Options

	// rootCmd builds the release matrix and publishes its images.
	rootCmd = &cobra.Command{
		Use:   "chromadesk-release",
		Short: "Build ChromaDesk in every matrix environment and publish one release",
		Long: "Run chromadesk-build --appimage in each configured base environment in parallel, " +
			"tag every image with its environment and upload them all to a single release.",
		Example: "  GITHUB_TOKEN=... chromadesk-release --version-update 0.4.0\n" +
			"  chromadesk-release --executor local --dry-run",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if options.Debug {
				logger.SetLevel(zapcore.DebugLevel)
			}

			_, err := release.Run(ctx, &options)

			return err
		},
	}
)

// Execute runs the chromadesk-release CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error(context.Background(), err)
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := rootCmd.Flags()

	flags.StringVarP(&options.ConfigPath, "config", "c", "", "path to configuration file (default "+
		config.DefaultConfigFilename+" if present)")
	flags.StringVar(&options.VersionUpdate, "version-update", "", "write this X.Y.Z version into the metadata files first")
	flags.StringVar(&options.Executor, "executor", release.ExecutorDocker, "where environments run: docker or local")
	flags.StringVar(&options.Tag, "tag", "", "release tag (default v<version>)")
	flags.BoolVar(&options.DryRun, "dry-run", false, "build and collect images without publishing")
	flags.BoolVar(&options.Debug, "debug", false, "log every command and forward --debug to each build")
}
