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
	"github.com/chromadesk/chromadesk-build/internal/service/build"
	"github.com/chromadesk/chromadesk-build/internal/version"
)

var (
	// options collects every flag of the root command.
	options build.Options

	// debug lowers the log level and streams tool output.
	debug bool

	// rootCmd packages the application on the current host.
	rootCmd = &cobra.Command{
		Use:   "chromadesk-build",
		Short: "Package ChromaDesk into a self-contained AppImage",
		Long: "Resolve the version, install dependencies, stage the AppDir, freeze the executable, " +
			"write the launcher and optionally compress everything into an AppImage.",
		Example: "  chromadesk-build --appimage\n" +
			"  chromadesk-build --version-update 0.4.0 --build-only",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if debug {
				logger.SetLevel(zapcore.DebugLevel)
				options.Verbose = true
			}

			result, err := build.Run(ctx, &options)
			if err != nil {
				return err
			}

			if result.Image != "" {
				logger.InfoKV(ctx, "AppImage created", "path", result.Image)
			}

			return nil
		},
	}
)

// Execute runs the chromadesk-build CLI and exits with non-zero status on error.
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
	flags.StringVar(&options.ProjectDir, "project-dir", "", "application checkout to package")
	flags.StringVarP(&options.OutputDir, "output-dir", "o", "", "directory receiving the image")
	flags.StringVar(&options.VersionUpdate, "version-update", "", "write this X.Y.Z version into the metadata files first")
	flags.BoolVar(&options.BuildOnly, "build-only", false, "stop after the version update (requires --version-update)")
	flags.BoolVar(&options.AppImage, "appimage", false, "produce the AppImage after the launcher")
	flags.BoolVar(&options.Tarball, "tarball", false, "also write a zstd tarball of the AppDir")
	flags.BoolVar(&options.SkipDeps, "skip-deps", false, "reuse the package environment without installing")
	flags.BoolVar(&debug, "debug", false, "log every command and stream tool output")
}
