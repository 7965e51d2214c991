package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/krystofrezac/deployer/internal/configuration"
	"github.com/krystofrezac/deployer/internal/deployer"
	"github.com/krystofrezac/deployer/internal/docker"
	"github.com/krystofrezac/deployer/internal/health"
	"github.com/krystofrezac/deployer/internal/logging"
	"github.com/krystofrezac/deployer/internal/manifest"
	"github.com/spf13/cobra"
)

type engine interface {
	deployer.Builder
	deployer.Runtime
	Logs(ctx context.Context, name string, w io.Writer) error
	Close() error
}

// Replaced in tests
var newEngine = func(cfg *configuration.Config, logger *slog.Logger) (engine, error) {
	switch cfg.Engine {
	case "api":
		api, err := docker.NewAPI(logger)
		if err != nil {
			return nil, err
		}
		return api, nil
	default:
		return docker.NewCLI(logger, cfg.DockerBinary), nil
	}
}

func NewCmdRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployer",
		Short: "Build, launch and health check a containerized web service",
		Long: `Deployer stages the application files into a disposable build context,
builds an image, replaces any container with the same name and waits until the
service answers on its health endpoint.

Exit codes: 0 healthy, 1 failed, 2 launched but never became healthy.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDeploy,
	}

	addPersistentFlags(cmd)
	addDeployFlags(cmd)

	cmd.AddCommand(NewCmdLogs())
	cmd.AddCommand(NewCmdRemove())
	cmd.AddCommand(NewCmdConfig())
	return cmd
}

// setup loads configuration and the logger shared by every command.
func setup(cmd *cobra.Command) (*configuration.Config, *slog.Logger, error) {
	cfg, err := configuration.LoadConfig(configPath, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	plan, err := buildPlan(cfg)
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	d := deployer.New(logger, eng, eng, func(endpoint string) health.Probe {
		return health.NewHTTPProbe(endpoint, cfg.Health.RequestTimeout)
	})

	p := newPrinter(cmd.OutOrStdout(), noColor)
	p.Plain("Deploying %s as %s on port %d", cfg.App.ImageTag, cfg.Container.Name, cfg.Container.HostPort)

	report, err := d.Run(cmd.Context(), plan)
	if err != nil {
		return err
	}

	p.Success(
		"%s is healthy at %s (%d attempt(s), %s)",
		report.Instance.Name, cfg.Health.URL, report.Health.Attempts, report.Health.Elapsed.Round(time.Millisecond),
	)
	return nil
}

func buildPlan(cfg *configuration.Config) (deployer.Plan, error) {
	plan := deployer.Plan{
		SourceDir:     cfg.App.SourceDir,
		RequiredFiles: cfg.App.RequiredFiles,
		OptionalFiles: cfg.App.OptionalFiles,
		StagingDir:    cfg.App.StagingDir,
		ImageTag:      cfg.App.ImageTag,
		InstanceName:  cfg.Container.Name,
		HostPort:      cfg.Container.HostPort,
		ContainerPort: cfg.Container.ContainerPort,
		HealthURL:     cfg.Health.URL,
		MaxAttempts:   cfg.Health.MaxAttempts,
		Interval:      cfg.Health.Interval,
	}

	if cfg.Manifest.Generate {
		env, err := cfg.Manifest.EnvMap()
		if err != nil {
			return deployer.Plan{}, fmt.Errorf("invalid manifest env: %w", err)
		}
		plan.Manifest = &manifest.Params{
			BaseImage:      cfg.Manifest.BaseImage,
			WorkDir:        cfg.Manifest.WorkDir,
			Env:            env,
			InstallCommand: cfg.Manifest.InstallCommand,
			Port:           cfg.Container.ContainerPort,
			StartCommand:   cfg.Manifest.StartCommand,
		}
	}

	return plan, nil
}
