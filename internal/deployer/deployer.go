package deployer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/krystofrezac/deployer/internal/buildcontext"
	"github.com/krystofrezac/deployer/internal/docker"
	"github.com/krystofrezac/deployer/internal/health"
	"github.com/krystofrezac/deployer/internal/manifest"
)

type Builder interface {
	BuildImage(ctx context.Context, dir string, tag string) (docker.BuildResult, error)
}

type Runtime interface {
	ListContainers(ctx context.Context) ([]docker.Container, error)
	RemoveContainer(ctx context.Context, name string) error
	RunContainer(ctx context.Context, opts docker.RunOpts) (docker.Container, error)
}

// ProbeFactory returns the probe used to check endpoint.
type ProbeFactory func(endpoint string) health.Probe

type Artifact struct {
	Tag string
	ID  string
}

type RunningInstance struct {
	ID            string
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
}

// Plan describes one deployment. File paths are relative to SourceDir.
type Plan struct {
	SourceDir     string
	RequiredFiles []string
	OptionalFiles []string
	// Nil means the required files already include a Dockerfile
	Manifest *manifest.Params
	// Parent of the staging directory, empty for the system temp dir
	StagingDir string

	ImageTag      string
	InstanceName  string
	HostPort      int
	ContainerPort int

	HealthURL   string
	MaxAttempts int
	Interval    time.Duration
}

type Report struct {
	State    State
	Artifact Artifact
	Instance RunningInstance
	Health   health.Result
}

type Deployer struct {
	logger   *slog.Logger
	builder  Builder
	runtime  Runtime
	newProbe ProbeFactory
}

func New(logger *slog.Logger, builder Builder, runtime Runtime, newProbe ProbeFactory) *Deployer {
	return &Deployer{
		logger:   logger,
		builder:  builder,
		runtime:  runtime,
		newProbe: newProbe,
	}
}

// Run drives a plan through INIT → CONTEXT_READY → BUILT → LAUNCHED and ends in
// HEALTHY, TIMED_OUT or FAILED. The staging directory is always removed before
// Run returns. A launched instance is never torn down here.
func (d *Deployer) Run(ctx context.Context, plan Plan) (Report, error) {
	report := Report{State: StateInit}
	fail := func(err error) (Report, error) {
		d.logger.Error("Deployment failed", "state", report.State.String(), "err", err)
		report.State = StateFailed
		return report, err
	}

	var dockerfile []byte
	if plan.Manifest != nil {
		var err error
		dockerfile, err = manifest.Render(*plan.Manifest)
		if err != nil {
			return fail(err)
		}
	}

	bc, err := d.PrepareContext(
		resolvePaths(plan.SourceDir, plan.RequiredFiles),
		resolvePaths(plan.SourceDir, plan.OptionalFiles),
		plan.StagingDir,
	)
	if err != nil {
		return fail(err)
	}
	defer bc.Close()

	if dockerfile != nil {
		if err := bc.WriteFile(manifest.FileName, dockerfile); err != nil {
			return fail(fmt.Errorf("failed to write %s: %w", manifest.FileName, err))
		}
	}
	d.advance(&report, StateContextReady)

	report.Artifact, err = d.Build(ctx, bc, plan.ImageTag)
	if err != nil {
		return fail(err)
	}
	d.advance(&report, StateBuilt)

	report.Instance, err = d.Launch(ctx, report.Artifact, plan.InstanceName, plan.HostPort, plan.ContainerPort)
	if err != nil {
		return fail(err)
	}
	d.advance(&report, StateLaunched)

	report.Health, err = d.WaitUntilHealthy(ctx, plan.HealthURL, plan.MaxAttempts, plan.Interval)
	if err != nil {
		var timeoutErr *HealthCheckTimeoutError
		if errors.As(err, &timeoutErr) {
			timeoutErr.Instance = report.Instance.Name
			d.logger.Warn("Instance did not become healthy, leaving it running", "name", report.Instance.Name, "attempts", timeoutErr.AttemptsMade)
			d.advance(&report, StateTimedOut)
			return report, err
		}
		return fail(err)
	}
	d.advance(&report, StateHealthy)

	return report, nil
}

// PrepareContext stages required and optional files into a fresh directory.
// The caller owns the returned context and must Close it. On error nothing is
// left behind.
func (d *Deployer) PrepareContext(required []string, optional []string, parentDir string) (*buildcontext.BuildContext, error) {
	bc, err := buildcontext.New(d.logger, parentDir, "deployer-build-")
	if err != nil {
		return nil, err
	}

	for _, path := range required {
		err := bc.Copy(path)
		if errors.Is(err, fs.ErrNotExist) {
			bc.Close()
			return nil, &MissingRequiredFileError{Path: path, Err: err}
		}
		if err != nil {
			bc.Close()
			return nil, fmt.Errorf("failed to stage %s: %w", path, err)
		}
		d.logger.Debug("Staged required file", "path", path)
	}

	for _, path := range optional {
		err := bc.Copy(path)
		if errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("Optional file not found, continuing without it", "path", path)
			continue
		}
		if err != nil {
			bc.Close()
			return nil, fmt.Errorf("failed to stage %s: %w", path, err)
		}
		d.logger.Debug("Staged optional file", "path", path)
	}

	return bc, nil
}

// Build is never retried.
func (d *Deployer) Build(ctx context.Context, bc *buildcontext.BuildContext, tag string) (Artifact, error) {
	d.logger.Info("Building image", "tag", tag, "context", bc.Dir())

	res, err := d.builder.BuildImage(ctx, bc.Dir(), tag)
	if err != nil {
		if ctx.Err() != nil {
			return Artifact{}, fmt.Errorf("build interrupted: %w", ctx.Err())
		}
		return Artifact{}, &BuildFailedError{Tag: tag, ExitCode: -1, Log: res.Log, Err: err}
	}
	if res.ExitCode != 0 {
		d.logger.Error("Build failed", "tag", tag, "exitCode", res.ExitCode, "output", res.Log)
		return Artifact{}, &BuildFailedError{Tag: tag, ExitCode: res.ExitCode, Log: res.Log}
	}

	d.logger.Info("Build finished", "tag", tag, "imageId", res.ImageID)
	return Artifact{Tag: tag, ID: res.ImageID}, nil
}

// Launch replaces any existing instance called name. Failing to list or remove
// the old instance is only logged; failing to start the new one is fatal.
func (d *Deployer) Launch(ctx context.Context, artifact Artifact, name string, hostPort int, containerPort int) (RunningInstance, error) {
	containers, err := d.runtime.ListContainers(ctx)
	if err != nil {
		d.logger.Warn("Failed to list containers, skipping stale instance removal", "name", name, "err", err)
	} else if slices.ContainsFunc(containers, func(c docker.Container) bool { return c.Name == name }) {
		d.logger.Info("Removing existing instance", "name", name)
		err := d.runtime.RemoveContainer(ctx, name)
		if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
			d.logger.Warn("Failed to remove existing instance", "name", name, "err", err)
		}
	}

	c, err := d.runtime.RunContainer(ctx, docker.RunOpts{
		Image:         artifact.Tag,
		Name:          name,
		HostPort:      hostPort,
		ContainerPort: containerPort,
	})
	if err != nil {
		return RunningInstance{}, &LaunchFailedError{Name: name, Reason: err.Error(), Err: err}
	}

	d.logger.Info("Instance started", "name", name, "id", c.ID, "ports", fmt.Sprintf("%d:%d", hostPort, containerPort))
	return RunningInstance{
		ID:            c.ID,
		Name:          name,
		Image:         artifact.Tag,
		HostPort:      hostPort,
		ContainerPort: containerPort,
	}, nil
}

// WaitUntilHealthy polls endpoint until it answers. Running out of attempts is
// reported as *HealthCheckTimeoutError.
func (d *Deployer) WaitUntilHealthy(ctx context.Context, endpoint string, maxAttempts int, interval time.Duration) (health.Result, error) {
	probe := d.newProbe(endpoint)

	attempt := 0
	logged := health.ProbeFunc(func(ctx context.Context) error {
		attempt++
		err := probe.Probe(ctx)
		if err != nil {
			d.logger.Info("Waiting for instance", "endpoint", endpoint, "attempt", attempt, "maxAttempts", maxAttempts, "err", err)
		}
		return err
	})

	res, err := health.Poll(ctx, logged, interval, maxAttempts)
	if err != nil {
		return res, err
	}
	if !res.Healthy() {
		return res, &HealthCheckTimeoutError{
			Endpoint:     endpoint,
			AttemptsMade: res.Attempts,
			Elapsed:      res.Elapsed,
			LastErr:      res.LastErr,
		}
	}

	d.logger.Info("Instance is healthy", "endpoint", endpoint, "attempts", res.Attempts)
	return res, nil
}

func (d *Deployer) advance(report *Report, state State) {
	d.logger.Debug("Deployment state changed", "from", report.State.String(), "to", state.String())
	report.State = state
}

func resolvePaths(dir string, files []string) []string {
	paths := make([]string, 0, len(files))
	for _, file := range files {
		if filepath.IsAbs(file) || dir == "" {
			paths = append(paths, file)
			continue
		}
		paths = append(paths, filepath.Join(dir, file))
	}
	return paths
}
