package deployer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/krystofrezac/deployer/internal/docker"
	"github.com/krystofrezac/deployer/internal/health"
	"github.com/krystofrezac/deployer/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	result docker.BuildResult
	err    error
	calls  int
	dir    string
	staged []string
}

func (f *fakeBuilder) BuildImage(ctx context.Context, dir string, tag string) (docker.BuildResult, error) {
	f.calls++
	f.dir = dir
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		f.staged = append(f.staged, entry.Name())
	}
	return f.result, f.err
}

type fakeRuntime struct {
	containers []docker.Container
	listErr    error
	removeErr  error
	runErr     error
	// Records "remove:<name>" and "run:<name>" in call order
	events  []string
	runOpts docker.RunOpts
}

func (f *fakeRuntime) ListContainers(ctx context.Context) ([]docker.Container, error) {
	return f.containers, f.listErr
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	f.events = append(f.events, "remove:"+name)
	return f.removeErr
}

func (f *fakeRuntime) RunContainer(ctx context.Context, opts docker.RunOpts) (docker.Container, error) {
	f.events = append(f.events, "run:"+opts.Name)
	f.runOpts = opts
	if f.runErr != nil {
		return docker.Container{}, f.runErr
	}
	return docker.Container{ID: "c0ffee", Name: opts.Name, Image: opts.Image, State: "running"}, nil
}

type fakeProbe struct {
	succeedAt int
	calls     int
	endpoint  string
}

func (f *fakeProbe) Probe(ctx context.Context) error {
	f.calls++
	if f.succeedAt > 0 && f.calls >= f.succeedAt {
		return nil
	}
	return errors.New("connection refused")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDeployer(builder *fakeBuilder, runtime *fakeRuntime, probe *fakeProbe) *Deployer {
	return New(testLogger(), builder, runtime, func(endpoint string) health.Probe {
		probe.endpoint = endpoint
		return probe
	})
}

func writeSource(t *testing.T, files ...string) string {
	dir := t.TempDir()
	for _, file := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(file), 0644))
	}
	return dir
}

func testPlan(t *testing.T, sourceDir string) Plan {
	return Plan{
		SourceDir:     sourceDir,
		RequiredFiles: []string{"myapp.py"},
		OptionalFiles: []string{"requirements.txt"},
		Manifest: &manifest.Params{
			BaseImage:    "python:3.11-slim",
			WorkDir:      "/app",
			Port:         8000,
			StartCommand: []string{"python", "myapp.py"},
		},
		StagingDir:    t.TempDir(),
		ImageTag:      "task-service:latest",
		InstanceName:  "task-service",
		HostPort:      8000,
		ContainerPort: 8000,
		HealthURL:     "http://localhost:8000/",
		MaxAttempts:   15,
		Interval:      time.Millisecond,
	}
}

func assertStagingRemoved(t *testing.T, plan Plan) {
	entries, err := os.ReadDir(plan.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory should be removed")
}

func TestRun_HealthyOnFirstProbe(t *testing.T) {
	builder := &fakeBuilder{result: docker.BuildResult{ImageID: "sha256:abc"}}
	runtime := &fakeRuntime{}
	probe := &fakeProbe{succeedAt: 1}
	d := newTestDeployer(builder, runtime, probe)
	plan := testPlan(t, writeSource(t, "myapp.py", "requirements.txt"))

	report, err := d.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, StateHealthy, report.State)
	assert.Equal(t, ExitHealthy, ExitCode(err))
	assert.Equal(t, Artifact{Tag: "task-service:latest", ID: "sha256:abc"}, report.Artifact)
	assert.Equal(t, "c0ffee", report.Instance.ID)
	assert.Equal(t, 1, report.Health.Attempts)
	assert.Equal(t, 1, probe.calls)
	assert.Equal(t, "http://localhost:8000/", probe.endpoint)

	assert.Equal(t, 1, builder.calls)
	assert.ElementsMatch(t, []string{"Dockerfile", "myapp.py", "requirements.txt"}, builder.staged)
	assert.Equal(t, []string{"run:task-service"}, runtime.events)
	assert.Equal(t, docker.RunOpts{Image: "task-service:latest", Name: "task-service", HostPort: 8000, ContainerPort: 8000}, runtime.runOpts)
	assertStagingRemoved(t, plan)
}

func TestRun_MissingRequiredFile(t *testing.T) {
	builder := &fakeBuilder{}
	runtime := &fakeRuntime{}
	probe := &fakeProbe{succeedAt: 1}
	d := newTestDeployer(builder, runtime, probe)
	plan := testPlan(t, writeSource(t, "requirements.txt"))

	report, err := d.Run(context.Background(), plan)

	var missingErr *MissingRequiredFileError
	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, filepath.Join(plan.SourceDir, "myapp.py"), missingErr.Path)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, ExitFailed, ExitCode(err))
	assert.Equal(t, 0, builder.calls)
	assert.Empty(t, runtime.events)
	assert.Equal(t, 0, probe.calls)
	assertStagingRemoved(t, plan)
}

func TestRun_TimesOutAndLeavesInstanceRunning(t *testing.T) {
	builder := &fakeBuilder{}
	runtime := &fakeRuntime{}
	probe := &fakeProbe{}
	d := newTestDeployer(builder, runtime, probe)
	plan := testPlan(t, writeSource(t, "myapp.py"))
	plan.Interval = 5 * time.Millisecond

	report, err := d.Run(context.Background(), plan)

	var timeoutErr *HealthCheckTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 15, timeoutErr.AttemptsMade)
	assert.Equal(t, "task-service", timeoutErr.Instance)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 14*plan.Interval)
	assert.Equal(t, StateTimedOut, report.State)
	assert.Equal(t, ExitTimedOut, ExitCode(err))
	assert.Equal(t, 15, probe.calls)
	// no teardown after launch
	assert.Equal(t, []string{"run:task-service"}, runtime.events)
	assertStagingRemoved(t, plan)
}

func TestRun_BuildFailure(t *testing.T) {
	builder := &fakeBuilder{result: docker.BuildResult{ExitCode: 1, Log: "ERROR: No matching distribution found for fastapi"}}
	runtime := &fakeRuntime{}
	probe := &fakeProbe{succeedAt: 1}
	d := newTestDeployer(builder, runtime, probe)
	plan := testPlan(t, writeSource(t, "myapp.py"))

	report, err := d.Run(context.Background(), plan)

	var buildErr *BuildFailedError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, 1, buildErr.ExitCode)
	assert.Contains(t, buildErr.Log, "No matching distribution")
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, ExitFailed, ExitCode(err))
	assert.Equal(t, 1, builder.calls)
	assert.Empty(t, runtime.events)
	assertStagingRemoved(t, plan)
}

func TestRun_BuilderUnavailable(t *testing.T) {
	builder := &fakeBuilder{err: errors.New("Cannot connect to the Docker daemon")}
	d := newTestDeployer(builder, &fakeRuntime{}, &fakeProbe{})
	plan := testPlan(t, writeSource(t, "myapp.py"))

	_, err := d.Run(context.Background(), plan)

	var buildErr *BuildFailedError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, -1, buildErr.ExitCode)
	assert.ErrorContains(t, err, "Cannot connect")
}

func TestRun_LaunchFailure(t *testing.T) {
	runtime := &fakeRuntime{runErr: errors.New("port is already allocated")}
	probe := &fakeProbe{succeedAt: 1}
	d := newTestDeployer(&fakeBuilder{}, runtime, probe)
	plan := testPlan(t, writeSource(t, "myapp.py"))

	report, err := d.Run(context.Background(), plan)

	var launchErr *LaunchFailedError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "port is already allocated", launchErr.Reason)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, ExitFailed, ExitCode(err))
	assert.Equal(t, 0, probe.calls)
	assertStagingRemoved(t, plan)
}

func TestRun_InvalidManifest(t *testing.T) {
	builder := &fakeBuilder{}
	d := newTestDeployer(builder, &fakeRuntime{}, &fakeProbe{})
	plan := testPlan(t, writeSource(t, "myapp.py"))
	plan.Manifest.Port = 0

	report, err := d.Run(context.Background(), plan)
	assert.Error(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, 0, builder.calls)
	assertStagingRemoved(t, plan)
}

func TestRun_WithoutManifestUsesStagedDockerfile(t *testing.T) {
	builder := &fakeBuilder{}
	d := newTestDeployer(builder, &fakeRuntime{}, &fakeProbe{succeedAt: 1})
	plan := testPlan(t, writeSource(t, "myapp.py", "Dockerfile"))
	plan.Manifest = nil
	plan.RequiredFiles = []string{"myapp.py", "Dockerfile"}

	_, err := d.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Dockerfile", "myapp.py"}, builder.staged)
}

func TestRun_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	builder := &fakeBuilder{}
	runtime := &fakeRuntime{}
	d := New(testLogger(), builder, runtime, func(endpoint string) health.Probe {
		return health.ProbeFunc(func(ctx context.Context) error {
			cancel()
			return errors.New("connection refused")
		})
	})
	plan := testPlan(t, writeSource(t, "myapp.py"))
	plan.Interval = time.Hour

	report, err := d.Run(ctx, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, ExitFailed, ExitCode(err))
	assert.Equal(t, []string{"run:task-service"}, runtime.events)
	assertStagingRemoved(t, plan)
}

func TestPrepareContext_OptionalFileMissing(t *testing.T) {
	d := newTestDeployer(&fakeBuilder{}, &fakeRuntime{}, &fakeProbe{})
	src := writeSource(t, "myapp.py")

	bc, err := d.PrepareContext(
		[]string{filepath.Join(src, "myapp.py")},
		[]string{filepath.Join(src, "requirements.txt")},
		t.TempDir(),
	)
	require.NoError(t, err)
	defer bc.Close()

	files, err := bc.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"myapp.py"}, files)
}

func TestPrepareContext_MissingRequiredRemovesStaging(t *testing.T) {
	d := newTestDeployer(&fakeBuilder{}, &fakeRuntime{}, &fakeProbe{})
	src := writeSource(t, "requirements.txt")
	parent := t.TempDir()

	bc, err := d.PrepareContext(
		[]string{filepath.Join(src, "myapp.py")},
		[]string{filepath.Join(src, "requirements.txt")},
		parent,
	)
	assert.Nil(t, bc)

	var missingErr *MissingRequiredFileError
	require.ErrorAs(t, err, &missingErr)
	assert.ErrorIs(t, err, os.ErrNotExist)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLaunch_RemovesExistingInstanceFirst(t *testing.T) {
	runtime := &fakeRuntime{containers: []docker.Container{
		{ID: "old", Name: "task-service", State: "exited"},
		{ID: "x", Name: "unrelated", State: "running"},
	}}
	d := newTestDeployer(&fakeBuilder{}, runtime, &fakeProbe{})

	instance, err := d.Launch(context.Background(), Artifact{Tag: "task-service:latest"}, "task-service", 8080, 8000)
	require.NoError(t, err)

	assert.Equal(t, []string{"remove:task-service", "run:task-service"}, runtime.events)
	assert.Equal(t, RunningInstance{ID: "c0ffee", Name: "task-service", Image: "task-service:latest", HostPort: 8080, ContainerPort: 8000}, instance)
}

func TestLaunch_RemovalFailureDoesNotBlockStart(t *testing.T) {
	runtime := &fakeRuntime{
		containers: []docker.Container{{ID: "old", Name: "task-service"}},
		removeErr:  errors.New("permission denied"),
	}
	d := newTestDeployer(&fakeBuilder{}, runtime, &fakeProbe{})

	_, err := d.Launch(context.Background(), Artifact{Tag: "img"}, "task-service", 8000, 8000)
	require.NoError(t, err)
	assert.Equal(t, []string{"remove:task-service", "run:task-service"}, runtime.events)
}

func TestLaunch_ListFailureDoesNotBlockStart(t *testing.T) {
	runtime := &fakeRuntime{listErr: errors.New("daemon busy")}
	d := newTestDeployer(&fakeBuilder{}, runtime, &fakeProbe{})

	_, err := d.Launch(context.Background(), Artifact{Tag: "img"}, "task-service", 8000, 8000)
	require.NoError(t, err)
	assert.Equal(t, []string{"run:task-service"}, runtime.events)
}

func TestLaunch_NoExistingInstance(t *testing.T) {
	runtime := &fakeRuntime{containers: []docker.Container{{ID: "x", Name: "task-service-old"}}}
	d := newTestDeployer(&fakeBuilder{}, runtime, &fakeProbe{})

	_, err := d.Launch(context.Background(), Artifact{Tag: "img"}, "task-service", 8000, 8000)
	require.NoError(t, err)
	assert.Equal(t, []string{"run:task-service"}, runtime.events)
}

func TestWaitUntilHealthy_SucceedsOnLaterAttempt(t *testing.T) {
	probe := &fakeProbe{succeedAt: 3}
	d := newTestDeployer(&fakeBuilder{}, &fakeRuntime{}, probe)

	res, err := d.WaitUntilHealthy(context.Background(), "http://localhost:8000/", 15, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Healthy())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, probe.calls)
}

func TestWaitUntilHealthy_TimeoutError(t *testing.T) {
	probe := &fakeProbe{}
	d := newTestDeployer(&fakeBuilder{}, &fakeRuntime{}, probe)

	res, err := d.WaitUntilHealthy(context.Background(), "http://localhost:8000/", 3, time.Millisecond)

	var timeoutErr *HealthCheckTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 3, timeoutErr.AttemptsMade)
	assert.Equal(t, "http://localhost:8000/", timeoutErr.Endpoint)
	assert.ErrorContains(t, timeoutErr.Unwrap(), "connection refused")
	assert.Equal(t, health.StatusTimedOut, res.Status)
}
