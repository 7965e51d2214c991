package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

type commandRunner func(ctx context.Context, stdout io.Writer, stderr io.Writer, name string, arg ...string) error

// CLI drives the docker command line client.
type CLI struct {
	logger *slog.Logger
	binary string
	run    commandRunner
}

func NewCLI(logger *slog.Logger, binary string) *CLI {
	if binary == "" {
		binary = "docker"
	}
	return &CLI{logger: logger, binary: binary, run: runCommand}
}

// BuildImage runs `docker build`. A builder that ran and exited non-zero is not
// an error here; it is reported through BuildResult.ExitCode.
func (c *CLI) BuildImage(ctx context.Context, dir string, tag string) (BuildResult, error) {
	var output bytes.Buffer
	err := c.run(ctx, &output, &output, c.binary,
		"build", dir,
		"--tag", tag,
		"--label", ManagedLabel+"=true",
	)
	if err != nil {
		if ctx.Err() != nil {
			return BuildResult{}, ctx.Err()
		}
		// *exec.ExitError
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			return BuildResult{ExitCode: exitErr.ExitCode(), Log: output.String()}, nil
		}
		return BuildResult{}, fmt.Errorf("failed to run %s build: %w", c.binary, err)
	}
	c.logger.Debug("Build output", "output", output.String())

	imageID, err := c.imageID(ctx, tag)
	if err != nil {
		c.logger.Warn("Failed to get image id", "tag", tag, "err", err)
	}

	return BuildResult{ImageID: imageID, Log: output.String()}, nil
}

func (c *CLI) ListContainers(ctx context.Context) ([]Container, error) {
	stdout, stderr, err := c.output(ctx,
		"container", "ls", "--all", "--no-trunc",
		"--format", "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.State}}",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w\nstderr=%s", err, stderr)
	}

	var containers []Container
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected container listing line %q", line)
		}
		containers = append(containers, Container{
			ID:    fields[0],
			Name:  fields[1],
			Image: fields[2],
			State: fields[3],
		})
	}
	return containers, nil
}

// RemoveContainer force-removes a container, stopping it first if needed.
func (c *CLI) RemoveContainer(ctx context.Context, name string) error {
	stdout, stderr, err := c.output(ctx, "container", "rm", "--force", name)
	if err != nil {
		if strings.Contains(strings.ToLower(stderr), "no such container") {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container\nstdout=%s stderr=%s", stdout, stderr)
	}
	return nil
}

func (c *CLI) RunContainer(ctx context.Context, opts RunOpts) (Container, error) {
	args := []string{
		"run",
		"--detach",
		"--name", opts.Name,
		"--publish", opts.PortMapping(),
		"--label", ManagedLabel + "=true",
	}

	labelNames := make([]string, 0, len(opts.Labels))
	for name := range opts.Labels {
		labelNames = append(labelNames, name)
	}
	sort.Strings(labelNames)
	for _, name := range labelNames {
		args = append(args, "--label", name+"="+opts.Labels[name])
	}
	args = append(args, opts.Image)

	stdout, stderr, err := c.output(ctx, args...)
	if err != nil {
		reason := strings.TrimSpace(stderr)
		if reason == "" {
			reason = err.Error()
		}
		return Container{}, errors.New(reason)
	}

	return Container{
		ID:    strings.TrimSpace(stdout),
		Name:  opts.Name,
		Image: opts.Image,
		State: "running",
	}, nil
}

// Logs copies the container's combined stdout and stderr into w.
func (c *CLI) Logs(ctx context.Context, name string, w io.Writer) error {
	var stderr bytes.Buffer
	err := c.run(ctx, w, io.MultiWriter(w, &stderr), c.binary, "container", "logs", name)
	if err != nil {
		if strings.Contains(strings.ToLower(stderr.String()), "no such container") {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	return nil
}

func (c *CLI) Close() error {
	return nil
}

func (c *CLI) imageID(ctx context.Context, tag string) (string, error) {
	stdout, stderr, err := c.output(ctx, "image", "inspect", tag, "--format", "{{.Id}}")
	if err != nil {
		return "", fmt.Errorf("%w\nstderr=%s", err, stderr)
	}
	return strings.TrimSpace(stdout), nil
}

func (c *CLI) output(ctx context.Context, arg ...string) (string, string, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	err := c.run(ctx, &stdout, &stderr, c.binary, arg...)
	c.logger.Debug("docker command finished", "args", arg, "stdout", stdout.String(), "stderr", stderr.String(), "err", err)
	return stdout.String(), stderr.String(), err
}

func runCommand(ctx context.Context, stdout io.Writer, stderr io.Writer, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
