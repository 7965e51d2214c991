package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// apiClient is the subset of *client.Client used here
type apiClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// API talks to the Docker Engine API directly.
type API struct {
	logger       *slog.Logger
	dockerClient apiClient
}

// NewAPI connects using the DOCKER_* environment variables.
func NewAPI(logger *slog.Logger) (*API, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize docker client: %w", err)
	}
	return &API{logger: logger, dockerClient: dockerClient}, nil
}

func (a *API) BuildImage(ctx context.Context, dir string, tag string) (BuildResult, error) {
	buildContext, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return BuildResult{}, fmt.Errorf("failed to archive build context: %w", err)
	}
	defer buildContext.Close()

	res, err := a.dockerClient.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			ManagedLabel: "true",
		},
	})
	if err != nil {
		return BuildResult{}, fmt.Errorf("failed to start image build: %w", err)
	}
	defer res.Body.Close()

	var output bytes.Buffer
	var imageID string
	err = jsonmessage.DisplayJSONMessagesStream(res.Body, &output, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var aux struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
			imageID = aux.ID
		}
	})
	if err != nil {
		var jsonErr *jsonmessage.JSONError
		if errors.As(err, &jsonErr) {
			exitCode := jsonErr.Code
			if exitCode == 0 {
				exitCode = 1
			}
			output.WriteString(jsonErr.Message)
			return BuildResult{ExitCode: exitCode, Log: output.String()}, nil
		}
		return BuildResult{}, fmt.Errorf("failed to read build output: %w", err)
	}
	a.logger.Debug("Build output", "output", output.String())

	return BuildResult{ImageID: imageID, Log: output.String()}, nil
}

func (a *API) ListContainers(ctx context.Context) ([]Container, error) {
	list, err := a.dockerClient.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	containers := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		containers = append(containers, Container{
			ID:    c.ID,
			Name:  name,
			Image: c.Image,
			State: c.State,
		})
	}
	return containers, nil
}

func (a *API) RemoveContainer(ctx context.Context, name string) error {
	err := a.dockerClient.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return ErrContainerNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

func (a *API) RunContainer(ctx context.Context, opts RunOpts) (Container, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(opts.ContainerPort))
	if err != nil {
		return Container{}, fmt.Errorf("invalid container port %d: %w", opts.ContainerPort, err)
	}

	labels := map[string]string{ManagedLabel: "true"}
	for name, value := range opts.Labels {
		labels[name] = value
	}

	created, err := a.dockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        opts.Image,
			Labels:       labels,
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				port: []nat.PortBinding{{HostPort: strconv.Itoa(opts.HostPort)}},
			},
		},
		nil,
		nil,
		opts.Name,
	)
	if err != nil {
		return Container{}, fmt.Errorf("failed to create container: %w", err)
	}
	for _, warning := range created.Warnings {
		a.logger.Warn("Container create warning", "name", opts.Name, "warning", warning)
	}

	err = a.dockerClient.ContainerStart(ctx, created.ID, container.StartOptions{})
	if err != nil {
		// A created but never started container has no logs worth keeping
		removeErr := a.dockerClient.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			a.logger.Warn("Failed to remove container that did not start", "name", opts.Name, "err", removeErr)
		}
		return Container{}, fmt.Errorf("failed to start container: %w", err)
	}

	return Container{
		ID:    created.ID,
		Name:  opts.Name,
		Image: opts.Image,
		State: "running",
	}, nil
}

func (a *API) Logs(ctx context.Context, name string, w io.Writer) error {
	logs, err := a.dockerClient.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if errdefs.IsNotFound(err) {
		return ErrContainerNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(w, w, logs)
	return err
}

func (a *API) Close() error {
	return a.dockerClient.Close()
}
