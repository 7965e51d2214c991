package docker

import (
	"errors"
	"fmt"
)

const domain = "dev.deployer"

// ManagedLabel marks images and containers created by deployer.
const ManagedLabel = domain + ".managed"

var ErrContainerNotFound = errors.New("container not found")

// BuildResult is what the image builder reports. A non-zero ExitCode means the
// build itself failed; Log holds the builder output for diagnosis.
type BuildResult struct {
	ImageID  string
	ExitCode int
	Log      string
}

type Container struct {
	ID    string
	Name  string
	Image string
	State string
}

type RunOpts struct {
	Image         string
	Name          string
	HostPort      int
	ContainerPort int
	Labels        map[string]string
}

// PortMapping in standard Docker format <host>:<container>
func (o RunOpts) PortMapping() string {
	return fmt.Sprintf("%d:%d", o.HostPort, o.ContainerPort)
}
