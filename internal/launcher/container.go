package launcher

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	dockerutil "clustercore/infra/docker"
)

// ContainerBackend launches a component as a Docker container when
// ComponentSpec.Container names an OCI image: the image is pulled and a
// container created and started in place of a forked process. It is built
// directly on infra/docker's CreateAndStart/StopAndRemove helpers.
type ContainerBackend struct {
	Client client.APIClient
}

func (b ContainerBackend) Run(ctx context.Context, spec ComponentSpec, op Operation) (Result, error) {
	name := containerName(spec.DN)

	switch op {
	case OpInstantiate:
		cfg := &container.Config{
			Image: spec.Container,
			Cmd:   buildArgv(spec.Command),
			Env:   buildEnvp(spec),
		}
		if err := dockerutil.CreateAndStart(ctx, b.Client, name, spec.Container, cfg, &container.HostConfig{}, &network.NetworkingConfig{}); err != nil {
			return Result{ExitCode: -1}, fmt.Errorf("launcher: container instantiate %s: %w", name, err)
		}
		return Result{ExitCode: 0}, nil

	case OpTerminate, OpCleanup:
		if err := dockerutil.StopAndRemove(ctx, b.Client, name); err != nil {
			return Result{ExitCode: -1}, fmt.Errorf("launcher: container %s %s: %w", op, name, err)
		}
		return Result{ExitCode: 0}, nil

	default:
		return Result{ExitCode: -1}, fmt.Errorf("launcher: unknown operation %v", op)
	}
}

func containerName(dn DN) string {
	return "clustercore-" + dn.Comp
}
