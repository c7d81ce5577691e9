package container

import (
	"context"
	"fmt"
	"io"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/HyphaGroup/reliquary/internal/logger"
)

// workerPort is the port the HTTP-mode worker listens on inside the
// container.
const workerPort = "8400/tcp"

// isolatedNetwork is the internal bridge network used for network mode
// "none". Docker's literal none mode has no interfaces at all, which would
// leave the worker unreachable; an internal network cuts the route out while
// the host can still reach the worker port directly.
const isolatedNetwork = "reliquary-isolated"

// launchDocker creates and starts the worker container. On the isolated
// network the worker is addressed by its container IP; on routed networks
// the worker port is published on an ephemeral loopback port.
func (e *Executor) launchDocker(ctx context.Context) (string, func() error, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", nil, fmt.Errorf("create docker client: %w", err)
	}

	if e.opts.PullImage {
		reader, err := cli.ImagePull(ctx, e.opts.Image, image.PullOptions{})
		if err != nil {
			cli.Close()
			return "", nil, fmt.Errorf("pull image %s: %w", e.opts.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	containerConfig := &dockercontainer.Config{
		Image: e.opts.Image,
		Cmd:   []string{"reliquary-worker", "--http", "--http-addr", ":8400"},
		ExposedPorts: nat.PortSet{
			nat.Port(workerPort): struct{}{},
		},
		Labels: map[string]string{"reliquary.role": "worker"},
	}

	isolated := e.opts.NetworkMode == "none"
	hostConfig := &dockercontainer.HostConfig{
		AutoRemove: true,
		Resources: dockercontainer.Resources{
			Memory:   e.opts.Memory,
			NanoCPUs: int64(e.opts.CPUs * 1e9),
		},
	}
	if isolated {
		if err := ensureIsolatedNetwork(ctx, cli); err != nil {
			cli.Close()
			return "", nil, err
		}
		hostConfig.NetworkMode = dockercontainer.NetworkMode(isolatedNetwork)
	} else {
		hostConfig.NetworkMode = dockercontainer.NetworkMode(e.opts.NetworkMode)
		hostConfig.PortBindings = nat.PortMap{
			nat.Port(workerPort): []nat.PortBinding{{HostIP: "127.0.0.1"}},
		}
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		cli.Close()
		return "", nil, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	teardown := func() error {
		ctx := context.Background()
		if err := cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{}); err != nil {
			logger.Slog().Warn("container stop failed, forcing removal", "id", containerID[:12], "err", err)
			cli.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true})
		}
		return cli.Close()
	}

	if err := cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		teardown()
		return "", nil, fmt.Errorf("start container: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		teardown()
		return "", nil, fmt.Errorf("inspect container: %w", err)
	}
	endpoint, err := workerEndpoint(inspect.NetworkSettings, isolated)
	if err != nil {
		teardown()
		return "", nil, err
	}

	logger.Slog().Info("container worker started", "id", containerID[:12], "endpoint", endpoint)
	return endpoint, teardown, nil
}

// ensureIsolatedNetwork creates the internal bridge network if it does not
// exist yet. The network is shared by all isolated workers and left in place
// on teardown.
func ensureIsolatedNetwork(ctx context.Context, cli *client.Client) error {
	if _, err := cli.NetworkInspect(ctx, isolatedNetwork, network.InspectOptions{}); err == nil {
		return nil
	}
	if _, err := cli.NetworkCreate(ctx, isolatedNetwork, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
	}); err != nil {
		// A concurrent launch may have won the creation race.
		if _, inspectErr := cli.NetworkInspect(ctx, isolatedNetwork, network.InspectOptions{}); inspectErr == nil {
			return nil
		}
		return fmt.Errorf("create isolated network: %w", err)
	}
	return nil
}

// workerEndpoint resolves how the host reaches the worker: at the container's
// address on the isolated network, or through the published loopback binding
// on routed networks.
func workerEndpoint(settings *dockercontainer.NetworkSettings, isolated bool) (string, error) {
	if settings == nil {
		return "", fmt.Errorf("container has no network settings")
	}
	if isolated {
		ep := settings.Networks[isolatedNetwork]
		if ep == nil || ep.IPAddress == "" {
			return "", fmt.Errorf("container has no address on network %s", isolatedNetwork)
		}
		return fmt.Sprintf("http://%s:%s", ep.IPAddress, nat.Port(workerPort).Port()), nil
	}
	bindings := settings.Ports[nat.Port(workerPort)]
	if len(bindings) == 0 {
		return "", fmt.Errorf("container exposed no binding for %s", workerPort)
	}
	return fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort), nil
}
