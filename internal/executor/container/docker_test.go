package container

import (
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

func TestWorkerEndpointIsolated(t *testing.T) {
	settings := &dockercontainer.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{
			isolatedNetwork: {IPAddress: "172.30.0.2"},
		},
	}
	got, err := workerEndpoint(settings, true)
	if err != nil {
		t.Fatalf("workerEndpoint() error = %v", err)
	}
	if got != "http://172.30.0.2:8400" {
		t.Errorf("workerEndpoint() = %q, want container address on the isolated network", got)
	}
}

func TestWorkerEndpointIsolatedWithoutAddress(t *testing.T) {
	settings := &dockercontainer.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{},
	}
	if _, err := workerEndpoint(settings, true); err == nil {
		t.Error("workerEndpoint() with no isolated address = nil error, want failure")
	}
}

func TestWorkerEndpointBridged(t *testing.T) {
	settings := &dockercontainer.NetworkSettings{
		NetworkSettingsBase: dockercontainer.NetworkSettingsBase{
			Ports: nat.PortMap{
				nat.Port(workerPort): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "49531"}},
			},
		},
	}
	got, err := workerEndpoint(settings, false)
	if err != nil {
		t.Fatalf("workerEndpoint() error = %v", err)
	}
	if got != "http://127.0.0.1:49531" {
		t.Errorf("workerEndpoint() = %q, want published loopback binding", got)
	}
}

func TestWorkerEndpointBridgedWithoutBinding(t *testing.T) {
	settings := &dockercontainer.NetworkSettings{}
	if _, err := workerEndpoint(settings, false); err == nil {
		t.Error("workerEndpoint() with no binding = nil error, want failure")
	}
	if _, err := workerEndpoint(nil, false); err == nil {
		t.Error("workerEndpoint(nil) = nil error, want failure")
	}
}
