package lxd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/lxtui/lxtui/pkg/engine"
)

// Image servers known by remote name, as configured by a stock lxc client.
var ImageRemotes = map[string]string{
	"ubuntu":         "https://cloud-images.ubuntu.com/releases",
	"ubuntu-daily":   "https://cloud-images.ubuntu.com/daily",
	"ubuntu-minimal": "https://cloud-images.ubuntu.com/minimal/releases",
	"images":         "https://images.lxd.canonical.com",
}

// DefaultImageServer serves distribution images such as "debian:12".
const DefaultImageServer = "https://images.lxd.canonical.com"

// ImageSource maps an image reference to an instance source.
//
//	ubuntu:24.04        alias 24.04 on the ubuntu remote
//	images:alpine/3.20  alias alpine/3.20 on the images remote
//	debian:12           alias debian/12 on the default image server
//	my-image            local alias
func ImageSource(image string) InstanceSource {
	remote, alias, ok := strings.Cut(image, ":")
	if !ok {
		return InstanceSource{Type: "image", Alias: image}
	}
	if server, known := ImageRemotes[remote]; known {
		return InstanceSource{Type: "image", Alias: alias, Server: server, Protocol: "simplestreams"}
	}
	return InstanceSource{
		Type:     "image",
		Alias:    remote + "/" + alias,
		Server:   DefaultImageServer,
		Protocol: "simplestreams",
	}
}

// Submit sends the request for req. Synchronous actions return an empty
// handle; asynchronous ones return the operation path.
func (c *Client) Submit(ctx context.Context, req engine.Request) (engine.SubmitResult, error) {
	var (
		resp *Response
		err  error
	)

	switch req.Kind {
	case engine.OperationStart, engine.OperationStop, engine.OperationRestart:
		body := InstanceStatePut{Action: string(req.Kind), Timeout: stateTimeout, Force: req.Force}
		resp, err = c.do(ctx, http.MethodPut, instancePath(req.Target)+"/state", nil, body)

	case engine.OperationDelete:
		resp, err = c.do(ctx, http.MethodDelete, instancePath(req.Target), nil, nil)

	case engine.OperationCreate:
		if req.Spec == nil {
			return engine.SubmitResult{}, engine.NewValidationError("create requires a container spec")
		}
		resp, err = c.do(ctx, http.MethodPost, "/1.0/instances", nil, createBody(*req.Spec))

	case engine.OperationClone:
		body := InstancesPost{
			Name:   req.NewName,
			Source: InstanceSource{Type: "copy", Source: req.Target},
		}
		resp, err = c.do(ctx, http.MethodPost, "/1.0/instances", nil, body)

	case engine.OperationExec:
		body := InstanceExecPost{
			Command:      req.Command,
			Environment:  map[string]string{"TERM": "xterm"},
			RecordOutput: true,
		}
		resp, err = c.do(ctx, http.MethodPost, instancePath(req.Target)+"/exec", nil, body)

	default:
		return engine.SubmitResult{}, engine.NewValidationError(fmt.Sprintf("unsupported operation kind %q", req.Kind))
	}

	if err != nil {
		return engine.SubmitResult{}, err
	}
	if resp.Type != ResponseAsync {
		return engine.SubmitResult{}, nil
	}
	return engine.SubmitResult{Handle: resp.Operation, RemoteID: operationID(resp.Operation)}, nil
}

func createBody(spec engine.ContainerSpec) InstancesPost {
	config := make(map[string]string)
	if spec.CPULimit != "" {
		config["limits.cpu"] = spec.CPULimit
	}
	if spec.MemoryLimit != "" {
		config["limits.memory"] = spec.MemoryLimit
	}
	return InstancesPost{
		Name:     spec.Name,
		Type:     spec.InstanceType(),
		Source:   ImageSource(spec.Image),
		Config:   config,
		Profiles: spec.Profiles,
		Start:    spec.Start,
	}
}

func instancePath(name string) string {
	return "/1.0/instances/" + url.PathEscape(name)
}

// ListContainers returns every instance with its state.
func (c *Client) ListContainers(ctx context.Context) ([]engine.Container, error) {
	resp, err := c.do(ctx, http.MethodGet, "/1.0/instances", url.Values{"recursion": {"2"}}, nil)
	if err != nil {
		return nil, err
	}

	var instances []Instance
	if err := decodeMetadata(resp, &instances); err != nil {
		return nil, err
	}

	containers := make([]engine.Container, 0, len(instances))
	for _, inst := range instances {
		containers = append(containers, toContainer(inst))
	}
	return containers, nil
}

func toContainer(inst Instance) engine.Container {
	c := engine.Container{
		Name:      inst.Name,
		Status:    engine.ParseContainerStatus(inst.Status),
		Type:      inst.Type,
		Image:     imageDescription(inst.Config),
		CreatedAt: inst.CreatedAt,
		Profiles:  inst.Profiles,
	}
	if c.Type == "" {
		c.Type = "container"
	}

	if st := inst.State; st != nil {
		c.Usage = engine.Usage{
			CPUSeconds:  float64(st.CPU.Usage) / 1e9,
			MemoryBytes: st.Memory.Usage,
			Processes:   st.Processes,
		}
		c.Addresses = addresses(st.Network)
	}
	return c
}

func imageDescription(config map[string]string) string {
	if desc := config["image.description"]; desc != "" {
		return desc
	}
	distro, release := config["image.os"], config["image.release"]
	return strings.TrimSpace(distro + " " + release)
}

// addresses returns the global addresses of every interface except the
// loopback, sorted with IPv4 first.
func addresses(network map[string]NetworkState) []string {
	var v4, v6 []string
	for name, iface := range network {
		if name == "lo" || iface.Type == "loopback" {
			continue
		}
		for _, addr := range iface.Addresses {
			ip := net.ParseIP(addr.Address)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || addr.Scope == "link" || addr.Scope == "local" {
				continue
			}
			if ip.To4() != nil {
				v4 = append(v4, addr.Address)
			} else {
				v6 = append(v6, addr.Address)
			}
		}
	}
	if len(v4)+len(v6) == 0 {
		return nil
	}
	sort.Strings(v4)
	sort.Strings(v6)
	return append(v4, v6...)
}
