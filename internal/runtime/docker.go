package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/tidewayhq/tideway/internal/platform/logger"
)

// DockerDriver implements Driver against the Docker Engine API.
type DockerDriver struct {
	cli *client.Client
	log logger.Logger
}

// NewDockerDriver connects to the Docker daemon at host (empty string
// uses the environment default, e.g. DOCKER_HOST or the local socket).
func NewDockerDriver(host string, log logger.Logger) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerDriver{cli: cli, log: log}, nil
}

// Close releases the underlying Docker client.
func (d *DockerDriver) Close() error { return d.cli.Close() }

func (d *DockerDriver) Pull(ctx context.Context, image string) error {
	var lastErr error
	backoff := pullBaseBackoff
	for attempt := 1; attempt <= pullRetries+1; attempt++ {
		pullCtx, cancel := context.WithTimeout(ctx, PullTimeout)
		err := d.pullOnce(pullCtx, image)
		cancel()
		if err == nil {
			return nil
		}
		rerr, ok := err.(*Error)
		if !ok || !rerr.Transient {
			return err
		}
		lastErr = err
		d.log.Warn("image pull attempt failed, retrying", "image", image, "attempt", attempt, logger.Err(err))
		if attempt <= pullRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return lastErr
}

func (d *DockerDriver) pullOnce(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, dockerimage.PullOptions{})
	if err != nil {
		return classifyPullError(err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return &Error{Op: "pull", Transient: true, Cause: err}
	}
	return nil
}

// classifyPullError distinguishes a permanently bad reference (unknown
// manifest, unknown repository) from a transient one (timeout, registry
// unavailable, auth retry-after).
func classifyPullError(err error) error {
	msg := strings.ToLower(err.Error())
	permanent := strings.Contains(msg, "manifest unknown") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "repository does not exist") ||
		strings.Contains(msg, "denied")
	return &Error{Op: "pull", Transient: !permanent, Cause: err}
}

func (d *DockerDriver) Run(ctx context.Context, spec RunSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, RunTimeout)
	defer cancel()

	// Idempotent against a stale container of the same name.
	if err := d.stopAndRemove(ctx, spec.Name); err != nil {
		return "", &Error{Op: "run", Transient: false, Cause: err}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))
	exposed := nat.PortSet{containerPort: struct{}{}}
	bindings := nat.PortMap{containerPort: []nat.PortBinding{
		{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.HostPort)},
	}}

	containerCfg := &dockercontainer.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	if spec.HealthCheck != nil {
		containerCfg.Healthcheck = &dockercontainer.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	restartPolicy := spec.RestartPolicy
	if restartPolicy == "" {
		restartPolicy = "unless-stopped"
	}
	hostCfg := &dockercontainer.HostConfig{
		PortBindings: bindings,
		RestartPolicy: dockercontainer.RestartPolicy{
			Name: dockercontainer.RestartPolicyMode(restartPolicy),
		},
	}

	netCfg := &network.NetworkingConfig{}
	if spec.Network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.Network: {},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", &Error{Op: "run", Transient: false, Cause: err}
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", &Error{Op: "run", Transient: false, Cause: err}
	}

	return resp.ID, nil
}

func (d *DockerDriver) Stop(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()
	id, err := d.resolveID(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return &Error{Op: "stop", Transient: true, Cause: err}
	}
	timeoutSec := int(StopTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeoutSec}); err != nil && !isNotFound(err) {
		return &Error{Op: "stop", Transient: true, Cause: err}
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, RemoveTimeout)
	defer cancel()
	id, err := d.resolveID(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return &Error{Op: "remove", Transient: true, Cause: err}
	}
	if err := d.cli.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil && !isNotFound(err) {
		return &Error{Op: "remove", Transient: true, Cause: err}
	}
	return nil
}

func (d *DockerDriver) stopAndRemove(ctx context.Context, name string) error {
	if err := d.Stop(ctx, name); err != nil {
		return err
	}
	return d.Remove(ctx, name)
}

func (d *DockerDriver) InspectHealth(ctx context.Context, name string) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, InspectTimeout)
	defer cancel()
	id, err := d.resolveID(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return HealthNone, nil
		}
		return HealthNone, &Error{Op: "inspect", Transient: true, Cause: err}
	}
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return HealthNone, &Error{Op: "inspect", Transient: true, Cause: err}
	}
	if info.State == nil || info.State.Health == nil {
		return HealthNone, nil
	}
	switch info.State.Health.Status {
	case "healthy":
		return HealthHealthy, nil
	case "unhealthy":
		return HealthUnhealthy, nil
	case "starting":
		return HealthStarting, nil
	default:
		return HealthNone, nil
	}
}

// ExecProbe execs curl-less: it performs a raw HTTP GET via `exec` of a
// POSIX shell redirecting to /dev/tcp, avoiding a dependency on curl
// being present inside the target image.
func (d *DockerDriver) ExecProbe(ctx context.Context, name string, port int, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, InspectTimeout)
	defer cancel()
	id, err := d.resolveID(ctx, name)
	if err != nil {
		return false, nil
	}
	script := fmt.Sprintf(
		`exec 3<>/dev/tcp/127.0.0.1/%d && printf 'GET %s HTTP/1.0\r\nHost: localhost\r\n\r\n' >&3 && head -1 <&3`,
		port, path,
	)
	execResp, err := d.cli.ContainerExecCreate(ctx, id, dockercontainer.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false, nil
	}
	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return false, nil
	}
	defer attach.Close()

	scanner := bufio.NewScanner(attach.Reader)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "HTTP/1.") {
			return isSuccessStatusLine(line), nil
		}
	}
	return false, nil
}

func isSuccessStatusLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	code := fields[1]
	return strings.HasPrefix(code, "2") || strings.HasPrefix(code, "3")
}

func (d *DockerDriver) PublishedPorts(ctx context.Context) (map[int]struct{}, error) {
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true})
	if err != nil {
		return nil, &Error{Op: "list", Transient: true, Cause: err}
	}
	ports := make(map[int]struct{})
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports[int(p.PublicPort)] = struct{}{}
			}
		}
	}
	return ports, nil
}

func (d *DockerDriver) Status(ctx context.Context, name string) (bool, string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, InspectTimeout)
	defer cancel()
	id, err := d.resolveID(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, "", false, nil
		}
		return false, "", false, &Error{Op: "status", Transient: true, Cause: err}
	}
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return false, "", false, nil
		}
		return false, "", false, &Error{Op: "status", Transient: true, Cause: err}
	}
	running := info.State != nil && info.State.Running
	return true, id, running, nil
}

func (d *DockerDriver) resolveID(ctx context.Context, name string) (string, error) {
	f := filters.NewArgs(filters.Arg("name", "^/"+name+"$"))
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", errdefs.NotFound(fmt.Errorf("container %s not found", name))
	}
	return containers[0].ID, nil
}

func isNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// HostHTTPProbe issues a host-side HTTP GET; used by the health prober's
// third tier. Exported at package level since it needs no Driver state.
func HostHTTPProbe(ctx context.Context, port int, path string) (bool, error) {
	url := fmt.Sprintf("http://localhost:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, nil // connection refused etc. is "not yet", not an error
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400, nil
}
