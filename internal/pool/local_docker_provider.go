package pool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type DockerInfrastructureConfig struct {
	Image           string
	Network         string
	ContainerPrefix string
	NodeIDPrefix    string
	NodePort        int
	Group           string
	Env             map[string]string
	Labels          map[string]string
	MemoryLimit     string
	CPULimit        string
	PIDsLimit       int
	// Factory builds the unit that reaches a container at host:port.
	Factory UnitFactory
}

// DockerInfrastructure runs one container per acquired node with the local
// docker CLI and removes it on release.
type DockerInfrastructure struct {
	cfg DockerInfrastructureConfig
	run func(ctx context.Context, args ...string) (string, error)
}

func NewDockerInfrastructure(cfg DockerInfrastructureConfig) (*DockerInfrastructure, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker binary not found in PATH: %w", err)
	}
	return newDockerInfrastructure(cfg, runDocker)
}

func newDockerInfrastructure(cfg DockerInfrastructureConfig, run func(ctx context.Context, args ...string) (string, error)) (*DockerInfrastructure, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, fmt.Errorf("docker infrastructure image is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("docker infrastructure unit factory is required")
	}
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "bridge"
	}
	if strings.TrimSpace(cfg.ContainerPrefix) == "" {
		cfg.ContainerPrefix = "nodepool-node"
	}
	if strings.TrimSpace(cfg.NodeIDPrefix) == "" {
		cfg.NodeIDPrefix = "poolnode-"
	}
	if cfg.NodePort <= 0 {
		cfg.NodePort = 9091
	}
	if strings.TrimSpace(cfg.MemoryLimit) == "" {
		cfg.MemoryLimit = "1g"
	}
	if strings.TrimSpace(cfg.CPULimit) == "" {
		cfg.CPULimit = "1.0"
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = 512
	}
	return &DockerInfrastructure{cfg: cfg, run: run}, nil
}

func (d *DockerInfrastructure) AcquireNode(ctx context.Context, params AcquireParams) (UnitHandle, error) {
	if strings.TrimSpace(params.URL) != "" {
		return UnitHandle{}, fmt.Errorf("%w: docker nodes cannot be acquired by url", ErrUnsupported)
	}

	nodeID := d.nextNodeID()
	containerName := d.containerName(nodeID)
	address := fmt.Sprintf("%s:%d", containerName, d.cfg.NodePort)
	group := strings.TrimSpace(params.Group)
	if group == "" {
		group = d.cfg.Group
	}

	envVars := map[string]string{
		"NODEPOOL_NODE_ID":        nodeID,
		"NODEPOOL_ADVERTISE_ADDR": address,
		"NODEPOOL_LISTEN_ADDR":    fmt.Sprintf(":%d", d.cfg.NodePort),
	}
	for key, value := range d.cfg.Env {
		envVars[key] = value
	}

	args := []string{
		"run", "-d",
		"--name", containerName,
		"--network", d.cfg.Network,
		"--read-only",
		"--tmpfs", "/tmp:size=256m,noexec,nosuid,nodev",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
		"--pids-limit", fmt.Sprintf("%d", d.cfg.PIDsLimit),
		"--memory", d.cfg.MemoryLimit,
		"--cpus", d.cfg.CPULimit,
		"--label", "nodepool.managed=true",
		"--label", fmt.Sprintf("nodepool.node_id=%s", nodeID),
	}
	if group != "" {
		args = append(args, "--label", fmt.Sprintf("nodepool.group=%s", group))
	}

	labels := make(map[string]string, len(d.cfg.Labels)+len(params.Labels))
	for key, value := range d.cfg.Labels {
		labels[key] = value
	}
	for key, value := range params.Labels {
		labels[key] = value
	}
	for _, key := range sortedKeys(labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", key, labels[key]))
	}
	for _, key := range sortedKeys(envVars) {
		args = append(args, "-e", key+"="+envVars[key])
	}

	args = append(args, d.cfg.Image)
	containerID, err := d.run(ctx, args...)
	if err != nil {
		return UnitHandle{}, err
	}

	unit, err := d.cfg.Factory(address)
	if err != nil {
		d.remove(context.WithoutCancel(ctx), containerName)
		return UnitHandle{}, fmt.Errorf("build unit for %s: %w", address, err)
	}

	ref := containerName
	if containerID != "" {
		ref = containerID
	}
	return UnitHandle{
		URL:         address,
		HostName:    containerName,
		ProcessName: nodeID,
		Group:       group,
		Ref:         ref,
		Unit:        unit,
	}, nil
}

// ReleaseNode removes the container. Docker nodes are never reused, so
// forever makes no difference.
func (d *DockerInfrastructure) ReleaseNode(ctx context.Context, handle UnitHandle, _ bool) error {
	name := handle.HostName
	if strings.TrimSpace(name) == "" {
		name = handle.Ref
	}
	return d.remove(ctx, name)
}

func (d *DockerInfrastructure) remove(ctx context.Context, containerName string) error {
	_, err := d.run(ctx, "rm", "-f", containerName)
	if err == nil {
		return nil
	}
	// Ignore not-found: node might have been deleted externally.
	if strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("docker %s failed: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *DockerInfrastructure) nextNodeID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return d.cfg.NodeIDPrefix + raw[:12]
}

func (d *DockerInfrastructure) containerName(nodeID string) string {
	safe := strings.NewReplacer(":", "-", "/", "-", " ", "-", "_", "-").Replace(strings.TrimSpace(nodeID))
	return d.cfg.ContainerPrefix + "-" + safe
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
