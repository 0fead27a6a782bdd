// Package sandbox manages the lifecycle of per-task execution containers:
// create, destroy, and status lookup, backed by the Docker Engine API.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Status is the lifecycle state of a sandbox container.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusStarting   Status = "starting"
	StatusCloning    Status = "cloning"
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// Config describes the task-specific parameters for a sandbox container.
type Config struct {
	Image           string
	CPU             float64
	MemoryGB        float64
	RepositoryURL   string
	CredentialToken string
	Prompt          string
	Environment     map[string]string
}

// Sandbox is the tracked state of one running container.
type Sandbox struct {
	TaskID        string
	ContainerName string
	ContainerID   string
	Status        Status
	CreatedAt     time.Time
}

// CreationError wraps a container-creation failure with the task it was for.
type CreationError struct {
	TaskID string
	Cause  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("sandbox: create task %s: %v", e.TaskID, e.Cause)
}

func (e *CreationError) Unwrap() error { return e.Cause }

// Manager creates, destroys, and tracks sandbox containers. It is safe for
// concurrent use.
type Manager struct {
	cli          *client.Client
	logger       *slog.Logger
	defaultImage string
	labels       map[string]string

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// New constructs a Manager using Docker client configuration from the
// environment (DOCKER_HOST and friends). subscriptionID and resourceGroup
// identify the container platform's billing/placement scope the orchestrator
// is configured against; they are attached to every created container as
// labels so a fleet of sandboxes stays attributable to its scope even though
// this Manager talks to the Docker Engine API directly rather than a cloud
// container-instance API.
func New(logger *slog.Logger, defaultImage, subscriptionID, resourceGroup string) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	if defaultImage == "" {
		defaultImage = "ghcr.io/anthropics/claude-code:latest"
	}
	return &Manager{
		cli:          cli,
		logger:       logger,
		defaultImage: defaultImage,
		labels: map[string]string{
			"chaperone.subscription_id": subscriptionID,
			"chaperone.resource_group":  resourceGroup,
		},
		sandboxes: make(map[string]*Sandbox),
	}, nil
}

func containerName(taskID string) string {
	n := taskID
	if len(n) > 8 {
		n = n[:8]
	}
	return "sandbox-" + n
}

// buildCommand constructs the in-container shell script that clones the
// repository (with or without a credential token) and invokes the assistant
// CLI with the task prompt. It returns nil when no repository is configured,
// meaning the image's own entrypoint runs unmodified.
func buildCommand(cfg Config) []string {
	if cfg.RepositoryURL == "" {
		return nil
	}
	script := `set -e
if [ -n "$CREDENTIAL_TOKEN" ]; then
    REPO_PATH=$(echo "$REPOSITORY_URL" | sed -E 's#https?://[^/]+/##')
    HOST=$(echo "$REPOSITORY_URL" | sed -E 's#https?://([^/]+)/.*#\1#')
    git clone "https://${CREDENTIAL_TOKEN}@${HOST}/${REPO_PATH}" /workspace/repo
else
    git clone "$REPOSITORY_URL" /workspace/repo
fi
cd /workspace/repo
claude --dangerously-skip-permissions -p "$PROMPT" 2>&1
`
	return []string{"/bin/bash", "-c", script}
}

func buildEnv(taskID string, cfg Config) []string {
	env := make([]string, 0, len(cfg.Environment)+4)
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}
	if cfg.RepositoryURL != "" {
		env = append(env, "REPOSITORY_URL="+cfg.RepositoryURL, "TASK_ID="+taskID)
	}
	if cfg.CredentialToken != "" {
		env = append(env, "CREDENTIAL_TOKEN="+cfg.CredentialToken)
	}
	if cfg.Prompt != "" {
		env = append(env, "PROMPT="+cfg.Prompt)
	}
	return env
}

// Create starts a new sandbox container for the given task and tracks it.
// On failure the task is not tracked and a *CreationError is returned.
func (m *Manager) Create(ctx context.Context, taskID string, cfg Config) (*Sandbox, error) {
	name := containerName(taskID)
	image := cfg.Image
	if image == "" {
		image = m.defaultImage
	}

	m.logger.Info("sandbox creating", "task_id", taskID, "container", name, "image", image)

	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Cmd:    buildCommand(cfg),
		Env:    buildEnv(taskID, cfg),
		Tty:    false,
		Labels: m.labels,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(cfg.MemoryGB * 1024 * 1024 * 1024),
			NanoCPUs: int64(cfg.CPU * 1e9),
		},
		AutoRemove: false,
	}, nil, nil, name)
	if err != nil {
		return nil, &CreationError{TaskID: taskID, Cause: err}
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, &CreationError{TaskID: taskID, Cause: err}
	}

	sb := &Sandbox{
		TaskID:        taskID,
		ContainerName: name,
		ContainerID:   resp.ID,
		Status:        StatusRunning,
		CreatedAt:     time.Now(),
	}

	m.mu.Lock()
	m.sandboxes[taskID] = sb
	m.mu.Unlock()

	m.logger.Info("sandbox created", "task_id", taskID, "container", name)
	return sb, nil
}

// Destroy stops and removes the sandbox container for taskID. Unknown task
// ids are a no-op, matching the idempotent teardown semantics callers rely
// on when a task's terminal state is reached more than once.
func (m *Manager) Destroy(ctx context.Context, taskID string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[taskID]
	if ok {
		delete(m.sandboxes, taskID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("sandbox destroy of unknown task", "task_id", taskID)
		return
	}

	m.logger.Info("sandbox destroying", "task_id", taskID, "container", sb.ContainerName)
	timeout := 5
	if err := m.cli.ContainerStop(ctx, sb.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		m.logger.Warn("sandbox stop failed, forcing removal", "task_id", taskID, "error", err)
	}
	if err := m.cli.ContainerRemove(ctx, sb.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		m.logger.Warn("sandbox remove failed", "task_id", taskID, "error", err)
	}
	m.logger.Info("sandbox destroyed", "task_id", taskID)
}

// Status returns the sandbox's last known status, refreshed from the Docker
// daemon when possible. Unknown task ids report StatusTerminated.
func (m *Manager) GetStatus(ctx context.Context, taskID string) Status {
	m.mu.Lock()
	sb, ok := m.sandboxes[taskID]
	m.mu.Unlock()
	if !ok {
		return StatusTerminated
	}

	inspect, err := m.cli.ContainerInspect(ctx, sb.ContainerID)
	if err != nil {
		return StatusFailed
	}
	switch {
	case inspect.State.Running:
		return StatusRunning
	case inspect.State.ExitCode == 0 && !inspect.State.Running:
		return StatusTerminated
	default:
		return StatusFailed
	}
}

// Logs returns the container's combined stdout/stderr output captured so
// far, demultiplexed from Docker's framed log stream. Unknown task ids
// return an empty string rather than an error, matching Destroy's
// idempotent-teardown tolerance for a task already torn down.
func (m *Manager) Logs(ctx context.Context, taskID string) (string, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[taskID]
	m.mu.Unlock()
	if !ok {
		return "", nil
	}

	reader, err := m.cli.ContainerLogs(ctx, sb.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("sandbox: logs %s: %w", taskID, err)
	}
	defer reader.Close()

	var out, errOut bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errOut, reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("sandbox: demux logs %s: %w", taskID, err)
	}
	return out.String() + errOut.String(), nil
}

// Close releases the underlying Docker client connection.
func (m *Manager) Close() error {
	return m.cli.Close()
}
