// Package sandbox runs agent executions in isolated, resource-capped
// docker containers driven through the docker CLI.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds container resource and network settings
type Config struct {
	Memory  string // e.g. "2g"
	CPUs    string // e.g. "1.0"
	Network string // docker network mode, e.g. "bridge"
}

// DefaultConfig returns the standard resource ceiling
func DefaultConfig() Config {
	return Config{
		Memory:  "2g",
		CPUs:    "1.0",
		Network: "bridge",
	}
}

// StartRequest describes one session container
type StartRequest struct {
	Image string
	Name  string
	// Env is injected as process-local environment only: values travel
	// through the docker client's environment, never through argv or
	// any file.
	Env map[string]string
}

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// Runner starts, observes, and tears down session containers
type Runner struct {
	config Config
}

// NewRunner creates a runner with the given config
func NewRunner(config Config) *Runner {
	if config.Memory == "" {
		config.Memory = DefaultConfig().Memory
	}
	if config.CPUs == "" {
		config.CPUs = DefaultConfig().CPUs
	}
	if config.Network == "" {
		config.Network = DefaultConfig().Network
	}
	return &Runner{config: config}
}

// buildRunArgs assembles the docker run invocation. Env values are
// passed by name only; the caller provides them via the process
// environment.
func (r *Runner) buildRunArgs(req StartRequest) []string {
	args := []string{"run", "--detach", "--init"}

	if req.Name != "" {
		args = append(args, "--name", req.Name)
	}

	args = append(args, "--network", r.config.Network)
	args = append(args, "--memory", r.config.Memory)
	args = append(args, "--cpus", r.config.CPUs)

	keys := make([]string, 0, len(req.Env))
	for key := range req.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", key)
	}

	args = append(args, req.Image)
	return args
}

// Start launches a detached container and returns its id
func (r *Runner) Start(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.Image) == "" {
		return "", ErrImageRequired
	}

	cmd := exec.CommandContext(ctx, "docker", r.buildRunArgs(req)...)

	env := os.Environ()
	for key, value := range req.Env {
		env = append(env, key+"="+value)
	}
	cmd.Env = env

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%w: %s", ErrStartFailed, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	containerID := strings.TrimSpace(string(out))
	if containerID == "" {
		return "", fmt.Errorf("%w: no container id returned", ErrStartFailed)
	}

	log.Info().
		Str("container_id", containerID).
		Str("image", req.Image).
		Str("network", r.config.Network).
		Msg("Sandbox container started")

	return containerID, nil
}

// StreamLogs follows the container's combined output, invoking fn for
// each line until the container exits or the context is cancelled.
func (r *Runner) StreamLogs(ctx context.Context, containerID string, fn func(chunk string)) error {
	cmd := exec.CommandContext(ctx, "docker", "logs", "--follow", containerID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text() + "\n")
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("log stream ended: %w", err)
	}
	return scanner.Err()
}

// Wait blocks until the container exits and returns its exit code,
// bounded by the given timeout.
func (r *Runner) Wait(ctx context.Context, containerID string, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(waitCtx, "docker", "wait", containerID)
	out, err := cmd.Output()
	if waitCtx.Err() == context.DeadlineExceeded {
		return -1, ErrWaitTimeout
	}
	if err != nil {
		return -1, fmt.Errorf("wait failed: %w", err)
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return -1, fmt.Errorf("unexpected wait output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return code, nil
}

// Kill sends SIGKILL to the container. Killing an already-stopped
// container is not an error.
func (r *Runner) Kill(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, "docker", "kill", containerID)
	if err := cmd.Run(); err != nil {
		log.Debug().Str("container_id", containerID).Err(err).Msg("Kill failed, container likely stopped")
	}
	return nil
}

// Remove force-removes the container. Best-effort: failures are logged
// and swallowed so cleanup never masks the session outcome.
func (r *Runner) Remove(ctx context.Context, containerID string) {
	cmd := exec.CommandContext(ctx, "docker", "rm", "--force", containerID)
	if err := cmd.Run(); err != nil {
		log.Warn().Str("container_id", containerID).Err(err).Msg("Container cleanup failed")
	}
}
