// Package container implements launcher.Launcher by shelling out to a
// container runtime CLI (docker or podman) to run one isolated
// container per bot. No Docker/Kubernetes client library appears
// anywhere in the retrieved corpus, and the CLI surface needed here is
// four verbs (run, inspect, stop, ps) — standard library os/exec is the
// right tool rather than an unexercised SDK dependency (see DESIGN.md).
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/meetingbots/orchestrator/internal/launcher"
)

// containerNamePrefix is the naming convention Launch uses, shared
// with ListRunningBotIDs/StopOrphan so orphan sweeping can recover a
// bot ID from a bare container name after a dispatcher restart.
const containerNamePrefix = "meetingbot-worker-"

type Config struct {
	RuntimeBinary string // "docker" or "podman"
	Image         string
	Network       string
	EnvPassthrough []string
}

type Launcher struct {
	cfg Config
}

func New(cfg Config) *Launcher {
	if cfg.RuntimeBinary == "" {
		cfg.RuntimeBinary = "docker"
	}
	return &Launcher{cfg: cfg}
}

func (l *Launcher) Launch(ctx context.Context, botID string) (launcher.Handle, error) {
	containerName := containerNamePrefix + botID

	args := []string{"run", "-d", "--name", containerName}
	if l.cfg.Network != "" {
		args = append(args, "--network", l.cfg.Network)
	}
	for _, key := range l.cfg.EnvPassthrough {
		args = append(args, "-e", key)
	}
	args = append(args, l.cfg.Image, "run-worker", "--bot-id="+botID)

	cmd := exec.CommandContext(ctx, l.cfg.RuntimeBinary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		wrapped := fmt.Errorf("start worker container for bot %s: %w (%s)", botID, err, strings.TrimSpace(stderr.String()))
		if isCapacityError(stderr.String()) {
			return nil, &launcher.CapacityError{Err: wrapped}
		}
		return nil, wrapped
	}

	return &handle{botID: botID, containerName: containerName, runtimeBinary: l.cfg.RuntimeBinary}, nil
}

type handle struct {
	botID         string
	containerName string
	runtimeBinary string
}

func (h *handle) BotID() string { return h.botID }

func (h *handle) Alive(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, h.runtimeBinary, "inspect", "-f", "{{.State.Running}}", h.containerName)
	out, err := cmd.Output()
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

func (h *handle) Stop(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, h.runtimeBinary, "stop", h.containerName)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("stop worker container for bot %s: %w", h.botID, err)
	}
	return nil
}

// ListRunningBotIDs lists every bot worker container this runtime is
// currently running, parsed back out of the containerNamePrefix
// naming convention Launch uses, so the dispatcher can detect
// containers a crashed-and-restarted dispatcher lost track of.
func (l *Launcher) ListRunningBotIDs(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, l.cfg.RuntimeBinary, "ps", "--filter", "name="+containerNamePrefix, "--format", "{{.Names}}")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list running worker containers: %w", err)
	}
	var botIDs []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if id, ok := strings.CutPrefix(line, containerNamePrefix); ok && id != "" {
			botIDs = append(botIDs, id)
		}
	}
	return botIDs, nil
}

func (l *Launcher) StopOrphan(ctx context.Context, botID string) error {
	name := containerNamePrefix + botID
	cmd := exec.CommandContext(ctx, l.cfg.RuntimeBinary, "stop", name)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("stop orphaned container %s: %w", name, err)
	}
	return nil
}

// isCapacityError recognizes the runtime's own wording for "no room
// to schedule this right now" — out of disk, memory cgroup exhausted,
// or daemon-side rate limiting — as distinct from a misconfigured
// image or command, which is unrecoverable.
func isCapacityError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range []string{"no space left", "cannot allocate memory", "resource temporarily unavailable", "toomanyrequests", "429", "rate limit"} {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

var _ launcher.Launcher = (*Launcher)(nil)
