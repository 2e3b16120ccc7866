// Package process implements launcher.Launcher by exec'ing the worker
// binary as a plain OS process, one per bot, following the teacher's
// own preference for os/exec over any process-supervision library when
// a single host is enough (see DESIGN.md).
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/meetingbots/orchestrator/internal/launcher"
)

type Launcher struct {
	workerBinary string
	extraArgs    []string

	mu    sync.Mutex
	procs map[string]*os.Process
}

func New(workerBinary string, extraArgs ...string) *Launcher {
	return &Launcher{
		workerBinary: workerBinary,
		extraArgs:    extraArgs,
		procs:        make(map[string]*os.Process),
	}
}

func (l *Launcher) Launch(ctx context.Context, botID string) (launcher.Handle, error) {
	args := append([]string{"run-worker", "--bot-id=" + botID}, l.extraArgs...)
	cmd := exec.Command(l.workerBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "BOT_ID="+botID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		wrapped := fmt.Errorf("start worker process for bot %s: %w", botID, err)
		if errors.Is(err, syscall.EAGAIN) {
			return nil, &launcher.CapacityError{Err: wrapped}
		}
		return nil, wrapped
	}

	l.mu.Lock()
	l.procs[botID] = cmd.Process
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		l.mu.Lock()
		delete(l.procs, botID)
		l.mu.Unlock()
	}()

	return &handle{botID: botID, process: cmd.Process}, nil
}

type handle struct {
	botID   string
	process *os.Process
}

func (h *handle) BotID() string { return h.botID }

func (h *handle) Alive(ctx context.Context) (bool, error) {
	if err := h.process.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

func (h *handle) Stop(ctx context.Context) error {
	if err := h.process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("signal worker process for bot %s: %w", h.botID, err)
	}
	return nil
}

var _ launcher.Launcher = (*Launcher)(nil)
