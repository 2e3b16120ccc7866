// Package launcher defines how the dispatcher turns a STAGED Bot into
// a running worker process. Two backends exist under external/launcher:
// process (os/exec, for single-host deployments) and container
// (shelling to a container runtime CLI, for isolated per-bot
// sandboxes), per spec.md §4.3.
package launcher

import "context"

// Handle is a running worker the dispatcher can check on or stop.
// It deliberately exposes no I/O beyond liveness and termination —
// all bot-specific communication goes through heartbeats and state
// transitions recorded in the database, never back through the
// launcher.
type Handle interface {
	BotID() string
	Alive(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
}

// Launcher starts a worker for a STAGED bot. Launch is expected to
// return quickly (the worker itself transitions STAGED -> JOINING
// once it's up); a Launch that fails to start anything should return
// a non-nil error so the dispatcher can retry per spec.md §4.3's
// launch-retry policy. A backend should wrap the error in
// CapacityError when the failure is a transient quota/resource limit
// rather than something permanently wrong with this bot, so the
// dispatcher backs off and retries instead of failing the bot outright.
type Launcher interface {
	Launch(ctx context.Context, botID string) (Handle, error)
}

// CapacityError signals that Launch failed because the launcher
// backend is temporarily out of capacity — a container runtime quota,
// a process ulimit, a provider rate limit — not because this bot's
// launch is unrecoverable. The dispatcher retries these with
// exponential backoff up to T_launch_retry before giving up.
type CapacityError struct {
	Err error
}

func (e *CapacityError) Error() string { return e.Err.Error() }
func (e *CapacityError) Unwrap() error { return e.Err }
