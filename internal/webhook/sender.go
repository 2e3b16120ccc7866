package webhook

import "context"

// Result is what a delivery attempt produced, used by the engine to
// decide retry vs success/failure.
type Result struct {
	Success      bool
	StatusCode   int
	ResponseBody []byte
	Err          error
}

// Sender performs one HTTP delivery attempt. It never retries
// internally — the engine owns the retry schedule (spec.md §4.8) so
// that attempts survive a delivery-tier restart via the
// repository-backed queue.
type Sender interface {
	Send(ctx context.Context, sub Subscription, payload Payload) Result
}
