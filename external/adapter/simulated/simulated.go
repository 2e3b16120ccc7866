// Package simulated implements adapter.Adapter with a scripted event
// timeline instead of a real meeting platform connection, for local
// development and integration tests — mirroring the teacher's use of
// a fake Discord session in its own adapter tests rather than a
// platform-specific mock.
package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/meetingbots/orchestrator/internal/adapter"
	"github.com/meetingbots/orchestrator/internal/botdomain"
)

// ScriptedEvent pairs an event with the delay after Open at which it
// should be emitted.
type ScriptedEvent struct {
	After time.Time
	Delay time.Duration
	Event adapter.Event
}

type Adapter struct {
	platform botdomain.Platform
	script   []ScriptedEvent

	mu       sync.Mutex
	events   chan adapter.Event
	left     bool
	chatSent []string
	cancel   context.CancelFunc
}

func New(platform botdomain.Platform, script []ScriptedEvent) *Adapter {
	return &Adapter{
		platform: platform,
		script:   script,
		events:   make(chan adapter.Event, 64),
	}
}

func (a *Adapter) Open(ctx context.Context, meetingURL string, botName string) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	for _, se := range a.script {
		evt := se.Event
		delay := se.Delay
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case a.events <- evt:
				case <-runCtx.Done():
				}
			case <-runCtx.Done():
			}
		}()
	}
	return nil
}

func (a *Adapter) Events() <-chan adapter.Event { return a.events }

func (a *Adapter) Platform() botdomain.Platform { return a.platform }

func (a *Adapter) StartRecording(ctx context.Context) error  { return nil }
func (a *Adapter) PauseRecording(ctx context.Context) error  { return nil }
func (a *Adapter) ResumeRecording(ctx context.Context) error { return nil }

func (a *Adapter) SendChatMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	a.chatSent = append(a.chatSent, text)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.left {
		return nil
	}
	a.left = true
	if a.cancel != nil {
		a.cancel()
	}
	close(a.events)
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
