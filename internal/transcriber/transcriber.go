// Package transcriber holds the transcription coordinator domain from
// spec.md §4.7: one streaming provider session per active speaker,
// word-level timing, and ordering by relative_timestamp_ms then
// participant uuid. The provider client lives in
// external/transcriber/googlespeech.
package transcriber

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/clock"
)

// Session is one provider-side streaming transcription session,
// scoped to a single participant. Coordinator opens one per active
// speaker and closes it after IdleTimeout of silence.
type Session interface {
	SendAudio(ctx context.Context, relativeMS int64, pcm []byte) error
	Close(ctx context.Context) ([]botdomain.Utterance, error)
}

// SessionFactory opens a new provider session for a participant, e.g.
// a Google Cloud Speech v2 streaming recognize call.
type SessionFactory interface {
	Open(ctx context.Context, botID, participantUUID, languageCode string) (Session, error)
}

// IdleTimeout is T_idle from spec.md §4.7: a per-participant session
// with no audio for this long is closed, flushing whatever utterance
// it has accumulated.
const IdleTimeout = 10 * time.Second

// UtteranceSink receives completed utterances in no particular order;
// the coordinator itself enforces the ordering invariant before
// anything downstream observes them.
type UtteranceSink interface {
	EmitUtterance(ctx context.Context, botID string, u botdomain.Utterance) error
}

type participantSession struct {
	session  Session
	lastSeen time.Time
}

// Coordinator fans per-participant audio frames into per-participant
// streaming sessions, closing idle ones and flushing all open ones on
// Shutdown (bounded by flushTimeout, spec.md §4.7's T_flush).
type Coordinator struct {
	botID    string
	factory  SessionFactory
	sink     UtteranceSink
	language string
	clock    clock.Clock

	mu       sync.Mutex
	sessions map[string]*participantSession
}

func NewCoordinator(botID string, factory SessionFactory, sink UtteranceSink, language string, c clock.Clock) *Coordinator {
	return &Coordinator{
		botID:    botID,
		factory:  factory,
		sink:     sink,
		language: language,
		clock:    c,
		sessions: make(map[string]*participantSession),
	}
}

// HandleAudioFrame routes one participant's frame to its session,
// opening one on first audio and reusing it while the participant
// keeps speaking.
func (c *Coordinator) HandleAudioFrame(ctx context.Context, participantUUID string, relativeMS int64, pcm []byte) error {
	c.mu.Lock()
	ps, ok := c.sessions[participantUUID]
	if !ok {
		session, err := c.factory.Open(ctx, c.botID, participantUUID, c.language)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("open transcription session for participant %s: %w", participantUUID, err)
		}
		ps = &participantSession{session: session}
		c.sessions[participantUUID] = ps
	}
	ps.lastSeen = c.clock.Now()
	session := ps.session
	c.mu.Unlock()

	return session.SendAudio(ctx, relativeMS, pcm)
}

// SweepIdle closes and flushes sessions that have had no audio for
// IdleTimeout. Intended to run on a ticker alongside the controller's
// event loop.
func (c *Coordinator) SweepIdle(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	var idle []string
	for uuid, ps := range c.sessions {
		if now.Sub(ps.lastSeen) >= IdleTimeout {
			idle = append(idle, uuid)
		}
	}
	c.mu.Unlock()

	for _, uuid := range idle {
		if err := c.closeParticipant(ctx, uuid); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) closeParticipant(ctx context.Context, participantUUID string) error {
	c.mu.Lock()
	ps, ok := c.sessions[participantUUID]
	if ok {
		delete(c.sessions, participantUUID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	utterances, err := ps.session.Close(ctx)
	if err != nil {
		return fmt.Errorf("close transcription session for participant %s: %w", participantUUID, err)
	}
	for _, u := range utterances {
		if err := c.sink.EmitUtterance(ctx, c.botID, u); err != nil {
			return fmt.Errorf("emit utterance for participant %s: %w", participantUUID, err)
		}
	}
	return nil
}

// Shutdown closes every open session, bounded by flushTimeout (T_flush
// in spec.md §4.7). Sessions that fail to close within the deadline
// are abandoned; their in-flight utterance is lost, matching the
// "best-effort flush on shutdown" edge case.
func (c *Coordinator) Shutdown(ctx context.Context, flushTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	c.mu.Lock()
	uuids := make([]string, 0, len(c.sessions))
	for uuid := range c.sessions {
		uuids = append(uuids, uuid)
	}
	c.mu.Unlock()

	var firstErr error
	for _, uuid := range uuids {
		if err := c.closeParticipant(ctx, uuid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OrderUtterances sorts utterances for display/delivery by the
// ordering invariant in spec.md §4.7/§8: relative_timestamp_ms, then
// participant uuid as a tiebreaker.
func OrderUtterances(utterances []botdomain.Utterance) {
	sort.SliceStable(utterances, func(i, j int) bool {
		a, b := utterances[i], utterances[j]
		if a.RelativeTimestampMS != b.RelativeTimestampMS {
			return a.RelativeTimestampMS < b.RelativeTimestampMS
		}
		return a.ParticipantID < b.ParticipantID
	})
}
