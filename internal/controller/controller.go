// Package controller implements the per-bot worker from spec.md §4.5:
// the process a launcher starts for one STAGED bot, which opens the
// adapter, runs the event loop until the meeting ends, and drives the
// bot through JOINING -> JOINED_* -> LEAVING -> POST_PROCESSING ->
// ENDED. One Controller instance exists per bot process.
package controller

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meetingbots/orchestrator/internal/adapter"
	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/clock"
	"github.com/meetingbots/orchestrator/internal/credit"
	"github.com/meetingbots/orchestrator/internal/pipeline"
	"github.com/meetingbots/orchestrator/internal/repository"
	"github.com/meetingbots/orchestrator/internal/statemachine"
	"github.com/meetingbots/orchestrator/internal/storage"
	"github.com/meetingbots/orchestrator/internal/transcriber"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

// transcriptionSweepInterval is how often the event loop checks for
// participants who have gone quiet long enough to close their
// streaming transcription session (spec.md §4.7's T_idle).
const transcriptionSweepInterval = 2 * time.Second

// commandPollInterval is how often the event loop checks for an
// operator-queued pause/resume command on the Bot row (there is no
// control-plane API yet, so an operator sets pending_command directly;
// this poll is what actually reaches Controller.Pause/Resume in a
// running worker).
const commandPollInterval = 3 * time.Second

// BotStore is the subset of repository.BotRepository the controller
// needs; kept narrow so tests can fake it without pulling in pgx.
type BotStore interface {
	GetBot(ctx context.Context, botID string) (*botdomain.Bot, error)
	Transition(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error)) (*botdomain.Bot, error)
	TransitionWithDebit(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, *repository.DebitRequest, error)) (*botdomain.Bot, *repository.DebitResult, error)
	UpdateHeartbeat(ctx context.Context, botID string, at time.Time, snapshot botdomain.HeartbeatSnapshot) error
	ClaimPendingCommand(ctx context.Context, botID string) (string, error)
}

// ParticipantStore is the subset of repository.ParticipantRepository
// the controller needs for participant bookkeeping.
type ParticipantStore interface {
	UpsertParticipant(ctx context.Context, botID, platformUUID, fullName, userUUID string) (*botdomain.Participant, error)
	InsertParticipantEvent(ctx context.Context, evt botdomain.ParticipantEvent) error
	InsertChatMessage(ctx context.Context, msg botdomain.ChatMessage) error
	ListParticipants(ctx context.Context, botID string) ([]botdomain.Participant, error)
}

// RecordingStore is the subset of repository.RecordingRepository the
// controller needs to track the primary recording's lifecycle.
type RecordingStore interface {
	CreateRecording(ctx context.Context, rec *botdomain.Recording) (*botdomain.Recording, error)
	UpdateRecording(ctx context.Context, rec *botdomain.Recording) error
	GetPrimaryRecording(ctx context.Context, botID string) (*botdomain.Recording, error)
	IncrementFramesDropped(ctx context.Context, recordingID string, delta int64) error
}

// MediaPipeline bundles the concrete audio mixer, video compositor,
// and muxer backends a Controller drives while JOINED_RECORDING. A
// nil MediaPipeline disables the pipeline entirely (NO_RECORDING bots,
// RTMS bots with no compositor), matching the nil-tolerant pattern
// already used for storer/webhooks/meter/coordinator.
type MediaPipeline struct {
	Mixer      pipeline.AudioMixer
	Compositor pipeline.VideoCompositor
	Muxer      pipeline.Muxer
}

// AutoLeavePolicy carries the four independent timers spec.md §4.5
// names: a lone participant, prolonged silence, an absolute max
// duration, and a waiting-room timeout. Any of them firing drives the
// bot to LEAVING with a distinct sub_state, not a single generic one,
// so BotEvent history is legible after the fact.
type AutoLeavePolicy struct {
	OnlyParticipant time.Duration
	Silence         time.Duration
	MaxDuration     time.Duration
	WaitingRoom     time.Duration
}

// Config bundles the timers and knobs a Controller needs beyond its
// collaborators.
type Config struct {
	HeartbeatInterval     time.Duration
	ShutdownTimeout       time.Duration
	AutoLeave             AutoLeavePolicy
	SpeakerHysteresisHold time.Duration
}

// Controller owns one bot's lifecycle for the duration of a worker
// process. Its collaborators are all interfaces so a test can run the
// full event loop against fakes without any I/O.
type Controller struct {
	botID    string
	store    BotStore
	parts    ParticipantStore
	recs     RecordingStore
	adp      adapter.Adapter
	storer   storage.Store
	media    *MediaPipeline
	webhooks *webhook.Engine
	meter    *credit.Meter
	clock    clock.Clock
	cfg      Config

	coordinator *transcriber.Coordinator
	ringBuffers map[string]*pipeline.RingBuffer
	batchBuffers map[string]*batchAudioBuffer

	hysteresis     *pipeline.SpeakerHysteresis
	videoFrames    map[string]pipeline.VideoFrameIn
	participantNames map[string]string
	currentSpeaker string

	bot       *botdomain.Bot
	recording *botdomain.Recording

	joinedAt          time.Time
	lastSpeechAt      time.Time
	lastParticipantAt time.Time
	waitingRoomAt     time.Time
}

func New(botID string, store BotStore, parts ParticipantStore, recs RecordingStore, adp adapter.Adapter, storer storage.Store, media *MediaPipeline, webhooks *webhook.Engine, meter *credit.Meter, coordinator *transcriber.Coordinator, c clock.Clock, cfg Config) *Controller {
	return &Controller{
		botID:        botID,
		store:        store,
		parts:        parts,
		recs:         recs,
		adp:          adp,
		storer:       storer,
		media:        media,
		webhooks:     webhooks,
		meter:        meter,
		clock:        c,
		cfg:          cfg,
		coordinator:  coordinator,
		ringBuffers:  make(map[string]*pipeline.RingBuffer),
		batchBuffers: make(map[string]*batchAudioBuffer),
		hysteresis:   pipeline.NewSpeakerHysteresis(cfg.SpeakerHysteresisHold),
		videoFrames:  make(map[string]pipeline.VideoFrameIn),
		participantNames: make(map[string]string),
	}
}

// Run drives the bot from STAGED through to a terminal state. It
// returns nil once the bot reaches ENDED or FATAL_ERROR; any error it
// returns reflects a failure in the worker process itself (e.g. the
// database became unreachable), not a bot-level failure, which is
// instead recorded as FATAL_ERROR and swallowed here.
func (c *Controller) Run(ctx context.Context) error {
	bot, err := c.store.GetBot(ctx, c.botID)
	if err != nil {
		return fmt.Errorf("load bot %s: %w", c.botID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopHeartbeat := context.WithCancel(gctx)
	defer stopHeartbeat()

	g.Go(func() error { return c.heartbeatLoop(runCtx) })
	g.Go(func() error {
		defer stopHeartbeat()
		return c.runMeeting(gctx, bot)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		slog.Error("controller worker group failed", "error", err, "bot_id", c.botID)
		return err
	}
	return nil
}

func (c *Controller) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.store.UpdateHeartbeat(ctx, c.botID, c.clock.Now(), captureHeartbeatSnapshot()); err != nil {
				slog.Error("failed to update heartbeat", "error", err, "bot_id", c.botID)
			}
		}
	}
}

func (c *Controller) runMeeting(ctx context.Context, bot *botdomain.Bot) error {
	c.bot = bot

	if err := c.transition(ctx, statemachine.EventWorkerUp, ""); err != nil {
		return c.fail(ctx, err, "worker_up_failed")
	}

	if err := c.adp.Open(ctx, bot.MeetingURL, bot.Name); err != nil {
		return c.fail(ctx, err, "adapter_open_failed")
	}

	autoLeaveTicker := time.NewTicker(5 * time.Second)
	defer autoLeaveTicker.Stop()

	pipelineTicker := time.NewTicker(pipeline.SlotDuration)
	defer pipelineTicker.Stop()

	transcriptionSweepTicker := time.NewTicker(transcriptionSweepInterval)
	defer transcriptionSweepTicker.Stop()

	commandPollTicker := time.NewTicker(commandPollInterval)
	defer commandPollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-autoLeaveTicker.C:
			if reason := c.checkAutoLeave(); reason != "" {
				return c.leave(ctx, "auto_leave", reason)
			}
		case <-pipelineTicker.C:
			c.tickPipeline(ctx)
		case <-transcriptionSweepTicker.C:
			c.sweepIdleTranscription(ctx)
		case <-commandPollTicker.C:
			c.pollCommand(ctx)
		case evt, ok := <-c.adp.Events():
			if !ok {
				return c.onAdapterClosed(ctx)
			}
			if done, err := c.handleEvent(ctx, evt); err != nil {
				return c.fail(ctx, err, "event_handling_failed")
			} else if done {
				return nil
			}
		}
	}
}

func (c *Controller) sweepIdleTranscription(ctx context.Context) {
	if c.coordinator == nil {
		return
	}
	if c.bot != nil && c.bot.Settings.TranscriptionMode == botdomain.TranscriptionModeBatch {
		return
	}
	if err := c.coordinator.SweepIdle(ctx, c.clock.Now()); err != nil {
		slog.Error("transcription idle sweep failed", "error", err, "bot_id", c.botID)
	}
}

func (c *Controller) handleEvent(ctx context.Context, evt adapter.Event) (done bool, err error) {
	switch evt.Type {
	case adapter.EventAdmitted:
		c.joinedAt = c.clock.Now()
		c.waitingRoomAt = time.Time{}
		if err := c.transition(ctx, statemachine.EventAdmit, ""); err != nil {
			return false, err
		}
		if c.bot != nil && c.bot.Settings.AutoRecord {
			return false, c.startRecording(ctx)
		}
		return false, nil

	case adapter.EventWaitingRoom:
		if c.waitingRoomAt.IsZero() {
			c.waitingRoomAt = c.clock.Now()
		}
		return false, nil

	case adapter.EventParticipantJoin, adapter.EventParticipantLeave:
		c.lastParticipantAt = c.clock.Now()
		return false, c.recordParticipantEvent(ctx, evt)

	case adapter.EventParticipantSpeech:
		c.lastSpeechAt = c.clock.Now()
		return false, c.recordParticipantEvent(ctx, evt)

	case adapter.EventParticipantScreenshare:
		return false, c.recordParticipantEvent(ctx, evt)

	case adapter.EventAudioFrame:
		return false, c.handleAudioFrame(ctx, evt)

	case adapter.EventVideoFrame:
		return false, c.handleVideoFrame(ctx, evt)

	case adapter.EventChatMessage:
		return false, c.recordChatMessage(ctx, evt)

	case adapter.EventDebugArtifact:
		return false, c.captureDebugArtifact(ctx, evt)

	case adapter.EventMeetingEnded:
		return true, c.leave(ctx, "meeting_end", "")

	case adapter.EventKicked:
		return true, c.leave(ctx, "kicked", "")

	case adapter.EventFatalError:
		return true, c.fail(ctx, fmt.Errorf("adapter reported fatal error"), "adapter_fatal_error")

	default:
		return false, nil
	}
}

// startRecording implements spec.md §4.4's "if auto-record enabled,
// start_recording": it asks the adapter to start capturing, creates
// the primary Recording row, and fires the JOINED_NOT_RECORDING ->
// JOINED_RECORDING transition, in that order so a failed adapter call
// never leaves behind a Recording row with nothing backing it.
func (c *Controller) startRecording(ctx context.Context) error {
	if err := c.adp.StartRecording(ctx); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	if c.recs != nil && c.bot != nil {
		rec, err := c.recs.CreateRecording(ctx, &botdomain.Recording{
			BotID:         c.botID,
			State:         botdomain.RecordingStateInProgress,
			RecordingType: c.bot.Settings.RecordingType,
			Format:        c.bot.Settings.RecordingFormat,
		})
		if err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		c.recording = rec
	}

	return c.transition(ctx, statemachine.EventStartRecording, "")
}

// tickPipeline mixes the current slot's per-participant audio and,
// for AUDIO_AND_VIDEO bots, composites video, writing both to the
// muxer. It is a no-op unless a MediaPipeline is configured and a
// Recording is actually in progress.
func (c *Controller) tickPipeline(ctx context.Context) {
	if c.media == nil || c.recording == nil || c.joinedAt.IsZero() {
		return
	}
	slot := pipeline.SlotIndex(c.clock.Now().Sub(c.joinedAt).Milliseconds())

	if c.media.Mixer != nil && c.media.Muxer != nil {
		perParticipantPCM := make(map[string][]byte, len(c.ringBuffers))
		for uuid, rb := range c.ringBuffers {
			if data := rb.Get(slot); data != nil {
				perParticipantPCM[uuid] = data
			}
		}
		mixed, err := c.media.Mixer.MixSlot(slot, perParticipantPCM)
		if err != nil {
			slog.Error("audio mix failed", "error", err, "bot_id", c.botID)
		} else if mixed != nil {
			if err := c.media.Muxer.WriteAudio(slot, mixed); err != nil {
				slog.Error("write mixed audio failed", "error", err, "bot_id", c.botID)
			}
		}
	}

	if c.bot == nil || c.bot.Settings.RecordingType != botdomain.RecordingTypeAudioAndVideo {
		return
	}
	if c.media.Compositor == nil || c.media.Muxer == nil {
		return
	}
	activeSpeaker := c.hysteresis.Update(c.clock.Now(), c.currentSpeaker)
	composited, err := c.media.Compositor.CompositeSlot(slot, c.rosterFrames(), activeSpeaker)
	if err != nil {
		slog.Error("video composite failed", "error", err, "bot_id", c.botID)
		return
	}
	if composited != nil {
		if err := c.media.Muxer.WriteVideo(slot, composited); err != nil {
			slog.Error("write composited video failed", "error", err, "bot_id", c.botID)
		}
	}
}

// rosterFrames overlays the most recent frame each joined participant
// has sent onto the full join roster, so a participant who has joined
// but never sent video (camera off, still connecting) still gets a
// tile — the compositor renders a name placeholder for any entry with
// no Data — instead of being silently dropped from the layout.
func (c *Controller) rosterFrames() map[string]pipeline.VideoFrameIn {
	frames := make(map[string]pipeline.VideoFrameIn, len(c.participantNames))
	for uuid, name := range c.participantNames {
		frames[uuid] = pipeline.VideoFrameIn{Name: name}
	}
	for uuid, frame := range c.videoFrames {
		frame.Name = c.participantNames[uuid]
		frames[uuid] = frame
	}
	return frames
}

func (c *Controller) handleVideoFrame(ctx context.Context, evt adapter.Event) error {
	frame, ok := evt.Payload.(adapter.VideoFrame)
	if !ok {
		return nil
	}
	c.videoFrames[frame.ParticipantUUID] = pipeline.VideoFrameIn{
		Data:   frame.Data,
		Width:  frame.Width,
		Height: frame.Height,
	}
	return nil
}

func (c *Controller) handleAudioFrame(ctx context.Context, evt adapter.Event) error {
	frame, ok := evt.Payload.(adapter.AudioFrame)
	if !ok {
		return nil
	}
	rb, ok := c.ringBuffers[frame.ParticipantUUID]
	if !ok {
		rb = pipeline.NewRingBuffer(64)
		c.ringBuffers[frame.ParticipantUUID] = rb
	}
	slot := pipeline.SlotIndex(frame.RelativeMS)
	rb.Put(slot, frame.PCM)

	if c.coordinator == nil {
		return nil
	}
	if c.bot != nil && c.bot.Settings.TranscriptionMode == botdomain.TranscriptionModeBatch {
		return c.bufferBatchAudio(frame.ParticipantUUID, frame.RelativeMS, frame.PCM)
	}
	return c.coordinator.HandleAudioFrame(ctx, frame.ParticipantUUID, frame.RelativeMS, frame.PCM)
}

// bufferBatchAudio implements the batch half of the supplemented
// TranscriptionMode: instead of streaming live to the coordinator, it
// spools to a per-participant temp file that flushBatchTranscription
// replays sequentially at shutdown.
func (c *Controller) bufferBatchAudio(participantUUID string, relativeMS int64, pcm []byte) error {
	buf, ok := c.batchBuffers[participantUUID]
	if !ok {
		var err error
		buf, err = newBatchAudioBuffer(participantUUID)
		if err != nil {
			return fmt.Errorf("open batch audio buffer for participant %s: %w", participantUUID, err)
		}
		c.batchBuffers[participantUUID] = buf
	}
	return buf.Write(relativeMS, pcm)
}

func (c *Controller) flushBatchTranscription(ctx context.Context) {
	if len(c.batchBuffers) == 0 || c.coordinator == nil {
		return
	}
	for uuid, buf := range c.batchBuffers {
		err := buf.Replay(func(relativeMS int64, pcm []byte) error {
			return c.coordinator.HandleAudioFrame(ctx, uuid, relativeMS, pcm)
		})
		if err != nil {
			slog.Error("failed to replay batch audio for transcription", "error", err, "bot_id", c.botID, "participant_uuid", uuid)
		}
		buf.Close()
	}
	c.batchBuffers = make(map[string]*batchAudioBuffer)
}

func (c *Controller) captureDebugArtifact(ctx context.Context, evt adapter.Event) error {
	art, ok := evt.Payload.(adapter.DebugArtifact)
	if !ok || c.storer == nil || c.bot == nil {
		return nil
	}
	key := storage.DebugArtifactKey(c.bot.ObjectID, art.EventID, art.Ext)
	if _, _, err := c.storer.Put(ctx, key, bytes.NewReader(art.Data), "application/octet-stream"); err != nil {
		return fmt.Errorf("upload debug artifact %s: %w", art.EventID, err)
	}
	return nil
}

// recordParticipantEvent persists one Join/Leave/Speech/Screenshare
// event. Join and Leave also fire their participant_events webhook
// trigger; Speech and Screenshare events are persisted without a
// webhook.
func (c *Controller) recordParticipantEvent(ctx context.Context, evt adapter.Event) error {
	switch evt.Type {
	case adapter.EventParticipantJoin:
		p, ok := evt.Payload.(adapter.ParticipantJoin)
		if !ok {
			return nil
		}
		participant, err := c.parts.UpsertParticipant(ctx, c.botID, p.PlatformUUID, p.FullName, p.UserUUID)
		if err != nil {
			return fmt.Errorf("upsert participant %s: %w", p.PlatformUUID, err)
		}
		c.participantNames[p.PlatformUUID] = p.FullName
		if err := c.parts.InsertParticipantEvent(ctx, botdomain.ParticipantEvent{
			BotID:               c.botID,
			ParticipantID:       participant.ID,
			EventType:           botdomain.ParticipantEventJoin,
			RelativeTimestampMS: p.RelativeMS,
		}); err != nil {
			return fmt.Errorf("insert participant join event: %w", err)
		}
		return c.fireParticipantWebhook(ctx, webhook.TriggerParticipantEventsJoin, participant)

	case adapter.EventParticipantLeave:
		p, ok := evt.Payload.(adapter.ParticipantLeave)
		if !ok {
			return nil
		}
		participant, err := c.parts.UpsertParticipant(ctx, c.botID, p.PlatformUUID, "", "")
		if err != nil {
			return fmt.Errorf("upsert participant %s: %w", p.PlatformUUID, err)
		}
		delete(c.participantNames, p.PlatformUUID)
		delete(c.videoFrames, p.PlatformUUID)
		if err := c.parts.InsertParticipantEvent(ctx, botdomain.ParticipantEvent{
			BotID:               c.botID,
			ParticipantID:       participant.ID,
			EventType:           botdomain.ParticipantEventLeave,
			RelativeTimestampMS: p.RelativeMS,
		}); err != nil {
			return fmt.Errorf("insert participant leave event: %w", err)
		}
		return c.fireParticipantWebhook(ctx, webhook.TriggerParticipantEventsLeave, participant)

	case adapter.EventParticipantSpeech:
		p, ok := evt.Payload.(adapter.ParticipantSpeech)
		if !ok {
			return nil
		}
		if p.Speaking {
			c.currentSpeaker = p.PlatformUUID
		} else if c.currentSpeaker == p.PlatformUUID {
			c.currentSpeaker = ""
		}
		participant, err := c.parts.UpsertParticipant(ctx, c.botID, p.PlatformUUID, "", "")
		if err != nil {
			return fmt.Errorf("upsert participant %s: %w", p.PlatformUUID, err)
		}
		eventType := botdomain.ParticipantEventSpeechStart
		if !p.Speaking {
			eventType = botdomain.ParticipantEventSpeechStop
		}
		return c.parts.InsertParticipantEvent(ctx, botdomain.ParticipantEvent{
			BotID:               c.botID,
			ParticipantID:       participant.ID,
			EventType:           eventType,
			RelativeTimestampMS: p.RelativeMS,
		})

	case adapter.EventParticipantScreenshare:
		p, ok := evt.Payload.(adapter.ParticipantScreenshare)
		if !ok {
			return nil
		}
		participant, err := c.parts.UpsertParticipant(ctx, c.botID, p.PlatformUUID, "", "")
		if err != nil {
			return fmt.Errorf("upsert participant %s: %w", p.PlatformUUID, err)
		}
		eventType := botdomain.ParticipantEventScreenshareStart
		if !p.Started {
			eventType = botdomain.ParticipantEventScreenshareStop
		}
		return c.parts.InsertParticipantEvent(ctx, botdomain.ParticipantEvent{
			BotID:               c.botID,
			ParticipantID:       participant.ID,
			EventType:           eventType,
			RelativeTimestampMS: p.RelativeMS,
		})

	default:
		return nil
	}
}

func (c *Controller) recordChatMessage(ctx context.Context, evt adapter.Event) error {
	msg, ok := evt.Payload.(adapter.ChatMessage)
	if !ok {
		return nil
	}
	participant, err := c.parts.UpsertParticipant(ctx, c.botID, msg.PlatformUUID, "", "")
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", msg.PlatformUUID, err)
	}
	if err := c.parts.InsertChatMessage(ctx, botdomain.ChatMessage{
		BotID:               c.botID,
		ParticipantID:       participant.ID,
		Text:                msg.Text,
		RelativeTimestampMS: msg.RelativeMS,
	}); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return c.fireParticipantWebhook(ctx, webhook.TriggerChatMessagesUpdate, participant)
}

func (c *Controller) fireParticipantWebhook(ctx context.Context, trigger webhook.Trigger, participant *botdomain.Participant) error {
	if c.webhooks == nil || c.bot == nil {
		return nil
	}
	if err := c.webhooks.Fire(ctx, c.bot.ProjectID, trigger, c.botID, "", map[string]any{
		"participant_id": participant.ID,
		"full_name":      participant.FullName,
	}, participant.ID+":"+string(trigger)); err != nil {
		slog.Error("failed to fire participant webhook", "error", err, "bot_id", c.botID, "trigger", trigger)
	}
	return nil
}

// checkAutoLeave evaluates the four independent timers from
// spec.md §4.5 and returns the sub_state the first tripped timer
// implies, or "" if none has fired.
func (c *Controller) checkAutoLeave() string {
	now := c.clock.Now()
	if c.cfg.AutoLeave.MaxDuration > 0 && !c.joinedAt.IsZero() && now.Sub(c.joinedAt) >= c.cfg.AutoLeave.MaxDuration {
		return "max_duration_exceeded"
	}
	if c.cfg.AutoLeave.Silence > 0 && !c.lastSpeechAt.IsZero() && now.Sub(c.lastSpeechAt) >= c.cfg.AutoLeave.Silence {
		return "prolonged_silence"
	}
	if c.cfg.AutoLeave.OnlyParticipant > 0 && len(c.participantNames) == 0 && !c.lastParticipantAt.IsZero() && now.Sub(c.lastParticipantAt) >= c.cfg.AutoLeave.OnlyParticipant {
		return "only_participant_remaining"
	}
	if c.cfg.AutoLeave.WaitingRoom > 0 && c.joinedAt.IsZero() && !c.waitingRoomAt.IsZero() && now.Sub(c.waitingRoomAt) >= c.cfg.AutoLeave.WaitingRoom {
		return "waiting_room_timeout"
	}
	return ""
}

// pollCommand checks for a pending pause/resume command and applies
// it. Errors are logged rather than propagated: a failed pause/resume
// should not tear down the whole worker the way a failed adapter event
// would.
func (c *Controller) pollCommand(ctx context.Context) {
	command, err := c.store.ClaimPendingCommand(ctx, c.botID)
	if err != nil {
		slog.Error("failed to poll pending command", "error", err, "bot_id", c.botID)
		return
	}
	switch command {
	case botdomain.CommandPause:
		if err := c.Pause(ctx); err != nil {
			slog.Error("failed to pause bot", "error", err, "bot_id", c.botID)
		}
	case botdomain.CommandResume:
		if err := c.Resume(ctx); err != nil {
			slog.Error("failed to resume bot", "error", err, "bot_id", c.botID)
		}
	}
}

// Pause implements spec.md §4.5's PAUSED command: it asks the adapter
// to stop capturing, tells the muxer to start filling the gap with
// silence/frozen video instead of cutting the recording, and moves the
// bot into PAUSED.
func (c *Controller) Pause(ctx context.Context) error {
	if err := c.adp.PauseRecording(ctx); err != nil {
		return fmt.Errorf("pause adapter recording: %w", err)
	}
	if c.media != nil && c.media.Muxer != nil {
		c.media.Muxer.Pause()
	}
	return c.transition(ctx, statemachine.EventPause, "")
}

// Resume reverses Pause: adapter capture and the muxer's pass-through
// writes both resume, and the bot returns to JOINED_RECORDING.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.adp.ResumeRecording(ctx); err != nil {
		return fmt.Errorf("resume adapter recording: %w", err)
	}
	if c.media != nil && c.media.Muxer != nil {
		c.media.Muxer.Resume()
	}
	return c.transition(ctx, statemachine.EventResume, "")
}

// onAdapterClosed handles the event channel closing without a
// preceding EventMeetingEnded/EventKicked — the adapter hung up on its
// own. Treated as an auto-leave with a distinguishing sub_state so
// BotEvent history shows it wasn't operator- or meeting-initiated.
func (c *Controller) onAdapterClosed(ctx context.Context) error {
	if err := c.transition(ctx, statemachine.EventAutoLeave, "adapter_closed_unexpectedly"); err != nil {
		return err
	}
	return c.shutdown(ctx)
}

func (c *Controller) leave(ctx context.Context, event statemachine.EventType, subType string) error {
	if err := c.adp.Leave(ctx); err != nil {
		slog.Error("adapter leave failed", "error", err, "bot_id", c.botID)
	}
	if err := c.transition(ctx, event, subType); err != nil {
		return err
	}
	return c.shutdown(ctx)
}

// shutdown flushes the transcription coordinator within
// ShutdownTimeout, moves to POST_PROCESSING, finalizes and uploads the
// recording, transitions to ENDED with the credit debit in the same
// transaction, and then fires the terminal state-change webhook.
func (c *Controller) shutdown(ctx context.Context) error {
	c.flushBatchTranscription(ctx)

	if c.coordinator != nil {
		if err := c.coordinator.Shutdown(ctx, c.cfg.ShutdownTimeout); err != nil {
			slog.Error("transcription coordinator flush failed", "error", err, "bot_id", c.botID)
		}
	}

	if err := c.transition(ctx, statemachine.EventAdapterClosed, ""); err != nil {
		if _, ok := err.(*statemachine.ErrInvalidTransition); !ok {
			return err
		}
	}

	c.finalizeRecording(ctx)

	if err := c.transitionToEndedWithDebit(ctx); err != nil {
		return err
	}

	if c.webhooks != nil {
		bot, err := c.store.GetBot(ctx, c.botID)
		if err == nil {
			_ = c.webhooks.Fire(ctx, bot.ProjectID, webhook.TriggerBotStateChange, bot.ID, "", map[string]any{"state": string(bot.State)}, bot.ID+":ended")
		}
	}
	return nil
}

// transitionToEndedWithDebit performs the terminal POST_PROCESSING ->
// ENDED transition and, if a credit meter is configured, the
// segment's credit debit, as a single BotRepository transaction
// (spec.md §4.9/§8): a crash or a debit failure between writing the
// terminal BotEvent and debiting credits is no longer possible.
func (c *Controller) transitionToEndedWithDebit(ctx context.Context) error {
	bot, err := c.store.GetBot(ctx, c.botID)
	if err != nil {
		return fmt.Errorf("load bot for terminal transition: %w", err)
	}

	var debitReq *repository.DebitRequest
	if c.meter != nil && !c.joinedAt.IsZero() {
		durationSeconds := int64(c.clock.Now().Sub(c.joinedAt).Seconds())
		cost, err := credit.MeteredCost(bot.Platform, bot.Settings.RecordingType, durationSeconds)
		if err != nil {
			slog.Error("failed to compute metered cost", "error", err, "bot_id", c.botID)
		} else {
			debitReq = &repository.DebitRequest{OrgID: bot.ProjectID, Amount: cost}
		}
	}

	_, debitResult, err := c.store.TransitionWithDebit(ctx, c.botID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, *repository.DebitRequest, error) {
		newState, sub, terr := statemachine.Transition(b.State, statemachine.EventPostProcessingDone, "")
		if terr != nil {
			return b.State, b.SubState, "", nil, nil, terr
		}
		return newState, sub, string(statemachine.EventPostProcessingDone), nil, debitReq, nil
	})
	if err != nil {
		return err
	}
	if debitResult != nil && c.meter != nil {
		c.meter.Notify(ctx, bot.ProjectID, debitResult.NewBalance, debitResult.CrossedLowThreshold)
	}
	return nil
}

// finalizeRecording implements spec.md §4.4's "invoke Uploader; write
// final duration_ms" and the §3 invariant that a Recording reaches
// COMPLETE only if the upload succeeded: it muxes the spooled media,
// uploads the result, and persists the outcome either way.
func (c *Controller) finalizeRecording(ctx context.Context) {
	if c.recording == nil {
		return
	}
	if c.media == nil || c.media.Muxer == nil || c.storer == nil {
		return
	}

	path, durationMS, err := c.media.Muxer.Finalize()
	if err != nil {
		c.markRecordingFailed(ctx, fmt.Errorf("finalize muxer: %w", err))
		return
	}
	defer func() { _ = c.media.Muxer.Close() }()

	file, err := os.Open(path)
	if err != nil {
		c.markRecordingFailed(ctx, fmt.Errorf("open muxed recording: %w", err))
		return
	}
	defer file.Close()

	ext := storage.ExtensionForFormat(string(c.recording.Format))
	fileNameOverride := ""
	if c.bot != nil {
		fileNameOverride = c.bot.Settings.FileNameOverride
	}
	objectID := c.botID
	if c.bot != nil {
		objectID = c.bot.ObjectID
	}
	key := storage.RecordingKey(objectID, "", ext, fileNameOverride)

	checksum, byteSize, err := c.storer.Put(ctx, key, file, contentTypeForFormat(c.recording.Format))
	if err != nil {
		c.markRecordingFailed(ctx, fmt.Errorf("upload recording: %w", err))
		return
	}

	var framesDropped int64
	for _, rb := range c.ringBuffers {
		framesDropped += rb.Dropped()
	}

	c.recording.State = botdomain.RecordingStateComplete
	c.recording.StorageKey = key
	c.recording.Checksum = checksum
	c.recording.ByteSize = byteSize
	c.recording.DurationMS = durationMS
	c.recording.FramesDropped = framesDropped
	if c.recs != nil {
		if err := c.recs.UpdateRecording(ctx, c.recording); err != nil {
			slog.Error("failed to persist completed recording", "error", err, "bot_id", c.botID)
		}
	}
}

func (c *Controller) markRecordingFailed(ctx context.Context, cause error) {
	slog.Error("recording finalize failed", "error", cause, "bot_id", c.botID)
	if c.recording == nil || c.recs == nil {
		return
	}
	c.recording.State = botdomain.RecordingStateFailed
	c.recording.FailureData = map[string]any{"error": cause.Error()}
	if err := c.recs.UpdateRecording(ctx, c.recording); err != nil {
		slog.Error("failed to persist failed recording", "error", err, "bot_id", c.botID)
	}
}

func contentTypeForFormat(format botdomain.RecordingFormat) string {
	switch format {
	case botdomain.RecordingFormatMP4:
		return "video/mp4"
	case botdomain.RecordingFormatMP3:
		return "audio/mpeg"
	case botdomain.RecordingFormatWebM:
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

func (c *Controller) fail(ctx context.Context, cause error, subType string) error {
	slog.Error("bot worker failing", "error", cause, "bot_id", c.botID, "sub_type", subType)
	if _, err := c.store.Transition(ctx, c.botID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error) {
		return botdomain.BotStateFatalError, subType, "unrecoverable_error", map[string]any{"error": cause.Error()}, nil
	}); err != nil {
		slog.Error("failed to record fatal error transition", "error", err, "bot_id", c.botID)
	}
	return nil
}

func (c *Controller) transition(ctx context.Context, event statemachine.EventType, subType string) error {
	_, err := c.store.Transition(ctx, c.botID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error) {
		newState, sub, terr := statemachine.Transition(b.State, event, subType)
		if terr != nil {
			return b.State, b.SubState, "", nil, terr
		}
		return newState, sub, string(event), nil, nil
	})
	return err
}
