// Package adapter defines the Bot Adapter boundary from spec.md §4.2:
// a closed set of platform variants behind one interface, rather than
// dynamic dispatch on adapter type (per the redesign flag in spec.md
// §9). Concrete adapters — native SDK, browser automation, or RTMS
// stream consumer — live under external/adapter.
package adapter

import (
	"context"
	"net/url"
	"strings"

	"github.com/meetingbots/orchestrator/internal/botdomain"
)

// PlatformFromURL is a pure classifier: it looks only at the meeting
// URL's host and path shape, never performs I/O, and is total over
// any syntactically valid URL (unknown hosts return an error rather
// than a panic, per spec.md §4.2's edge case table).
func PlatformFromURL(meetingURL string) (botdomain.Platform, error) {
	u, err := url.Parse(meetingURL)
	if err != nil {
		return "", &ErrUnrecognizedPlatform{URL: meetingURL}
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)
	switch {
	case strings.Contains(host, "zoom.us") && strings.Contains(path, "/wc/"):
		// Zoom's web-client join path (/wc/<meeting_id>/join, /wc/join/...)
		// loads the in-browser client instead of launching the native app,
		// so it needs the browser-automation adapter rather than the SDK one.
		return botdomain.PlatformZoomWeb, nil
	case strings.Contains(host, "zoom.us"):
		return botdomain.PlatformZoomNative, nil
	case strings.Contains(host, "meet.google.com"):
		return botdomain.PlatformGoogleMeet, nil
	case strings.Contains(host, "teams.microsoft.com"), strings.Contains(host, "teams.live.com"):
		return botdomain.PlatformTeams, nil
	default:
		return "", &ErrUnrecognizedPlatform{URL: meetingURL}
	}
}

type ErrUnrecognizedPlatform struct {
	URL string
}

func (e *ErrUnrecognizedPlatform) Error() string {
	return "unrecognized meeting platform for url: " + e.URL
}

// Controls is the subset of adapter operations the controller issues
// as commands, separated from the event stream so adapters can
// implement each half independently.
type Controls interface {
	StartRecording(ctx context.Context) error
	PauseRecording(ctx context.Context) error
	ResumeRecording(ctx context.Context) error
	Leave(ctx context.Context) error
	SendChatMessage(ctx context.Context, text string) error
}

// EventType enumerates the adapter-originated events the controller's
// event loop switches on (spec.md §4.5).
type EventType string

const (
	EventAdmitted             EventType = "admitted"
	EventWaitingRoom          EventType = "waiting_room"
	EventParticipantJoin      EventType = "participant_join"
	EventParticipantLeave     EventType = "participant_leave"
	EventParticipantSpeech    EventType = "participant_speech"
	EventParticipantScreenshare EventType = "participant_screenshare"
	EventAudioFrame           EventType = "audio_frame"
	EventVideoFrame           EventType = "video_frame"
	EventChatMessage          EventType = "chat_message"
	EventDebugArtifact        EventType = "debug_artifact"
	EventMeetingEnded         EventType = "meeting_ended"
	EventKicked               EventType = "kicked"
	EventFatalError           EventType = "fatal_error"
)

// Event is the single envelope type the adapter emits on its event
// channel; Payload's concrete type depends on Type (e.g. AudioFrame
// for EventAudioFrame). Keeping one channel of one envelope type,
// rather than one channel per event type, mirrors the teacher's
// discord gateway event dispatch and keeps ordering within a session
// trivially preserved.
type Event struct {
	Type    EventType
	Payload any
}

// AudioFrame and VideoFrame are the payloads pipeline consumers care
// about; RelativeMS is the meeting-relative timestamp assigned by the
// adapter at capture time (spec.md §4.6's 10ms-quantized clock).
type AudioFrame struct {
	ParticipantUUID string
	RelativeMS      int64
	PCM             []byte
}

type VideoFrame struct {
	ParticipantUUID string
	RelativeMS      int64
	Data            []byte
	Width, Height   int
}

// ParticipantJoin and ParticipantLeave carry the identity the
// controller needs to upsert a Participant row before logging the
// event (spec.md §4.4).
type ParticipantJoin struct {
	PlatformUUID string
	FullName     string
	UserUUID     string
	RelativeMS   int64
}

type ParticipantLeave struct {
	PlatformUUID string
	RelativeMS   int64
}

// ParticipantSpeech toggles speaking state; Speaking distinguishes
// SPEECH_START from SPEECH_STOP.
type ParticipantSpeech struct {
	PlatformUUID string
	RelativeMS   int64
	Speaking     bool
}

// ParticipantScreenshare toggles screen share state; Started
// distinguishes SCREENSHARE_START from SCREENSHARE_STOP.
type ParticipantScreenshare struct {
	PlatformUUID string
	RelativeMS   int64
	Started      bool
}

type ChatMessage struct {
	PlatformUUID string
	Text         string
	RelativeMS   int64
}

// DebugArtifact carries an opaque capture (e.g. a platform-reported
// error screenshot) the controller uploads verbatim, per spec.md's
// supplemented "debug artifact capture" feature.
type DebugArtifact struct {
	EventID string
	Ext     string
	Data    []byte
}

// Adapter is the full boundary a platform variant implements: Open
// establishes the session (joins the meeting or attaches to the
// stream), Controls issues commands, and Events delivers the single
// ordered event stream until the adapter closes it.
type Adapter interface {
	Controls
	Open(ctx context.Context, meetingURL string, botName string) error
	Events() <-chan Event
	Platform() botdomain.Platform
}
