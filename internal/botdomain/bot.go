// Package botdomain holds the entities from the data model: Bot,
// BotEvent, Recording, Participant, ParticipantEvent,
// Utterance, and ChatMessage. Types here carry no persistence or
// transport logic; they are shared between the controller,
// dispatcher, pipeline, and repository packages.
package botdomain

import "time"

type BotState string

const (
	BotStateScheduled           BotState = "SCHEDULED"
	BotStateReady               BotState = "READY"
	BotStateStaged              BotState = "STAGED"
	BotStateJoining             BotState = "JOINING"
	BotStateJoinedNotRecording  BotState = "JOINED_NOT_RECORDING"
	BotStateJoinedRecording     BotState = "JOINED_RECORDING"
	BotStateLeaving             BotState = "LEAVING"
	BotStatePostProcessing      BotState = "POST_PROCESSING"
	BotStateEnded               BotState = "ENDED"
	BotStateFatalError          BotState = "FATAL_ERROR"
	BotStatePaused              BotState = "PAUSED"
)

// Platform is the closed set of adapter variants a Bot can join
// through (see internal/adapter). Kept here too since it is a Bot
// attribute persisted alongside state.
type Platform string

const (
	PlatformZoomNative Platform = "zoom_native"
	PlatformZoomWeb    Platform = "zoom_web"
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "teams"
	PlatformZoomRtms   Platform = "zoom_rtms"
)

type RecordingFormat string

const (
	RecordingFormatMP4  RecordingFormat = "mp4"
	RecordingFormatMP3  RecordingFormat = "mp3"
	RecordingFormatWebM RecordingFormat = "webm"
	RecordingFormatNone RecordingFormat = "none"
)

type RecordingType string

const (
	RecordingTypeAudioAndVideo RecordingType = "AUDIO_AND_VIDEO"
	RecordingTypeAudioOnly     RecordingType = "AUDIO_ONLY"
	RecordingTypeNoRecording   RecordingType = "NO_RECORDING"
)

type TranscriptionMode string

const (
	TranscriptionModeStreaming TranscriptionMode = "streaming"
	TranscriptionModeBatch     TranscriptionMode = "batch"
)

type BotSettings struct {
	RecordingFormat       RecordingFormat
	RecordingType         RecordingType
	TranscriptionProvider string
	TranscriptionMode     TranscriptionMode
	TranscriptionLanguage string
	VideoCompositorPolicy string // "speaker_view" or "gallery_view"
	AutoRecord            bool
	FileNameOverride      string // legacy alias for storage key; see DESIGN.md open question
}

type Bot struct {
	ID               string
	ProjectID        string
	ObjectID         string
	MeetingURL       string
	Name             string
	Platform         Platform
	State            BotState
	SubState         string
	JoinAt           *time.Time
	DeduplicationKey string
	Settings         BotSettings
	Metadata         map[string]any
	HeartbeatAt         time.Time
	LaunchedAt          *time.Time
	PendingCommand      string
	LaunchAttempts      int
	FirstLaunchAttemptAt *time.Time
	NextLaunchAttemptAt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Pause/Resume commands an operator can queue against a running bot by
// writing directly to its pending_command column; the worker's control
// poll consumes and clears it.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
)

// HeartbeatSnapshot carries the worker process's resource usage at the
// moment it wrote a heartbeat, per spec.md's supplemented
// "heartbeat-driven resource snapshot" feature — enough to spot a
// worker spinning or leaking memory without a separate metrics pipe.
type HeartbeatSnapshot struct {
	CPUSeconds  float64
	MemoryBytes uint64
}

func (b *Bot) IsTerminal() bool {
	return b.State == BotStateEnded || b.State == BotStateFatalError
}

func (b *Bot) IsJoinedOrLeaving() bool {
	switch b.State {
	case BotStateJoinedNotRecording, BotStateJoinedRecording, BotStatePaused, BotStateLeaving:
		return true
	default:
		return false
	}
}

type BotEvent struct {
	ID        string
	BotID     string
	OldState  BotState
	NewState  BotState
	EventType string
	SubType   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// An RTMS "App Session" — which joins no participant, only consumes a
// Zoom-pushed media stream — is not its own entity here: it is a Bot
// row with Platform == PlatformZoomRtms. It shares Recording,
// Utterance, and Participant relations with every other platform by
// construction, and the dispatcher's "claim ready" and the controller's
// event loop already operate uniformly across platforms, so no
// RTMS-specific table or code path is needed; see DESIGN.md.
