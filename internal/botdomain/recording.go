package botdomain

import "time"

type RecordingState string

const (
	RecordingStateNotStarted RecordingState = "NOT_STARTED"
	RecordingStateInProgress RecordingState = "IN_PROGRESS"
	RecordingStatePaused     RecordingState = "PAUSED"
	RecordingStateComplete   RecordingState = "COMPLETE"
	RecordingStateFailed     RecordingState = "FAILED"
)

type TranscriptionState string

const (
	TranscriptionStateNotStarted TranscriptionState = "NOT_STARTED"
	TranscriptionStateInProgress TranscriptionState = "IN_PROGRESS"
	TranscriptionStateComplete   TranscriptionState = "COMPLETE"
	TranscriptionStateFailed     TranscriptionState = "FAILED"
)

// Recording is one artifact per Bot (or per-participant variant, keyed
// by ParticipantID). StorageKey follows the layout in spec.md §6:
// recordings/{bot_object_id}.{ext} or
// recordings/{bot_object_id}/{participant_uuid}.{ext}.
type Recording struct {
	ID                 string
	BotID              string
	ParticipantID      string // empty for the primary recording
	State              RecordingState
	TranscriptionState TranscriptionState
	RecordingType      RecordingType
	Format             RecordingFormat
	StorageKey         string
	Checksum           string
	ByteSize           int64
	DurationMS         int64
	FramesDropped      int64
	FailureData        map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r *Recording) IsPrimary() bool {
	return r.ParticipantID == ""
}
