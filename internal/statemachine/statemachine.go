// Package statemachine implements the bot lifecycle transition table
// from spec.md §4.1. It is pure: no I/O, no locking. The Bot
// Controller and Dispatcher call Transition and persist the result
// themselves, under a row-level lock, in the same transaction as the
// BotEvent insert (spec.md §5).
package statemachine

import (
	"fmt"

	"github.com/meetingbots/orchestrator/internal/botdomain"
)

type EventType string

const (
	EventJoinAtReached      EventType = "join_at_reached"
	EventLaunch             EventType = "launch"
	EventWorkerUp           EventType = "worker_up"
	EventAdmit              EventType = "admit"
	EventStartRecording     EventType = "start_recording"
	EventPause              EventType = "pause"
	EventResume             EventType = "resume"
	EventLeaveCmd           EventType = "leave_cmd"
	EventAutoLeave          EventType = "auto_leave"
	EventMeetingEnd         EventType = "meeting_end"
	EventKicked             EventType = "kicked"
	EventAdapterClosed      EventType = "adapter_closed"
	EventPostProcessingDone EventType = "post_processing_done"
	EventUnrecoverableError EventType = "unrecoverable_error"
)

// ErrInvalidTransition is returned when an event does not apply to
// the Bot's current state. Callers must not treat this as fatal: per
// spec.md §4.1, "a transition from a non-source state is rejected
// silently" — the controller logs and no-ops.
type ErrInvalidTransition struct {
	From  botdomain.BotState
	Event EventType
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("event %q does not apply to state %q", e.Event, e.From)
}

type transitionKey struct {
	from  botdomain.BotState
	event EventType
}

type transitionResult struct {
	to      botdomain.BotState
	subType string
}

// table enumerates every edge in spec.md §4.1's diagram plus the
// catch-all unrecoverable_error edge, applied per-state below.
var table = map[transitionKey]transitionResult{
	{botdomain.BotStateScheduled, EventJoinAtReached}: {botdomain.BotStateReady, ""},
	{botdomain.BotStateReady, EventLaunch}:            {botdomain.BotStateStaged, ""},
	{botdomain.BotStateStaged, EventWorkerUp}:         {botdomain.BotStateJoining, ""},

	{botdomain.BotStateJoining, EventAdmit}: {botdomain.BotStateJoinedNotRecording, ""},

	{botdomain.BotStateJoinedNotRecording, EventStartRecording}: {botdomain.BotStateJoinedRecording, ""},
	{botdomain.BotStateJoinedRecording, EventPause}:             {botdomain.BotStatePaused, ""},
	{botdomain.BotStatePaused, EventResume}:                      {botdomain.BotStateJoinedRecording, ""},

	{botdomain.BotStateLeaving, EventAdapterClosed}:        {botdomain.BotStatePostProcessing, ""},
	{botdomain.BotStatePostProcessing, EventPostProcessingDone}: {botdomain.BotStateEnded, ""},
}

// joinedLikeStates are every state from which a leave-family event
// (leave_cmd, auto_leave, meeting_end, kicked) transitions to LEAVING,
// per spec.md's "JOINED_* --(leave_cmd | auto-leave | meeting_end |
// kicked)--> LEAVING".
var joinedLikeStates = []botdomain.BotState{
	botdomain.BotStateJoining,
	botdomain.BotStateJoinedNotRecording,
	botdomain.BotStateJoinedRecording,
	botdomain.BotStatePaused,
}

var leaveSubTypeByEvent = map[EventType]string{
	EventLeaveCmd:   "leave_cmd",
	EventAutoLeave:  "auto_leave",
	EventMeetingEnd: "meeting_ended",
	EventKicked:     "kicked",
}

func init() {
	for _, s := range joinedLikeStates {
		for event, sub := range leaveSubTypeByEvent {
			table[transitionKey{s, event}] = transitionResult{botdomain.BotStateLeaving, sub}
		}
	}
}

// nonTerminalStates is every state the unrecoverable_error event can
// fire from ("Any non-terminal --(unrecoverable_error)--> FATAL_ERROR").
var nonTerminalStates = []botdomain.BotState{
	botdomain.BotStateScheduled,
	botdomain.BotStateReady,
	botdomain.BotStateStaged,
	botdomain.BotStateJoining,
	botdomain.BotStateJoinedNotRecording,
	botdomain.BotStateJoinedRecording,
	botdomain.BotStatePaused,
	botdomain.BotStateLeaving,
	botdomain.BotStatePostProcessing,
}

// Transition returns the next state and sub-state for an event fired
// from "from". subType, if non-empty, is a diagnostic reason such as
// "heartbeat_timeout" or "adapter_crash" — it overrides any default
// sub-type the table would otherwise assign (used for FATAL_ERROR and
// LEAVING edges, which carry a caller-supplied reason).
func Transition(from botdomain.BotState, event EventType, subType string) (botdomain.BotState, string, error) {
	if event == EventUnrecoverableError {
		if !isNonTerminal(from) {
			return "", "", &ErrInvalidTransition{From: from, Event: event}
		}
		return botdomain.BotStateFatalError, subType, nil
	}

	key := transitionKey{from, event}
	result, ok := table[key]
	if !ok {
		return "", "", &ErrInvalidTransition{From: from, Event: event}
	}
	if subType != "" {
		return result.to, subType, nil
	}
	return result.to, result.subType, nil
}

func isNonTerminal(s botdomain.BotState) bool {
	for _, st := range nonTerminalStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is ENDED or FATAL_ERROR.
func IsTerminal(s botdomain.BotState) bool {
	return s == botdomain.BotStateEnded || s == botdomain.BotStateFatalError
}

// ValidPath reports whether a sequence of states forms a valid walk
// of the transition table, independent of which event produced each
// edge (used by tests and by the testable property in spec.md §8:
// "the sequence of BotEvents is a valid path in the state machine").
func ValidPath(states []botdomain.BotState) bool {
	for i := 1; i < len(states); i++ {
		if !edgeExists(states[i-1], states[i]) {
			return false
		}
	}
	return true
}

func edgeExists(from, to botdomain.BotState) bool {
	if to == botdomain.BotStateFatalError && isNonTerminal(from) {
		return true
	}
	for key, result := range table {
		if key.from == from && result.to == to {
			return true
		}
	}
	return false
}
