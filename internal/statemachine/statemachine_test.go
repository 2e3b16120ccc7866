package statemachine

import (
	"errors"
	"testing"

	"github.com/meetingbots/orchestrator/internal/botdomain"
)

func TestTransition_HappyPath(t *testing.T) {
	steps := []struct {
		from  botdomain.BotState
		event EventType
		want  botdomain.BotState
	}{
		{botdomain.BotStateScheduled, EventJoinAtReached, botdomain.BotStateReady},
		{botdomain.BotStateReady, EventLaunch, botdomain.BotStateStaged},
		{botdomain.BotStateStaged, EventWorkerUp, botdomain.BotStateJoining},
		{botdomain.BotStateJoining, EventAdmit, botdomain.BotStateJoinedNotRecording},
		{botdomain.BotStateJoinedNotRecording, EventStartRecording, botdomain.BotStateJoinedRecording},
		{botdomain.BotStateJoinedRecording, EventMeetingEnd, botdomain.BotStateLeaving},
		{botdomain.BotStateLeaving, EventAdapterClosed, botdomain.BotStatePostProcessing},
		{botdomain.BotStatePostProcessing, EventPostProcessingDone, botdomain.BotStateEnded},
	}
	for _, s := range steps {
		got, _, err := Transition(s.from, s.event, "")
		if err != nil {
			t.Fatalf("%s -> %s: unexpected error: %v", s.from, s.event, err)
		}
		if got != s.want {
			t.Fatalf("%s -> %s: got %s, want %s", s.from, s.event, got, s.want)
		}
	}
}

func TestTransition_PauseResume(t *testing.T) {
	got, _, err := Transition(botdomain.BotStateJoinedRecording, EventPause, "")
	if err != nil || got != botdomain.BotStatePaused {
		t.Fatalf("pause: got (%s, %v)", got, err)
	}
	got, _, err = Transition(botdomain.BotStatePaused, EventResume, "")
	if err != nil || got != botdomain.BotStateJoinedRecording {
		t.Fatalf("resume: got (%s, %v)", got, err)
	}
}

func TestTransition_RejectsNonSourceState(t *testing.T) {
	_, _, err := Transition(botdomain.BotStateEnded, EventAdmit, "")
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransition_UnrecoverableErrorFromAnyNonTerminalState(t *testing.T) {
	for _, s := range nonTerminalStates {
		got, sub, err := Transition(s, EventUnrecoverableError, "adapter_crash")
		if err != nil {
			t.Fatalf("from %s: unexpected error: %v", s, err)
		}
		if got != botdomain.BotStateFatalError || sub != "adapter_crash" {
			t.Fatalf("from %s: got (%s, %s)", s, got, sub)
		}
	}
}

func TestTransition_UnrecoverableErrorRejectedFromTerminalState(t *testing.T) {
	for _, s := range []botdomain.BotState{botdomain.BotStateEnded, botdomain.BotStateFatalError} {
		_, _, err := Transition(s, EventUnrecoverableError, "x")
		if err == nil {
			t.Fatalf("from %s: expected error", s)
		}
	}
}

func TestTransition_LeaveFamilyAppliesFromEveryJoinedState(t *testing.T) {
	for _, s := range joinedLikeStates {
		for event := range leaveSubTypeByEvent {
			got, _, err := Transition(s, event, "")
			if err != nil {
				t.Fatalf("%s -> %s: unexpected error: %v", s, event, err)
			}
			if got != botdomain.BotStateLeaving {
				t.Fatalf("%s -> %s: got %s, want LEAVING", s, event, got)
			}
		}
	}
}

func TestValidPath(t *testing.T) {
	path := []botdomain.BotState{
		botdomain.BotStateScheduled,
		botdomain.BotStateReady,
		botdomain.BotStateStaged,
		botdomain.BotStateJoining,
		botdomain.BotStateJoinedNotRecording,
		botdomain.BotStateJoinedRecording,
		botdomain.BotStateLeaving,
		botdomain.BotStatePostProcessing,
		botdomain.BotStateEnded,
	}
	if !ValidPath(path) {
		t.Fatal("expected valid path")
	}
	invalid := []botdomain.BotState{botdomain.BotStateScheduled, botdomain.BotStateEnded}
	if ValidPath(invalid) {
		t.Fatal("expected invalid path")
	}
}

func TestValidPath_FatalErrorFromAnyNonTerminalState(t *testing.T) {
	if !ValidPath([]botdomain.BotState{botdomain.BotStateJoining, botdomain.BotStateFatalError}) {
		t.Fatal("expected FATAL_ERROR to be reachable from JOINING")
	}
}
