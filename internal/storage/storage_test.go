package storage

import "testing"

func TestRecordingKey_Primary(t *testing.T) {
	got := RecordingKey("bot-abc", "", "mp4", "")
	want := "recordings/bot-abc.mp4"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRecordingKey_PerParticipant(t *testing.T) {
	got := RecordingKey("bot-abc", "participant-1", "mp3", "")
	want := "recordings/bot-abc/participant-1.mp3"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRecordingKey_FileNameOverride(t *testing.T) {
	got := RecordingKey("bot-abc", "", "mp4", "custom-name")
	want := "recordings/custom-name.mp4"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestDebugArtifactKey(t *testing.T) {
	got := DebugArtifactKey("bot-abc", "evt-1", "json")
	want := "debug/bot-abc/evt-1.json"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
