package adapter

import (
	"testing"

	"github.com/meetingbots/orchestrator/internal/botdomain"
)

func TestPlatformFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want botdomain.Platform
	}{
		{"https://zoom.us/j/12345", botdomain.PlatformZoomNative},
		{"https://us02web.zoom.us/j/12345?pwd=abc", botdomain.PlatformZoomNative},
		{"https://meet.google.com/abc-defg-hij", botdomain.PlatformGoogleMeet},
		{"https://teams.microsoft.com/l/meetup-join/abc", botdomain.PlatformTeams},
		{"https://teams.live.com/meet/123", botdomain.PlatformTeams},
	}
	for _, c := range cases {
		got, err := PlatformFromURL(c.url)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.url, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %s, want %s", c.url, got, c.want)
		}
	}
}

func TestPlatformFromURL_Unrecognized(t *testing.T) {
	_, err := PlatformFromURL("https://example.com/meeting/1")
	if err == nil {
		t.Fatal("expected ErrUnrecognizedPlatform")
	}
	var target *ErrUnrecognizedPlatform
	if _, ok := err.(*ErrUnrecognizedPlatform); !ok {
		_ = target
		t.Fatalf("expected *ErrUnrecognizedPlatform, got %T", err)
	}
}

func TestPlatformFromURL_Malformed(t *testing.T) {
	_, err := PlatformFromURL("://not a url")
	if err == nil {
		t.Fatal("expected error for malformed url")
	}
}
