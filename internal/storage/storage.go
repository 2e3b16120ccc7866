// Package storage defines the object storage abstraction from
// spec.md §6: a small Put/Get/Delete/SignedURL/Exists surface with
// two concrete backends (external/storage/s3, external/storage/swift)
// so the pipeline and uploader never depend on a specific provider's
// SDK.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Store is the object storage interface every backend implements.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (checksum string, byteSize int64, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RecordingKey computes the storage key for a Bot's primary or
// per-participant recording, per spec.md §6's layout:
// recordings/{bot_object_id}.{ext} or
// recordings/{bot_object_id}/{participant_uuid}.{ext}.
//
// fileNameOverride implements the legacy BotSettings.FileNameOverride
// alias (spec §9 Open Questions): when set, it replaces the computed
// basename but the directory structure and extension still follow the
// layout above.
func RecordingKey(botObjectID, participantUUID, ext, fileNameOverride string) string {
	base := botObjectID
	if fileNameOverride != "" {
		base = fileNameOverride
	}
	if participantUUID == "" {
		return fmt.Sprintf("recordings/%s.%s", base, ext)
	}
	return fmt.Sprintf("recordings/%s/%s.%s", botObjectID, participantUUID, ext)
}

// DebugArtifactKey computes the key for a debug capture, per spec.md's
// supplemented "debug artifact capture" feature: debug/{bot_object_id}/{event_id}.{ext}
func DebugArtifactKey(botObjectID, eventID, ext string) string {
	return fmt.Sprintf("debug/%s/%s.%s", botObjectID, eventID, ext)
}

// ExtensionForFormat maps a recording format to the file extension
// used in storage keys.
func ExtensionForFormat(format string) string {
	switch strings.ToLower(format) {
	case "mp4":
		return "mp4"
	case "mp3":
		return "mp3"
	case "webm":
		return "webm"
	default:
		return "bin"
	}
}

// ParentDir returns the directory component of a storage key, used by
// backends that need to ensure intermediate "directories" exist
// (Swift containers are flat, but S3-compatible backends sometimes
// expect prefix objects for browsing tools).
func ParentDir(key string) string {
	return path.Dir(key)
}

// ErrNotFound is returned by Get/Delete when the key does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "object not found" }
