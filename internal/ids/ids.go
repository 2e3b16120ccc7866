// Package ids wraps uuid generation so every opaque id in the system
// (Bot.object_id, Recording ids, Participant uuids) is produced the
// same way.
package ids

import "github.com/google/uuid"

func New() string {
	return uuid.New().String()
}

func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
