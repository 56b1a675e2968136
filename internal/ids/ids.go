// Package ids mints and classifies record identifiers.
//
// Locally minted ids carry the "local_" prefix followed by a UUIDv4, so any
// consumer can tell a local id from a remote one without a lookup. Remote ids
// are opaque strings chosen by the remote service.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks identifiers minted on this device.
const LocalPrefix = "local_"

// NewLocalID returns a fresh local identifier.
func NewLocalID() string {
	return LocalPrefix + uuid.NewString()
}

// IsLocalID reports whether id was minted locally. It never inspects storage.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// IsRemoteID reports whether id is a non-empty identifier that could have come
// from the remote service.
func IsRemoteID(id string) bool {
	return id != "" && !IsLocalID(id)
}

// ValidateRemoteID rejects ids that the remote service could never issue.
func ValidateRemoteID(id string) error {
	if id == "" {
		return fmt.Errorf("remote id is empty")
	}
	if IsLocalID(id) {
		return fmt.Errorf("remote id %q collides with the local prefix", id)
	}
	return nil
}
