package media

import (
	"errors"
	"fmt"
)

// ErrNoRemoteStream means recording was requested before a remote audio
// stream existed. Mixing requires both sides; recording does not start.
var ErrNoRemoteStream = errors.New("no remote audio stream available for mixing")

// MediaAccessError wraps camera/microphone acquisition failures
// (permission denied or device unavailable). Fatal to call setup; the
// caller surfaces it and never retries silently.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access denied or device unavailable: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }
