package compare

import "errors"

var (
	// ErrMissingSource marks a comparison referencing an unloaded source.
	ErrMissingSource = errors.New("source not loaded")
	// ErrSessionNotFound marks an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionParamMismatch marks a part whose rule or filter parameters
	// differ from the ones the session was started with.
	ErrSessionParamMismatch = errors.New("session parameters cannot change")
	// ErrSessionBaselineChanged marks an attempt to resume a session against
	// a different baseline source.
	ErrSessionBaselineChanged = errors.New("session baseline cannot change")
)
