package audio

import "errors"

// Typed errors for the failure classes the engine distinguishes. Callers
// match with errors.Is; wrapped messages carry the detail.
var (
	// ErrInvalidConfig marks a Config rejected at construction.
	ErrInvalidConfig = errors.New("invalid audio config")

	// ErrFileNotFound marks a source file that could not be opened.
	ErrFileNotFound = errors.New("audio file not found")

	// ErrUnsupportedFormat marks a container/codec the decoder stack
	// does not handle.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrMalformedFile marks a file the decoder opened but could not parse.
	ErrMalformedFile = errors.New("malformed audio file")

	// ErrDecode marks a runtime decode failure after open succeeded.
	ErrDecode = errors.New("decode error")

	// ErrInvalidTransition marks an illegal play/pause/stop request.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDeviceUnavailable marks a sink that failed to start.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrLayerExists marks a layer-name collision on create.
	ErrLayerExists = errors.New("layer already exists")

	// ErrLoopConflict marks the rejected replace=false + infinite-loop
	// combination, which would pin a slot forever.
	ErrLoopConflict = errors.New("infinite loop requires replace mode")
)
