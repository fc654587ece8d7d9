package slam

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the requested state does not exist yet or the
	// destination went away. Callers may retry later; the server does not.
	ErrUnavailable = errors.New("unavailable")

	// ErrInvalidArgument rejects a request without side effects.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMalformedTimestamp is returned when a frame or settings file name does
	// not carry a parseable timestamp.
	ErrMalformedTimestamp = errors.New("malformed timestamp")

	// ErrNoFrame means no frame satisfied the selection policy.
	ErrNoFrame = errors.New("no frame found")

	// ErrNotInitialized is returned by engine accessors before an engine is
	// attached or after it has been detached.
	ErrNotInitialized = fmt.Errorf("%w: SLAM is not yet initialized", ErrUnavailable)

	// ErrStreamClosed is returned when a chunk could not be written because
	// the consumer closed the stream.
	ErrStreamClosed = fmt.Errorf("%w: error while writing to stream: stream closed", ErrUnavailable)

	// ErrNoMapPoints is returned by map exports while the snapshot is empty.
	ErrNoMapPoints = fmt.Errorf("%w: currently no map points exist", ErrUnavailable)
)
