package mesh

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the mesh is already up.
	ErrAlreadyRunning = errors.New("mesh already running")

	// ErrMissingStore is returned by New when no peer store is supplied.
	ErrMissingStore = errors.New("peer store is required")

	// ErrNotRunning is returned by operations that need a live host.
	ErrNotRunning = errors.New("mesh not running")

	// ErrNoAck is returned when a message send completes without the
	// receiver confirming the message id.
	ErrNoAck = errors.New("no matching ack received")
)
