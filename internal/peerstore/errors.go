package peerstore

import "errors"

// ErrNotFound is returned when a peer row does not exist.
var ErrNotFound = errors.New("peer not found")
