package registry

import "errors"

// ErrNotConnected is returned by Send when the target node has no live
// transport handle (spec.md §4.1).
var ErrNotConnected = errors.New("registry: agent not connected")

// ErrUnknownNode is returned by Heartbeat for a node that was never
// registered.
var ErrUnknownNode = errors.New("registry: unknown node")
