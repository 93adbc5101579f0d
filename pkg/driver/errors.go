package driver

import "errors"

// ErrUnresponsive marks a peer that failed to answer a ping or lookup query
// within its round timeout. The driver treats it identically to any other
// liveness failure: eviction, not propagation.
var ErrUnresponsive = errors.New("driver: peer unresponsive")
