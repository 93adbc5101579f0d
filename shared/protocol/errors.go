package protocol

import "errors"

// ErrInvalidMessage covers malformed frames, unknown type tags, signature
// verification failures, and truncated bodies. The receive loop logs and
// drops the message; the sender is not structurally penalized.
var ErrInvalidMessage = errors.New("protocol: invalid message")
