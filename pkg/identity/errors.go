package identity

import "errors"

// ErrInvalidAddressLength is returned when building an Address from a slice
// that is not exactly AddressSize bytes long.
var ErrInvalidAddressLength = errors.New("identity: address must be 20 bytes")

// ErrInvalidPublicKey is returned when a compressed public key fails to parse.
var ErrInvalidPublicKey = errors.New("identity: invalid public key encoding")

// ErrInvalidSignature describes a signature that does not validate against
// the given public key and message. Verify reports that case by returning
// false; no function in this package returns this error.
var ErrInvalidSignature = errors.New("identity: signature verification failed")
