package kademlia

import "errors"

// ErrArgumentOutOfRange is returned when constructing a RoutingTable with a
// non-positive tableSize or bucketSize.
var ErrArgumentOutOfRange = errors.New("kademlia: argument out of range")

// ErrArgumentInvalid is returned when a nil peer or the local address itself
// is passed to an add/remove operation.
var ErrArgumentInvalid = errors.New("kademlia: invalid argument")
