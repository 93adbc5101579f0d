package driver

import "time"

// Config holds the tunables used to construct a driver.
type Config struct {
	TableSize  int
	BucketSize int
	Alpha      int // parallelism factor for lookup rounds
	K          int // neighborhood size returned by a lookup

	PingSeedTimeout time.Duration
	FindPeerTimeout time.Duration
	RoundTimeout    time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns the driver defaults. Timeout values are not fixed
// by the source excerpt; these follow common Kademlia deployments and the
// teacher's own hour-scale refresh constant.
func DefaultConfig() Config {
	return Config{
		TableSize:       160,
		BucketSize:      16,
		Alpha:           3,
		K:               16,
		PingSeedTimeout: 5 * time.Second,
		FindPeerTimeout: 30 * time.Second,
		RoundTimeout:    2 * time.Second,
		RefreshInterval: time.Hour,
	}
}
