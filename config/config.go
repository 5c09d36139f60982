// Package config holds the plain configuration surface the spec names —
// ClientConfig and QueuedClientConfig — plus a helper for parsing
// human-readable size strings at the config-loading edge.
package config

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"

	"github.com/kevdoran/nifi-android-s2s/transport"
)

// ClientConfig is shared by the direct-send and queued drain paths.
type ClientConfig struct {
	PortIdentifier string
	RemoteClusters []transport.ClusterConfig
	UseCompression bool

	IdleConnectionExpiration time.Duration
	PreferredBatchCount      int
	PreferredBatchSize       int64
	PreferredBatchDuration   time.Duration
	Timeout                  time.Duration
	PeerUpdateInterval       time.Duration
}

// QueuedClientConfig extends ClientConfig with the durable queue's eviction
// and deadline knobs.
type QueuedClientConfig struct {
	ClientConfig

	MaxRows               int
	MaxSize               int64
	MaxAge                time.Duration
	MaxTransactionTime    time.Duration
}

// ParseSize parses a human size string ("10MB", "512Ki", plain bytes) into
// an int64 byte count, for loading PreferredBatchSize/MaxSize from
// human-authored configuration.
func ParseSize(s string) (int64, error) {
	n, err := units.FromHumanSize(s)
	if err != nil {
		return 0, fmt.Errorf("config: parse size %q: %w", s, err)
	}
	return n, nil
}
