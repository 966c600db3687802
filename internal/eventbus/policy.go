package eventbus

import (
	"fmt"
	"strings"
	"time"
)

// Backpressure determines what Publish does when the ingest queue is full.
type Backpressure string

const (
	// DropOldest evicts the oldest queued envelope to make room.
	DropOldest Backpressure = "DropOldest"
	// DropNewest discards the envelope being published.
	DropNewest Backpressure = "DropNewest"
	// Block makes the publisher wait for room (or for its context to end).
	Block Backpressure = "Block"
)

// ParseBackpressure accepts the canonical names case-insensitively, with or
// without separators ("drop-oldest", "drop_oldest", "DropOldest").
func ParseBackpressure(value string) (Backpressure, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(value))
	switch normalized {
	case "", "dropoldest":
		return DropOldest, nil
	case "dropnewest":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return "", fmt.Errorf("eventbus: unknown backpressure strategy %q", value)
}

const (
	defaultCapacity       = 1024
	defaultNoticeBuffer   = 64
	defaultPanicThreshold = 5
	defaultPanicWindow    = time.Minute
)

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithCapacity sets the ingest queue capacity.
func WithCapacity(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.capacity = size
		}
	}
}

// WithBackpressure selects the strategy applied when the ingest queue is full.
func WithBackpressure(strategy Backpressure) BusOption {
	return func(b *Bus) {
		switch strategy {
		case DropOldest, DropNewest, Block:
			b.strategy = strategy
		}
	}
}

// WithPanicThreshold removes a subscription once its handler panicked more
// than threshold times within window.
func WithPanicThreshold(threshold int, window time.Duration) BusOption {
	return func(b *Bus) {
		if threshold > 0 {
			b.panicThreshold = threshold
		}
		if window > 0 {
			b.panicWindow = window
		}
	}
}
