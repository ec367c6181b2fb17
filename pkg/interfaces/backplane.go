package interfaces

import (
	"context"

	"examrelay/pkg/types"
)

// Backplane shares broadcasts between relay nodes.
type Backplane interface {
	// NodeID identifies this node in published messages
	NodeID() string

	Publish(ctx context.Context, msg types.BusMessage) error

	// Subscribe blocks, invoking fn for every message from other nodes,
	// until ctx is cancelled
	Subscribe(ctx context.Context, fn func(types.BusMessage)) error

	Close() error
}
