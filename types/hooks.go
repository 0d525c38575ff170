package types

import "context"

// Hooks defines callbacks for node lifecycle events.
//
// All hooks are optional and run in background goroutines so they never block
// topology handling or publishing. They receive the service's lifecycle
// context, which is cancelled during shutdown.
//
// Hook execution behavior:
//   - Hooks may run concurrently and may not complete before Stop() returns
//   - Hook errors are logged and otherwise ignored
//
// Example:
//
//	hooks := &fanout.Hooks{
//	    OnPartitionsChanged: func(ctx context.Context, added, removed []int) error {
//	        log.Printf("gained %d partitions, lost %d", len(added), len(removed))
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnNodesChanged is called when nodes join or leave the cluster.
	OnNodesChanged func(ctx context.Context, joined, left []string) error

	// OnPartitionsChanged is called when the set of partitions owned by this
	// node changes.
	// added: partitions newly owned by this node
	// removed: partitions no longer owned by this node
	OnPartitionsChanged func(ctx context.Context, added, removed []int) error

	// OnError is called when a recoverable error occurs, such as a publish
	// failing because NATS is unreachable.
	OnError func(ctx context.Context, err error) error
}
