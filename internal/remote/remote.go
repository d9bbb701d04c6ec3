// Package remote connects the local cache to a remote endpoint.
//
// RemoteSync is the transport contract. Outbox queues committed local
// mutations and submits them in commit order, retrying transport failures
// with exponential backoff. Loopback is an in-process endpoint for tests and
// demos; Redis relays mutations and change events through a shared Redis.
package remote

import (
	"context"

	"github.com/roach88/replica/internal/ir"
)

// RemoteSync ships mutations out and change events in.
type RemoteSync interface {
	// Submit sends one mutation and waits for the remote outcome. A
	// transport failure is returned as a SyncUnavailable error; a remote
	// refusal is an Ack with Rejected set.
	Submit(ctx context.Context, m ir.Mutation) (ir.Ack, error)

	// Events streams remote changes until ctx is cancelled, then closes the
	// channel.
	Events(ctx context.Context) (<-chan ir.ChangeEvent, error)
}
