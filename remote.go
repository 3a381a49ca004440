package satchel

import (
	"context"
)

// RemoteClient is the document backend the engine syncs against. Reads are
// at-least-once; writes are intended exactly-once and deduplicated on the
// remote side via the action id.
type RemoteClient interface {
	// Apply delivers one mutation. A rejection caused by the server holding
	// a different version of the record is reported as a
	// *VersionConflictError carrying the server's copy.
	Apply(ctx context.Context, action PendingAction) error

	// Fetch reads the authoritative copy of a record, or ErrNotFound.
	Fetch(ctx context.Context, partition Partition, key string) (Document, error)
}
