package proof

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store is the durable job ledger keyed by request fingerprint. It exists for
// dedup and reattach across process restarts; in-process dedup of concurrent
// callers is the orchestrator's in-flight registry, not the ledger.
type Store interface {
	// UpsertJob inserts a pending record for the job, or no-ops when an
	// identical record exists. A record with the same fingerprint but a
	// different program/input/mode yields ErrRequestMismatch.
	UpsertJob(ctx context.Context, job Job) (created bool, err error)

	// MarkUploaded records the remote artifact refs after upload.
	MarkUploaded(ctx context.Context, fingerprint common.Hash, programRef, inputRef string) (Record, error)

	// MarkSubmitted records the remote job id and bumps the attempt count.
	MarkSubmitted(ctx context.Context, fingerprint common.Hash, remoteJobID string) (Record, error)

	// MarkCompleted transitions the record to its successful terminal state.
	MarkCompleted(ctx context.Context, fingerprint common.Hash, proofDigest common.Hash) (Record, error)

	// MarkFailed transitions the record to its failed terminal state.
	MarkFailed(ctx context.Context, fingerprint common.Hash, code, message string, retryable bool) (Record, error)

	// GetJob returns the current record, or ErrNotFound.
	GetJob(ctx context.Context, fingerprint common.Hash) (Record, error)

	// DeleteJob removes a record so a caller can explicitly resubmit after a
	// terminal failure. Deleting a missing record is not an error.
	DeleteJob(ctx context.Context, fingerprint common.Hash) error
}
