// Package store provides the typed persistence adapter used for workflow
// instances, checkpoints, approvals, tasks and agent registry rows.
//
// The adapter is a versioned key-value surface over a relational backend.
// Every mutation of an existing key goes through compare-and-swap on a
// monotonic version; contended writers retry on version mismatch.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict indicates a compare-and-swap version mismatch or an
	// insert over an existing key.
	ErrConflict = errors.New("store: version conflict")
)

// Record is a stored value with its current version.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// Store is the persistence adapter consumed by the engine, the approval
// gate, the lifecycle manager and the agent registry.
type Store interface {
	// Put writes the value unconditionally, creating the key if needed.
	Put(ctx context.Context, key string, value []byte) error

	// PutMulti writes all entries in a single transaction.
	PutMulti(ctx context.Context, entries map[string][]byte) error

	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// ScanPrefix returns all records whose key starts with prefix,
	// ordered by key.
	ScanPrefix(ctx context.Context, prefix string) ([]Record, error)

	// CompareAndSwap writes value iff the stored version equals expect.
	// expect == 0 means "create new"; it fails with ErrConflict when the
	// key already exists. Returns the new version.
	CompareAndSwap(ctx context.Context, key string, value []byte, expect int64) (int64, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// casAttempts bounds optimistic retries before surfacing ErrConflict.
const casAttempts = 3

// UpdateWithRetry reads key, applies fn to the current value and writes the
// result back via CAS, retrying up to three times on contention. fn receives
// nil when the key does not exist yet.
func UpdateWithRetry(ctx context.Context, s Store, key string, fn func(cur []byte) ([]byte, error)) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		var version int64
		var cur []byte
		rec, err := s.Get(ctx, key)
		switch {
		case err == nil:
			version = rec.Version
			cur = rec.Value
		case errors.Is(err, ErrNotFound):
			version = 0
		default:
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}

		if _, err := s.CompareAndSwap(ctx, key, next, version); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("update %s: %w", key, lastErr)
}

// Key layout. Checkpoint steps are zero-padded so a prefix scan returns them
// in execution order.

func KeyTask(taskID string) string { return "tasks/" + taskID }

func KeyWorkflow(workflowID string) string { return "workflows/" + workflowID }

func KeyCheckpoint(workflowID string, stepID int) string {
	return fmt.Sprintf("checkpoints/%s/%08d", workflowID, stepID)
}

func KeyCheckpointPrefix(workflowID string) string {
	return "checkpoints/" + workflowID + "/"
}

func KeyApproval(approvalID string) string { return "approvals/" + approvalID }

func KeyAgent(agentID string) string { return "agents/" + agentID }
