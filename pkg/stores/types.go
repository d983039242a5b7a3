package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// ErrQueueCorrupt reports a stored queue payload that cannot be decoded.
// The worker treats it as unrecoverable for the affected item: the item is
// dead-lettered, and systemic corruption terminates the process.
var ErrQueueCorrupt = errors.New("queue item corrupt")

// CorruptItemError carries the identity of an undecodable queue item so the
// caller can quarantine it. It matches ErrQueueCorrupt under errors.Is.
type CorruptItemError struct {
	ItemID uuid.UUID
	Err    error
}

func (e *CorruptItemError) Error() string {
	return fmt.Sprintf("queue item %s corrupt: %v", e.ItemID, e.Err)
}

func (e *CorruptItemError) Unwrap() error {
	return ErrQueueCorrupt
}

// DeadLetter is a quarantined queue item. The serialized payload is kept
// verbatim for forensics even when it failed to decode.
type DeadLetter struct {
	ItemID         uuid.UUID `json:"item_id"`
	JobID          uuid.UUID `json:"job_id"`
	Payload        string    `json:"payload"`
	Reason         string    `json:"reason"`
	AttemptCount   int       `json:"attempt_count"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// QueueStats summarizes queue occupancy.
type QueueStats struct {
	// Visible is the number of items ready for delivery.
	Visible int `json:"visible"`

	// Leased is the number of items dequeued and still inside their
	// visibility window.
	Leased int `json:"leased"`

	// DeadLettered is the number of quarantined items.
	DeadLettered int `json:"dead_lettered"`
}

// Store defines the persistence surface shared by the worker and the CLI:
// the outcome sink the engine streams into, the finalized record queries,
// and the durable job queue.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Outcome sink. Push is idempotent per (job, device); Finalize
	// tolerates duplicates by overwriting the record.
	Push(ctx context.Context, jobID uuid.UUID, outcome *model.DeviceOutcome) error
	Finalize(ctx context.Context, record *model.JobRecord) error

	// Record queries
	GetRecord(ctx context.Context, jobID uuid.UUID) (*model.JobRecord, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*model.JobRecord, error)
	ListOutcomes(ctx context.Context, jobID uuid.UUID) ([]*model.DeviceOutcome, error)

	// Queue operations. Delivery is at-least-once: a dequeued item that is
	// neither acked nor nacked becomes visible again when its lease expires.
	Enqueue(ctx context.Context, item *model.QueueItem) (uuid.UUID, error)
	Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*model.QueueItem, error)
	Ack(ctx context.Context, itemID uuid.UUID) error
	Nack(ctx context.Context, itemID uuid.UUID, requeueAfter time.Duration) error
	DeadLetter(ctx context.Context, itemID uuid.UUID, reason string) error
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetter, error)
	QueueStats(ctx context.Context) (*QueueStats, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
