package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Request types accepted by the durable queue.
const (
	RequestAudio    = "audio"
	RequestText     = "text"
	RequestReaction = "reaction"
	RequestComment  = "comment"
)

// Queue record statuses. A record is eligible for replay only while pending.
// "failed" is terminal: the record stays inspectable but is never auto-retried.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// PendingAudio is a locally persisted recording that has not yet been
// confirmed accepted by the remote service.
type PendingAudio struct {
	ID        int64
	Blob      []byte
	CreatedAt time.Time
	Retries   int
}

// QueuedRequest logs the intent to perform a mutating network operation.
// It is written before the first network attempt and removed only after the
// operation is confirmed successful.
//
// BlobKey is a weak reference into pending_audio for audio-type requests;
// the queue record does not own the blob.
type QueuedRequest struct {
	ID          int64
	Type        string
	PayloadJSON string
	BlobKey     *int64
	CreatedAt   time.Time
	Retries     int
	Status      string
}
