package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
)

// ErrStatusMismatch is returned by Store.Transition when the record is not in
// the expected state.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// ErrPayloadTaken is returned when an invoice payload is already bound to a
// record.
var ErrPayloadTaken = errors.New("payload already bound")

// Patch lists the fields a transition sets alongside the state. Zero values
// leave the stored field unchanged.
type Patch struct {
	Payload       string
	FailureReason string
	PreviewKey    cache.Key
	HDKey         cache.Key
	ExpiresAt     int64
}

// Store persists delivery records. Transition is a compare-and-set on the
// record state; all lifecycle writes go through it.
type Store interface {
	// Create inserts rec unless a record with the same ID exists. It returns
	// the stored record and whether it was created by this call.
	Create(ctx context.Context, rec Record) (Record, bool, error)
	// Get returns (nil, nil) when the record does not exist.
	Get(ctx context.Context, id string) (*Record, error)
	// FindByPayload returns (nil, nil) when no record is bound to payload.
	FindByPayload(ctx context.Context, payload string) (*Record, error)
	// Transition moves id from one state to another and applies patch. A
	// non-empty patch.Payload is bound to the record in the same write.
	Transition(ctx context.Context, id string, from, to State, patch Patch) (Record, error)
	// Sweep removes records whose ExpiresAt is before now and returns how
	// many were removed. Stores that expire records natively may return 0.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
