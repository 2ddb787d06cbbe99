package history

import (
	"context"
	"time"

	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// Change describes one mutation of a patient or one of its ledgers.
// Actor is nil when the mutation was not attributed to a user; the
// absence is recorded as-is.
type Change struct {
	ID       types.ID  `json:"id"`
	Entity   string    `json:"entity"`
	EntityID types.ID  `json:"entity_id"`
	Action   string    `json:"action"`
	Actor    *types.ID `json:"actor,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`

	// Chain fields, set by the recorder
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash"`
}

// Recorder receives a change for every mutation the lifecycle engine
// performs
type Recorder interface {
	RecordChange(ctx context.Context, change Change) error
}

// NopRecorder discards changes; used when no event store is configured
type NopRecorder struct{}

func (NopRecorder) RecordChange(ctx context.Context, change Change) error { return nil }
