package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/metrics"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

const (
	// StreamName is the stream where all change records are stored
	StreamName = "$patient-history"
	// ChangeEventType is the event type for change records
	ChangeEventType = "PatientChange"
)

// KurrentDBRecorder stores change records in KurrentDB. The store is
// inherently append-only, and each record carries the hash of its
// predecessor so tampering with history is detectable.
type KurrentDBRecorder struct {
	client   *esdb.Client
	mu       sync.Mutex
	lastHash string
	sequence int64
}

// NewKurrentDBRecorder creates a new KurrentDB-backed change recorder
func NewKurrentDBRecorder(client *esdb.Client) *KurrentDBRecorder {
	return &KurrentDBRecorder{client: client}
}

// Initialize loads the last hash and sequence from the stream
func (r *KurrentDBRecorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts := esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}

	stream, err := r.client.ReadStream(ctx, StreamName, opts, 1)
	if err != nil {
		// Stream doesn't exist yet - that's OK
		if esdbErr, ok := esdb.FromError(err); ok {
			if esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				r.lastHash = ""
				r.sequence = 0
				return nil
			}
		}
		return errors.Wrap(err, "failed to read history stream")
	}
	defer stream.Close()

	event, err := stream.Recv()
	if err != nil {
		r.lastHash = ""
		r.sequence = 0
		return nil
	}

	if event.Event != nil && event.Event.EventType == ChangeEventType {
		var change Change
		if err := json.Unmarshal(event.Event.Data, &change); err == nil {
			r.lastHash = change.Hash
			r.sequence = change.Sequence
		}
	}

	return nil
}

// RecordChange appends a change record (thread-safe)
func (r *KurrentDBRecorder) RecordChange(ctx context.Context, change Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if change.ID.IsZero() {
		change.ID = types.NewID()
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	r.sequence++
	change.Sequence = r.sequence
	change.PrevHash = r.lastHash
	change.Hash = computeHash(&change)

	data, err := json.Marshal(change)
	if err != nil {
		return errors.Wrap(err, "failed to marshal change record")
	}

	eventData := esdb.EventData{
		EventID:     uuid.New(),
		EventType:   ChangeEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata: []byte(fmt.Sprintf(`{"sequence":%d,"hash":"%s"}`,
			change.Sequence, change.Hash)),
	}

	_, err = r.client.AppendToStream(ctx, StreamName, esdb.AppendToStreamOptions{}, eventData)
	if err != nil {
		return errors.Wrap(err, "failed to append change record")
	}

	r.lastHash = change.Hash
	metrics.RecordHistoryChange()

	return nil
}

// ListByEntity reads the change records for one entity, oldest first
func (r *KurrentDBRecorder) ListByEntity(ctx context.Context, entityID types.ID, limit int) ([]Change, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	opts := esdb.ReadStreamOptions{
		Direction: esdb.Forwards,
		From:      esdb.Start{},
	}

	stream, err := r.client.ReadStream(ctx, StreamName, opts, 4096)
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); ok {
			if esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				return nil, nil
			}
		}
		return nil, errors.Wrap(err, "failed to read history stream")
	}
	defer stream.Close()

	var changes []Change
	for len(changes) < limit {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if event.Event == nil || event.Event.EventType != ChangeEventType {
			continue
		}

		var change Change
		if err := json.Unmarshal(event.Event.Data, &change); err != nil {
			continue
		}
		if change.EntityID == entityID {
			changes = append(changes, change)
		}
	}

	return changes, nil
}

func computeHash(c *Change) string {
	payload := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%d",
		c.Sequence, c.PrevHash, c.Entity, c.EntityID, c.Action, c.Reason, c.At.UnixNano())
	if c.Actor != nil {
		payload += "|" + c.Actor.String()
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
