package signaling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mossy-p/callagent/internal/models"
	"github.com/samber/lo"
)

// CallChange is one observation of a call record. Record is nil when the
// record was deleted; Err is set when the stored document could not be read.
type CallChange struct {
	Type    ChangeType
	ID      string
	Record  *models.CallRecord
	Deleted bool
	Err     error
}

// Calls scopes a Store to call records and their two candidate sub-streams
type Calls struct {
	store Store
}

// NewCalls creates the call facade over store
func NewCalls(store Store) *Calls {
	return &Calls{store: store}
}

// CreateCall stores rec and returns its id. A non-empty rec.ID is kept.
func (c *Calls) CreateCall(ctx context.Context, rec *models.CallRecord) (string, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	doc, err := encodeDocument(rec)
	if err != nil {
		return "", err
	}
	id, err := c.store.Create(ctx, models.CallsCollection, doc)
	if err != nil {
		return "", err
	}
	rec.ID = id
	return id, nil
}

// GetCall reads one call record
func (c *Calls) GetCall(ctx context.Context, id string) (*models.CallRecord, error) {
	doc, err := c.store.Get(ctx, models.CallsCollection, id)
	if err != nil {
		return nil, err
	}
	return decodeCall(doc)
}

// UpdateCall merges fields into a call record and stamps updatedAt.
// Values may be any JSON-serialisable type, e.g. *models.SessionDescription.
func (c *Calls) UpdateCall(ctx context.Context, id string, fields map[string]any) error {
	patch, err := encodeDocument(fields)
	if err != nil {
		return err
	}
	patch[models.FieldUpdatedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return c.store.Update(ctx, models.CallsCollection, id, patch)
}

// DeleteCall removes a call record together with its candidate sub-streams
func (c *Calls) DeleteCall(ctx context.Context, id string) error {
	return c.store.Delete(ctx, models.CallsCollection, id)
}

// FindByCaller lists the records placed by callerID
func (c *Calls) FindByCaller(ctx context.Context, callerID string) ([]*models.CallRecord, error) {
	return c.findCalls(ctx, Eq(models.FieldCallerID, callerID))
}

// FindIncoming lists ringing records addressed to receiverID, oldest first
func (c *Calls) FindIncoming(ctx context.Context, receiverID string) ([]*models.CallRecord, error) {
	recs, err := c.findCalls(ctx,
		Eq(models.FieldReceiverID, receiverID),
		Eq(models.FieldStatus, string(models.CallRinging)),
	)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (c *Calls) findCalls(ctx context.Context, filters ...Filter) ([]*models.CallRecord, error) {
	docs, err := c.store.Find(ctx, models.CallsCollection, filters...)
	if err != nil {
		return nil, err
	}
	out := make([]*models.CallRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeCall(doc)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// WatchCall follows a single call record
func (c *Calls) WatchCall(ctx context.Context, id string) (<-chan CallChange, error) {
	changes, err := c.store.WatchDocument(ctx, models.CallsCollection, id)
	if err != nil {
		return nil, err
	}
	return mapCallChanges(ctx, changes), nil
}

// WatchIncoming follows ringing calls addressed to receiverID
func (c *Calls) WatchIncoming(ctx context.Context, receiverID string) (<-chan CallChange, error) {
	changes, err := c.store.WatchCollection(ctx, models.CallsCollection,
		Eq(models.FieldReceiverID, receiverID),
		Eq(models.FieldStatus, string(models.CallRinging)),
	)
	if err != nil {
		return nil, err
	}
	return mapCallChanges(ctx, changes), nil
}

// AppendCandidate appends a raw candidate payload to the sub-stream written by role
func (c *Calls) AppendCandidate(ctx context.Context, callID string, role models.Role, payload []byte) error {
	return c.store.Append(ctx, models.CallsCollection, callID, role.Substream(), payload)
}

// WatchCandidates follows the sub-stream written by role, oldest first
func (c *Calls) WatchCandidates(ctx context.Context, callID string, role models.Role) (<-chan models.CandidateRecord, error) {
	entries, err := c.store.WatchAppends(ctx, models.CallsCollection, callID, role.Substream())
	if err != nil {
		return nil, err
	}
	out := make(chan models.CandidateRecord)
	go func() {
		defer close(out)
		for e := range entries {
			rec := models.CandidateRecord{CallID: callID, Role: role, Seq: e.Seq, Payload: e.Payload}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func mapCallChanges(ctx context.Context, changes <-chan Change) <-chan CallChange {
	out := make(chan CallChange)
	go func() {
		defer close(out)
		for ch := range changes {
			cc := CallChange{Type: ch.Type, ID: ch.ID, Deleted: ch.Type == ChangeRemoved}
			if !cc.Deleted {
				cc.Record, cc.Err = decodeCall(ch.Doc)
			}
			select {
			case out <- cc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func decodeCall(doc Document) (*models.CallRecord, error) {
	var rec models.CallRecord
	if err := decodeDocument(doc, &rec); err != nil {
		return nil, fmt.Errorf("call %s: %w", doc.ID(), err)
	}
	rec.ID = lo.CoalesceOrEmpty(rec.ID, doc.ID())
	return &rec, nil
}
