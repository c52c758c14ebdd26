// Package signaling is the persistence channel both parties of a call use to
// exchange session descriptions, candidates and status changes before a
// direct peer connection exists.
package signaling

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("document not found")

// Document is a structured record stored in a collection. The "id" field
// always holds the document id.
type Document map[string]any

// ID returns the document id
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// ChangeType tells a subscriber how a document changed
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one observation delivered to a document or collection watcher.
// Doc is nil when Type is ChangeRemoved.
type Change struct {
	Type ChangeType
	ID   string
	Doc  Document
}

// Appended is one entry of an append-only sub-collection
type Appended struct {
	Seq     int
	Payload []byte
}

// Filter is an equality predicate on a top-level document field
type Filter struct {
	Field string
	Value string
}

// Eq builds an equality filter
func Eq(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// Store is the contract the call core needs from the backing database.
// Every watch channel is closed once its context is cancelled; delivery never
// blocks writers.
type Store interface {
	Create(ctx context.Context, collection string, doc Document) (string, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Document) error
	Delete(ctx context.Context, collection, id string) error
	Find(ctx context.Context, collection string, filters ...Filter) ([]Document, error)

	WatchDocument(ctx context.Context, collection, id string) (<-chan Change, error)
	WatchCollection(ctx context.Context, collection string, filters ...Filter) (<-chan Change, error)

	Append(ctx context.Context, collection, parentID, sub string, payload []byte) error
	WatchAppends(ctx context.Context, collection, parentID, sub string) (<-chan Appended, error)
}

func matches(doc Document, filters []Filter) bool {
	if doc == nil {
		return false
	}
	return lo.EveryBy(filters, func(f Filter) bool {
		v, ok := doc[f.Field]
		return ok && v != nil && fmt.Sprint(v) == f.Value
	})
}

// encodeDocument turns any JSON-serialisable value into a Document
func encodeDocument(v any) (Document, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// decodeDocument fills out from doc
func decodeDocument(doc Document, out any) error {
	data, err := codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func cloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out, err := encodeDocument(doc)
	if err != nil {
		// Documents only ever hold JSON values, so this cannot fail for stored data.
		return lo.Assign(doc)
	}
	return out
}

func mergeFields(doc, fields Document) {
	for k, v := range fields {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
}
