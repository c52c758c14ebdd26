package signaling

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type docWatcher struct {
	collection string
	id         string
	feed       *feed[Change]
}

type collectionWatcher struct {
	collection string
	filters    []Filter
	matched    map[string]bool
	feed       *feed[Change]
}

type appendWatcher struct {
	key  string
	feed *feed[Appended]
}

// MemoryStore is an in-process Store. Both parties of a call must share the
// same instance, which makes it suitable for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]Document
	appends map[string][][]byte

	nextWatcher int
	docWatchers map[int]*docWatcher
	colWatchers map[int]*collectionWatcher
	appWatchers map[int]*appendWatcher
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string]map[string]Document),
		appends:     make(map[string][][]byte),
		docWatchers: make(map[int]*docWatcher),
		colWatchers: make(map[int]*collectionWatcher),
		appWatchers: make(map[int]*appendWatcher),
	}
}

func appendKey(collection, parentID, sub string) string {
	return collection + "/" + parentID + "/" + sub
}

// Create stores doc, assigning a fresh id when doc has none
func (s *MemoryStore) Create(ctx context.Context, collection string, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored := cloneDocument(doc)
	if stored == nil {
		stored = Document{}
	}
	id := stored.ID()
	if id == "" {
		id = uuid.New().String()
		stored["id"] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]Document)
		s.docs[collection] = coll
	}
	coll[id] = stored
	s.notifyLocked(collection, id, stored)
	return id, nil
}

// Get returns a copy of the document
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// Update merges fields into the document. A nil value removes the field.
func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch := cloneDocument(fields)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	mergeFields(doc, patch)
	s.notifyLocked(collection, id, doc)
	return nil
}

// Delete removes the document and its sub-collections. Deleting a missing
// document is not an error.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := appendKey(collection, id, "")
	for key := range s.appends {
		if strings.HasPrefix(key, prefix) {
			delete(s.appends, key)
		}
	}
	if _, ok := s.docs[collection][id]; !ok {
		return nil
	}
	delete(s.docs[collection], id)
	s.notifyLocked(collection, id, nil)
	return nil
}

// Find returns every document matching all filters, ordered by id
func (s *MemoryStore) Find(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Document
	for _, doc := range s.docs[collection] {
		if matches(doc, filters) {
			out = append(out, cloneDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// WatchDocument delivers the current snapshot and then every change to one document
func (s *MemoryStore) WatchDocument(ctx context.Context, collection, id string) (<-chan Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.nextWatcher
	s.nextWatcher++
	w := &docWatcher{collection: collection, id: id}
	w.feed = newFeed[Change](ctx, func() { s.unwatch(key) })

	if doc, ok := s.docs[collection][id]; ok {
		w.feed.push(Change{Type: ChangeAdded, ID: id, Doc: cloneDocument(doc)})
	} else {
		w.feed.push(Change{Type: ChangeRemoved, ID: id})
	}
	s.docWatchers[key] = w
	return w.feed.out, nil
}

// WatchCollection delivers documents entering, changing within and leaving
// the set selected by filters
func (s *MemoryStore) WatchCollection(ctx context.Context, collection string, filters ...Filter) (<-chan Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.nextWatcher
	s.nextWatcher++
	w := &collectionWatcher{
		collection: collection,
		filters:    append([]Filter(nil), filters...),
		matched:    make(map[string]bool),
	}
	w.feed = newFeed[Change](ctx, func() { s.unwatch(key) })

	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc := s.docs[collection][id]
		if matches(doc, w.filters) {
			w.matched[id] = true
			w.feed.push(Change{Type: ChangeAdded, ID: id, Doc: cloneDocument(doc)})
		}
	}
	s.colWatchers[key] = w
	return w.feed.out, nil
}

// Append adds payload to the end of a sub-collection of parentID
func (s *MemoryStore) Append(ctx context.Context, collection, parentID, sub string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := append([]byte(nil), payload...)
	key := appendKey(collection, parentID, sub)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appends[key] = append(s.appends[key], entry)
	seq := len(s.appends[key]) - 1
	for _, w := range s.appWatchers {
		if w.key == key {
			w.feed.push(Appended{Seq: seq, Payload: append([]byte(nil), entry...)})
		}
	}
	return nil
}

// WatchAppends replays a sub-collection and then follows new entries
func (s *MemoryStore) WatchAppends(ctx context.Context, collection, parentID, sub string) (<-chan Appended, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := appendKey(collection, parentID, sub)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWatcher
	s.nextWatcher++
	w := &appendWatcher{key: key}
	w.feed = newFeed[Appended](ctx, func() { s.unwatch(id) })
	for seq, entry := range s.appends[key] {
		w.feed.push(Appended{Seq: seq, Payload: append([]byte(nil), entry...)})
	}
	s.appWatchers[id] = w
	return w.feed.out, nil
}

func (s *MemoryStore) unwatch(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docWatchers, key)
	delete(s.colWatchers, key)
	delete(s.appWatchers, key)
}

// notifyLocked fans a mutation out to watchers. doc is nil on deletion.
func (s *MemoryStore) notifyLocked(collection, id string, doc Document) {
	for _, w := range s.docWatchers {
		if w.collection != collection || w.id != id {
			continue
		}
		if doc == nil {
			w.feed.push(Change{Type: ChangeRemoved, ID: id})
		} else {
			w.feed.push(Change{Type: ChangeModified, ID: id, Doc: cloneDocument(doc)})
		}
	}

	for _, w := range s.colWatchers {
		if w.collection != collection {
			continue
		}
		if change, ok := w.observe(id, doc); ok {
			w.feed.push(change)
		}
	}
}

// observe updates the watcher's matched set and reports the change to emit
func (w *collectionWatcher) observe(id string, doc Document) (Change, bool) {
	now := matches(doc, w.filters)
	was := w.matched[id]
	switch {
	case now && !was:
		w.matched[id] = true
		return Change{Type: ChangeAdded, ID: id, Doc: cloneDocument(doc)}, true
	case now && was:
		return Change{Type: ChangeModified, ID: id, Doc: cloneDocument(doc)}, true
	case !now && was:
		delete(w.matched, id)
		return Change{Type: ChangeRemoved, ID: id}, true
	}
	return Change{}, false
}
