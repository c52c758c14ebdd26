package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxUpdateRetries = 8

// docEvent is published on a collection's change channel after every mutation
type docEvent struct {
	ID      string   `json:"id"`
	Doc     Document `json:"doc,omitempty"`
	Deleted bool     `json:"deleted,omitempty"`
}

// RedisStore keeps documents as JSON strings and fans changes out over
// Pub/Sub so that clients on different hosts observe each other's writes.
//
// Keys:
//
//	doc:{collection}:{id}               document JSON
//	coll:{collection}                   set of document ids
//	subs:{collection}:{id}              set of sub-collection names
//	append:{collection}:{id}:{sub}      list of appended payloads
//
// Channels:
//
//	changes:{collection}                docEvent JSON
//	appends:{collection}:{id}:{sub}     new list length
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisStore wraps an existing client. Every key written gets ttl.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "redis-store").Logger(),
	}
}

func docKey(collection, id string) string { return "doc:" + collection + ":" + id }
func collKey(collection string) string { return "coll:" + collection }
func subsKey(collection, id string) string { return "subs:" + collection + ":" + id }
func listKey(collection, id, sub string) string {
	return "append:" + collection + ":" + id + ":" + sub
}
func changesChannel(collection string) string { return "changes:" + collection }
func appendsChannel(collection, id, sub string) string {
	return "appends:" + collection + ":" + id + ":" + sub
}

// Create stores doc, assigning a fresh id when doc has none
func (s *RedisStore) Create(ctx context.Context, collection string, doc Document) (string, error) {
	stored := cloneDocument(doc)
	if stored == nil {
		stored = Document{}
	}
	id := stored.ID()
	if id == "" {
		id = uuid.New().String()
		stored["id"] = id
	}

	data, err := codec.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	event, err := codec.Marshal(docEvent{ID: id, Doc: stored})
	if err != nil {
		return "", fmt.Errorf("failed to marshal change: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, docKey(collection, id), data, s.ttl)
		pipe.SAdd(ctx, collKey(collection), id)
		pipe.Publish(ctx, changesChannel(collection), event)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}
	return id, nil
}

// Get returns the document or ErrNotFound
func (s *RedisStore) Get(ctx context.Context, collection, id string) (Document, error) {
	data, err := s.client.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	var doc Document
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return doc, nil
}

// Update merges fields into the document with an optimistic transaction
func (s *RedisStore) Update(ctx context.Context, collection, id string, fields Document) error {
	key := docKey(collection, id)
	patch := cloneDocument(fields)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var doc Document
		if err := codec.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse document: %w", err)
		}
		mergeFields(doc, patch)

		updated, err := codec.Marshal(doc)
		if err != nil {
			return err
		}
		event, err := codec.Marshal(docEvent{ID: id, Doc: doc})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			pipe.Publish(ctx, changesChannel(collection), event)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to update document: %w", err)
		}
		return err
	}
	return fmt.Errorf("failed to update document %s: too much contention", id)
}

// Delete removes the document and every sub-collection appended under it
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	subs, err := s.client.SMembers(ctx, subsKey(collection, id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list sub-collections: %w", err)
	}
	event, err := codec.Marshal(docEvent{ID: id, Deleted: true})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sub := range subs {
			pipe.Del(ctx, listKey(collection, id, sub))
		}
		pipe.Del(ctx, subsKey(collection, id), docKey(collection, id))
		pipe.SRem(ctx, collKey(collection), id)
		pipe.Publish(ctx, changesChannel(collection), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Find returns every live document of the collection matching filters.
// Ids whose document expired are pruned from the collection set.
func (s *RedisStore) Find(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	ids, err := s.client.SMembers(ctx, collKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list collection: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read collection: %w", err)
	}

	var out []Document
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var doc Document
		if err := codec.Unmarshal([]byte(raw), &doc); err != nil {
			s.log.Warn().Err(err).Str("id", ids[i]).Msg("Skipping unreadable document")
			continue
		}
		if matches(doc, filters) {
			out = append(out, doc)
		}
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, collKey(collection), stale...)
	}
	return out, nil
}

// WatchDocument delivers the current snapshot and then every change to one document
func (s *RedisStore) WatchDocument(ctx context.Context, collection, id string) (<-chan Change, error) {
	sub, err := s.subscribe(ctx, changesChannel(collection))
	if err != nil {
		return nil, err
	}
	f := newFeed[Change](ctx, func() { sub.Close() })

	doc, err := s.Get(ctx, collection, id)
	switch {
	case errors.Is(err, ErrNotFound):
		f.push(Change{Type: ChangeRemoved, ID: id})
	case err != nil:
		sub.Close()
		return nil, err
	default:
		f.push(Change{Type: ChangeAdded, ID: id, Doc: doc})
	}

	go func() {
		for msg := range sub.Channel() {
			ev, ok := s.decodeEvent(msg)
			if !ok || ev.ID != id {
				continue
			}
			if ev.Deleted {
				f.push(Change{Type: ChangeRemoved, ID: id})
			} else {
				f.push(Change{Type: ChangeModified, ID: id, Doc: ev.Doc})
			}
		}
	}()
	return f.out, nil
}

// WatchCollection delivers documents entering, changing within and leaving
// the set selected by filters
func (s *RedisStore) WatchCollection(ctx context.Context, collection string, filters ...Filter) (<-chan Change, error) {
	sub, err := s.subscribe(ctx, changesChannel(collection))
	if err != nil {
		return nil, err
	}
	f := newFeed[Change](ctx, func() { sub.Close() })

	existing, err := s.Find(ctx, collection, filters...)
	if err != nil {
		sub.Close()
		return nil, err
	}
	w := &collectionWatcher{
		collection: collection,
		filters:    append([]Filter(nil), filters...),
		matched:    make(map[string]bool),
	}
	for _, doc := range existing {
		w.matched[doc.ID()] = true
		f.push(Change{Type: ChangeAdded, ID: doc.ID(), Doc: doc})
	}

	go func() {
		for msg := range sub.Channel() {
			ev, ok := s.decodeEvent(msg)
			if !ok {
				continue
			}
			doc := ev.Doc
			if ev.Deleted {
				doc = nil
			}
			if change, ok := w.observe(ev.ID, doc); ok {
				f.push(change)
			}
		}
	}()
	return f.out, nil
}

// Append adds payload to the end of a sub-collection of parentID
func (s *RedisStore) Append(ctx context.Context, collection, parentID, sub string, payload []byte) error {
	key := listKey(collection, parentID, sub)
	var length *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, s.ttl)
		pipe.SAdd(ctx, subsKey(collection, parentID), sub)
		pipe.Expire(ctx, subsKey(collection, parentID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", sub, err)
	}
	if err := s.client.Publish(ctx, appendsChannel(collection, parentID, sub), length.Val()).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to announce appended entry")
	}
	return nil
}

// WatchAppends replays a sub-collection and then follows new entries
func (s *RedisStore) WatchAppends(ctx context.Context, collection, parentID, sub string) (<-chan Appended, error) {
	ps, err := s.subscribe(ctx, appendsChannel(collection, parentID, sub))
	if err != nil {
		return nil, err
	}
	f := newFeed[Appended](ctx, func() { ps.Close() })
	key := listKey(collection, parentID, sub)

	delivered := 0
	catchUp := func() error {
		entries, err := s.client.LRange(ctx, key, int64(delivered), -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for _, entry := range entries {
			f.push(Appended{Seq: delivered, Payload: []byte(entry)})
			delivered++
		}
		return nil
	}
	if err := catchUp(); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to read %s: %w", sub, err)
	}

	go func() {
		for range ps.Channel() {
			if err := catchUp(); err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Str("key", key).Msg("Failed to read appended entries")
				}
			}
		}
	}()
	return f.out, nil
}

// subscribe opens a Pub/Sub subscription and waits for the confirmation so
// that no message published afterwards is missed
func (s *RedisStore) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return sub, nil
}

func (s *RedisStore) decodeEvent(msg *redis.Message) (docEvent, bool) {
	var ev docEvent
	if err := codec.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed change event")
		return ev, false
	}
	return ev, ev.ID != ""
}
