package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

type docRef struct {
	coll string
	key  Key
}

// Session is a unit of work over a Driver. Documents loaded or created through
// it are kept in an identity map so repeated lookups return the same instance.
// Documents passed to Track, and those Upsert creates, form the working set
// that Flush writes back in one batch per collection. A loaded document that
// is modified must be tracked again to be written.
//
// A Session is not safe for concurrent use; give each goroutine its own.
type Session struct {
	driver Driver
	docs   map[docRef]Document
	dirty  map[docRef]bool
	order  []docRef
}

func NewSession(driver Driver) *Session {
	return &Session{
		driver: driver,
		docs:   make(map[docRef]Document),
		dirty:  make(map[docRef]bool),
	}
}

func (s *Session) Driver() Driver { return s.driver }

func refOf(doc Document) docRef {
	return docRef{coll: doc.Collection(), key: doc.DocKey()}
}

// Track adds doc to the working set, replacing any instance under the same key.
func (s *Session) Track(doc Document) {
	s.remember(doc)
	s.dirty[refOf(doc)] = true
}

// remember puts doc in the identity map without scheduling a write.
func (s *Session) remember(doc Document) {
	ref := refOf(doc)
	if _, ok := s.docs[ref]; !ok {
		s.order = append(s.order, ref)
	}
	s.docs[ref] = doc
}

func (s *Session) lookup(coll string, key Key) (Document, bool) {
	doc, ok := s.docs[docRef{coll: coll, key: key}]
	return doc, ok
}

// Expunge forgets doc without writing it.
func (s *Session) Expunge(doc Document) {
	ref := refOf(doc)
	if _, ok := s.docs[ref]; !ok {
		return
	}
	delete(s.docs, ref)
	delete(s.dirty, ref)
	s.order = slices.DeleteFunc(s.order, func(r docRef) bool { return r == ref })
}

// Clear drops the working set. Unflushed changes are lost.
func (s *Session) Clear() {
	clear(s.docs)
	clear(s.dirty)
	s.order = s.order[:0]
}

// Len reports how many documents the identity map holds.
func (s *Session) Len() int { return len(s.docs) }

// Flush writes the working set, one PutMany per collection. Stored
// SetFielder documents are rewritten one at a time through Driver.Update.
func (s *Session) Flush(ctx context.Context) error {
	batches := make(map[string]map[Key][]byte)
	var colls []string
	for _, ref := range s.order {
		if !s.dirty[ref] {
			continue
		}
		doc := s.docs[ref]
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("flush: encode %s %s: %w", ref.coll, ref.key, err)
		}
		if sf, ok := doc.(SetFielder); ok {
			err := s.writeMerged(ctx, ref, body, sf.SetFields())
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("flush: %s %s: %w", ref.coll, ref.key, err)
			}
		}
		batch, ok := batches[ref.coll]
		if !ok {
			batch = make(map[Key][]byte)
			batches[ref.coll] = batch
			colls = append(colls, ref.coll)
		}
		batch[ref.key] = body
	}
	for _, coll := range colls {
		if err := s.driver.PutMany(ctx, coll, batches[coll]); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	clear(s.dirty)
	return nil
}

// Save writes doc through immediately and tracks it.
func (s *Session) Save(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("save: encode %s %s: %w", doc.Collection(), doc.DocKey(), err)
	}
	if err := s.driver.PutMany(ctx, doc.Collection(), map[Key][]byte{doc.DocKey(): body}); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	s.remember(doc)
	delete(s.dirty, refOf(doc))
	return nil
}

// AddToSet appends value to the string-list field of the stored document
// unless it is already present. Only that field is rewritten; the rest of the
// stored body is left as is. It reports whether the value was added.
func (s *Session) AddToSet(ctx context.Context, doc Document, field, value string) (bool, error) {
	added := false
	err := s.driver.Update(ctx, doc.Collection(), doc.DocKey(), func(body []byte) ([]byte, error) {
		fields, set, err := decodeSet(body, field)
		if err != nil {
			return nil, err
		}
		if slices.Contains(set, value) {
			return body, nil
		}
		added = true
		return encodeSet(fields, field, append(set, value))
	})
	if err != nil {
		return false, fmt.Errorf("add to set %s.%s: %w", doc.Collection(), field, err)
	}
	return added, nil
}

// SetFielder is implemented by documents with string-list fields maintained
// through AddToSet. Flush keeps the values other sessions added to those
// fields instead of overwriting them.
type SetFielder interface {
	SetFields() []string
}

// writeMerged stores body over the stored document, unioning the set fields.
func (s *Session) writeMerged(ctx context.Context, ref docRef, body []byte, setFields []string) error {
	return s.driver.Update(ctx, ref.coll, ref.key, func(stored []byte) ([]byte, error) {
		merged := body
		for _, field := range setFields {
			_, old, err := decodeSet(stored, field)
			if err != nil {
				return nil, err
			}
			fields, cur, err := decodeSet(merged, field)
			if err != nil {
				return nil, err
			}
			union := slices.Clone(old)
			for _, v := range cur {
				if !slices.Contains(union, v) {
					union = append(union, v)
				}
			}
			if merged, err = encodeSet(fields, field, union); err != nil {
				return nil, err
			}
		}
		return merged, nil
	})
}

func decodeSet(body []byte, field string) (map[string]json.RawMessage, []string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, nil, err
	}
	var set []string
	if raw, ok := fields[field]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &set); err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", field, err)
		}
	}
	return fields, set, nil
}

func encodeSet(fields map[string]json.RawMessage, field string, set []string) ([]byte, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}
	fields[field] = raw
	return json.Marshal(fields)
}

// docPtr constrains D to a pointer to T that is a Document.
type docPtr[T any] interface {
	*T
	Document
}

func collectionOf[T any, D docPtr[T]]() string {
	var zero D
	return zero.Collection()
}

func decode[T any, D docPtr[T]](body []byte) (D, error) {
	doc := D(new(T))
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fetch[T any, D docPtr[T]](ctx context.Context, s *Session, key Key) (D, error) {
	coll := collectionOf[T, D]()
	body, err := s.driver.Get(ctx, coll, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := decode[T, D](body)
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", coll, key, err)
	}
	s.remember(doc)
	return doc, nil
}

// Load returns the document stored under key, or nil when there is none.
func Load[T any, D docPtr[T]](ctx context.Context, s *Session, key Key) (D, error) {
	if doc, ok := s.lookup(collectionOf[T, D](), key); ok {
		if d, ok := doc.(D); ok {
			return d, nil
		}
	}
	return fetch[T, D](ctx, s, key)
}

// LoadMany returns the documents found for ids keyed by object id. Missing ids
// are absent from the result.
func LoadMany[T any, D docPtr[T]](ctx context.Context, s *Session, repoID string, ids []string) (map[string]D, error) {
	coll := collectionOf[T, D]()
	out := make(map[string]D, len(ids))
	var missing []string
	for _, id := range ids {
		if doc, ok := s.lookup(coll, Key{RepoID: repoID, ObjectID: id}); ok {
			if d, ok := doc.(D); ok {
				out[id] = d
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	bodies, err := s.driver.GetMany(ctx, coll, repoID, missing)
	if err != nil {
		return nil, err
	}
	for id, body := range bodies {
		doc, err := decode[T, D](body)
		if err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", coll, id, err)
		}
		s.remember(doc)
		out[id] = doc
	}
	return out, nil
}

// Upsert returns the document under key, inserting newDoc(key) when it does
// not exist yet. Concurrent callers racing on the same key agree on a single
// stored document: the loser of the insert discards its instance and re-reads
// the winner's. created reports whether this call inserted the document.
func Upsert[T any, D docPtr[T]](ctx context.Context, s *Session, key Key, newDoc func(Key) D) (doc D, created bool, err error) {
	doc, err = Load[T, D](ctx, s, key)
	if err != nil {
		return nil, false, fmt.Errorf("upsert %s: %w", key, err)
	}
	if doc != nil {
		return doc, false, nil
	}
	fresh := newDoc(key)
	body, err := json.Marshal(fresh)
	if err != nil {
		return nil, false, fmt.Errorf("upsert %s: encode: %w", key, err)
	}
	err = s.driver.Insert(ctx, fresh.Collection(), key, body)
	switch {
	case err == nil:
		s.Track(fresh)
		return fresh, true, nil
	case errors.Is(err, ErrDuplicateKey):
		s.Expunge(fresh)
		doc, err = fetch[T, D](ctx, s, key)
		if err != nil {
			return nil, false, fmt.Errorf("upsert %s: %w", key, err)
		}
		if doc == nil {
			return nil, false, fmt.Errorf("upsert %s: %w after duplicate key", key, ErrNotFound)
		}
		return doc, false, nil
	default:
		return nil, false, fmt.Errorf("upsert %s: %w", key, err)
	}
}
