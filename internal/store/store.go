// Package store persists repository documents keyed by (repo_id, object_id).
//
// A Driver is the raw document store: it knows nothing about commits or trees,
// only collections of opaque document bodies with a unique composite key. A
// Session layers a unit of work on top of a Driver so ingestion can batch
// writes and bound its working set.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey reports an insert that lost the race for a unique key.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound reports a lookup for a key that has no document.
	ErrNotFound = errors.New("document not found")
)

// Key identifies a document inside a collection. RepoID is the backend scope
// ("git", "hg", or a repository path for svn) and ObjectID the native id.
type Key struct {
	RepoID   string
	ObjectID string
}

func (k Key) String() string {
	return k.RepoID + ":" + k.ObjectID
}

// Document is implemented by every persisted entity.
//
// Collection must not dereference its receiver: it is called on nil pointers
// to learn where a document type lives before one is loaded.
type Document interface {
	Collection() string
	DocKey() Key
}

// Driver is the document-store contract. Implementations must be safe for
// concurrent use.
type Driver interface {
	// Insert stores a new document, failing with ErrDuplicateKey when the key
	// already exists.
	Insert(ctx context.Context, coll string, key Key, body []byte) error
	// Get returns the body stored under key or ErrNotFound.
	Get(ctx context.Context, coll string, key Key) ([]byte, error)
	// GetMany returns the bodies found for objectIDs, keyed by object id.
	// Missing ids are absent from the result.
	GetMany(ctx context.Context, coll string, repoID string, objectIDs []string) (map[string][]byte, error)
	// PutMany inserts or replaces a batch of documents.
	PutMany(ctx context.Context, coll string, docs map[Key][]byte) error
	// Update atomically replaces the body under key with fn(body).
	Update(ctx context.Context, coll string, key Key, fn func(body []byte) ([]byte, error)) error
	// Delete removes the document under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, coll string, key Key) error
	Close() error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open returns the driver registered under name.
func Open(ctx context.Context, name, dsn string) (Driver, error) {
	switch name {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("open store: unknown driver %q", name)
	}
}
