package model

import (
	"errors"
	"time"

	"github.com/thiagokokada/repometa/internal/store"
)

// LastCommit summarizes the commit that last touched an object, for "last
// changed" columns of directory listings.
type LastCommit struct {
	Date      time.Time `json:"date"`
	Author    string    `json:"author"`
	ID        string    `json:"id"`
	Href      string    `json:"href"`
	Shortlink string    `json:"shortlink"`
}

// RepoObject is embedded by every persisted object. (RepoID, ObjectID) is
// unique within a collection.
type RepoObject struct {
	RepoID     string      `json:"repo_id"`
	ObjectID   string      `json:"object_id"`
	LastCommit *LastCommit `json:"last_commit,omitempty"`
}

func (o *RepoObject) DocKey() store.Key {
	return store.Key{RepoID: o.RepoID, ObjectID: o.ObjectID}
}

var errNoAuthoredDate = errors.New("last commit: commit has no authored date")

// SetLastCommit records ci as the commit that last touched o.
func (o *RepoObject) SetLastCommit(ci *CommitNode) error {
	if ci.Authored.Date.IsZero() {
		return errNoAuthoredDate
	}
	o.LastCommit = &LastCommit{
		Date:      ci.Authored.Date,
		Author:    ci.Authored.Name,
		ID:        ci.ObjectID,
		Href:      ci.URL(),
		Shortlink: ci.Shorthand(),
	}
	return nil
}

const BlobCollection = "repo_blob"

// Blob is a content identity. Content itself is read from the backend.
type Blob struct {
	RepoObject
}

func NewBlob(key store.Key) *Blob {
	return &Blob{RepoObject{RepoID: key.RepoID, ObjectID: key.ObjectID}}
}

func (*Blob) Collection() string { return BlobCollection }
