// Package store is the document store contract used by the sync core,
// with an in-memory implementation and a MongoDB implementation.
//
// Documents are plain maps. Every document carries its id under IDField.
// Updates address fields by dotted path ("chats.<id>.is_seen") so writers
// touching different sub-entries of one document never overwrite each
// other.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
)

const IDField = "_id"

// Document is a schemaless record.
type Document map[string]any

// ID returns the document id or "".
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

type removeMarker struct{}

// Remove, used as a value in an Update, deletes the addressed field.
var Remove any = removeMarker{}

// Update maps dotted field paths to new values.
type Update map[string]any

// Query selects documents of one collection. An empty Field matches every
// document. OrderBy sorts the result, ascending unless Desc.
type Query struct {
	Collection string
	Field      string
	Value      any
	OrderBy    string
	Desc       bool
}

// Snapshot is the full current result of a watched document or query.
// A watched document that does not exist yields no Docs and no Err.
type Snapshot struct {
	Docs []Document
	Err  error
}

// Subscription is a live feed of snapshots. Only the newest undelivered
// snapshot is retained. Close is idempotent and closes the channel.
type Subscription interface {
	Updates() <-chan Snapshot
	Close()
}

// Store is the document store collaborator.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Put(ctx context.Context, collection, id string, doc Document) error
	// Create inserts doc unless a document with id exists already. It
	// reports whether this call created it.
	Create(ctx context.Context, collection, id string, doc Document) (bool, error)
	// Update applies targeted field writes. It fails with
	// apperr.ErrNotFound when the document does not exist.
	Update(ctx context.Context, collection, id string, u Update) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	DeleteWhere(ctx context.Context, q Query) (int, error)
	WatchDoc(ctx context.Context, collection, id string) (Subscription, error)
	WatchQuery(ctx context.Context, q Query) (Subscription, error)
}

// Path joins field path segments.
func Path(segments ...string) string {
	return strings.Join(segments, ".")
}

// ValidateUpdate rejects paths the backends cannot address.
func ValidateUpdate(u Update) error {
	if len(u) == 0 {
		return fmt.Errorf("%w: empty update", apperr.ErrInvalidArgument)
	}
	for p := range u {
		if p == "" || p == IDField || strings.HasPrefix(p, IDField+".") {
			return fmt.Errorf("%w: bad field path %q", apperr.ErrInvalidArgument, p)
		}
		for _, seg := range strings.Split(p, ".") {
			if seg == "" || strings.HasPrefix(seg, "$") {
				return fmt.Errorf("%w: bad field path %q", apperr.ErrInvalidArgument, p)
			}
		}
	}
	return nil
}

// ValidKey reports whether s can be used as one path segment.
func ValidKey(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".$")
}

func notFound(collection, id string) error {
	return fmt.Errorf("%s/%s: %w", collection, id, apperr.ErrNotFound)
}
