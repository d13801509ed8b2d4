// Package store defines the contract the resilience layer expects from a
// remote document store: a push-based live subscription and a pull-based
// one-shot fetch. Implementations live elsewhere (see contrib/wsstore); the
// query descriptor is opaque and forwarded to the store unmodified.
package store

import (
	"context"
	"reflect"
	"sort"
)

// Query is an opaque, pre-built query descriptor. The resilience layer never
// inspects it; it is handed to the store client as-is.
type Query any

// Document is a single result within a snapshot.
type Document struct {
	// ID uniquely identifies the document within the result set.
	ID string

	// Data holds the document fields.
	Data map[string]any
}

// Snapshot is the full result set returned by one query execution at one
// point in time.
type Snapshot []Document

// IDs returns the sorted document IDs of the snapshot.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s))
	for i, doc := range s {
		ids[i] = doc.ID
	}
	sort.Strings(ids)
	return ids
}

// Equal reports whether two snapshots hold the same documents with the same
// content. Comparison is cheapest-first: result-set size, then the sorted ID
// sets, then per-document content.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}

	ids, otherIDs := s.IDs(), other.IDs()
	for i := range ids {
		if ids[i] != otherIDs[i] {
			return false
		}
	}

	byID := make(map[string]Document, len(other))
	for _, doc := range other {
		byID[doc.ID] = doc
	}
	for _, doc := range s {
		if !reflect.DeepEqual(doc.Data, byID[doc.ID].Data) {
			return false
		}
	}
	return true
}

// Client is the remote document-store client consumed by the resilience
// layer.
type Client interface {
	// Subscribe registers a live listener for the query. Registration returns
	// immediately; result-set snapshots and errors are delivered
	// asynchronously via onNext and onErr until the returned cancel function
	// is called. A non-nil error means the listener could not be registered
	// at all.
	Subscribe(ctx context.Context, q Query, onNext func(Snapshot), onErr func(error)) (cancel func(), err error)

	// Fetch executes the query once and returns its result set.
	Fetch(ctx context.Context, q Query) (Snapshot, error)
}
