// Package docstore defines the document-store contract the sync core
// consumes: documents grouped in collections, merge writes, filtered
// queries and live subscriptions whose snapshots flag unconfirmed local
// writes.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable means the authoritative store could not be reached. A
	// write that fails this way may still be held in the local cache.
	ErrUnavailable = errors.New("document store unavailable")
)

type Document struct {
	ID     string         `json:"id"`
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
	// HasPendingWrites is set while the local cache holds a write the
	// authoritative store has not acknowledged.
	HasPendingWrites bool `json:"hasPendingWrites,omitempty"`
	FromCache        bool `json:"fromCache,omitempty"`
}

// String returns a field as a string, or "" when absent or not a string.
func (d Document) String(field string) string {
	if v, ok := d.Fields[field].(string); ok {
		return v
	}
	return ""
}

func (d Document) Bool(field string) bool {
	v, _ := d.Fields[field].(bool)
	return v
}

type Snapshot struct {
	Docs             []Document `json:"documents"`
	HasPendingWrites bool       `json:"hasPendingWrites,omitempty"`
	FromCache        bool       `json:"fromCache,omitempty"`
}

type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
)

type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Query selects documents of one collection. A non-empty DocID narrows it
// to that single document.
type Query struct {
	Collection string   `json:"collection"`
	DocID      string   `json:"docId,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
}

func Collection(name string) Query {
	return Query{Collection: name}
}

func Doc(collection, id string) Query {
	return Query{Collection: collection, DocID: id}
}

func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.Collection) == "" || strings.Contains(q.Collection, "/") {
		return fmt.Errorf("%w: collection %q", ErrInvalidInput, q.Collection)
	}
	if strings.Contains(q.DocID, "/") {
		return fmt.Errorf("%w: document id %q", ErrInvalidInput, q.DocID)
	}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		default:
			return fmt.Errorf("%w: filter operator %q", ErrInvalidInput, f.Op)
		}
		if strings.TrimSpace(f.Field) == "" {
			return fmt.Errorf("%w: filter field is empty", ErrInvalidInput)
		}
	}
	return nil
}

// Matches reports whether a document at collection/id with the given fields
// satisfies the query.
func (q Query) Matches(collection, id string, fields map[string]any) bool {
	if collection != q.Collection {
		return false
	}
	if q.DocID != "" && q.DocID != id {
		return false
	}
	for _, f := range q.Filters {
		value, ok := fields[f.Field]
		if !ok {
			return false
		}
		if !f.matches(value) {
			return false
		}
	}
	return true
}

func (f Filter) matches(value any) bool {
	want := normalizeValue(f.Value)
	switch f.Op {
	case OpEqual:
		return Equal(value, want)
	case OpNotEqual:
		return !Equal(value, want)
	}
	cmp, ok := Compare(value, want)
	if !ok {
		return false
	}
	switch f.Op {
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

type SubscribeOptions struct {
	// IncludeMetadataChanges delivers snapshots whose only difference is a
	// change in pending-write or cache state, such as the server
	// acknowledging a local write.
	IncludeMetadataChanges bool
}

type Observer struct {
	Next  func(Snapshot)
	Error func(error)
}

type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	// Set writes a document. With merge, only the given top-level fields
	// are replaced.
	Set(ctx context.Context, path string, fields map[string]any, merge bool) error
	// Update merges fields into an existing document and fails with
	// ErrNotFound when it does not exist.
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// Add creates a document with a generated id in the collection.
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	// Subscribe delivers a snapshot of the query immediately and after
	// every change. After Error is called no further snapshots arrive.
	Subscribe(q Query, opts SubscribeOptions, obs Observer) (cancel func())
}

func Path(collection, id string) string {
	return collection + "/" + id
}

// SplitPath splits "collection/id".
func SplitPath(path string) (collection, id string, err error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(path), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: document path %q", ErrInvalidInput, path)
	}
	return parts[0], parts[1], nil
}

// NormalizeFields returns a deep copy of fields holding only JSON values
// (string, float64, bool, nil, []any, map[string]any).
func NormalizeFields(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func Equal(a, b any) bool {
	if cmp, ok := Compare(a, b); ok {
		return cmp == 0
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(da) == string(db)
}

// Compare orders two scalar values of the same kind. Strings compare
// lexically, which orders RFC 3339 timestamps chronologically.
func Compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
}
