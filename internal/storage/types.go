package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrExists is returned by Insert when (kind, key) is already stored.
	ErrExists = errors.New("record already exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage closed")
	// ErrLocked is returned by Open when another process holds the file store.
	ErrLocked = errors.New("storage locked by another process")
)

type Kind string

const (
	KindDestination Kind = "destination_mapping"
	KindSeenItem    Kind = "seen_item"
)

// Record is one stored document. Key is the category for destination
// mappings and the item id for seen items.
type Record struct {
	Kind     Kind   `json:"kind"`
	Key      string `json:"key"`
	Category string `json:"category"`

	DestinationName string `json:"destination_name,omitempty"`

	ID             string `json:"id,omitempty"`
	Title          string `json:"title,omitempty"`
	Link           string `json:"link,omitempty"`
	PublishedAtRaw string `json:"published_at_raw,omitempty"`
	Delivered      bool   `json:"delivered"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Query filters Search. Zero fields match everything.
type Query struct {
	Kind      Kind
	Category  string
	Delivered *bool
	// Newest reverses the order, so Limit keeps the most recent records.
	Newest bool
	Limit  int
}

func (q Query) match(r Record) bool {
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.Category != "" && r.Category != q.Category {
		return false
	}
	if q.Delivered != nil && r.Delivered != *q.Delivered {
		return false
	}
	return true
}

// Store is the persistence API. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, kind Kind, key string) (Record, bool, error)
	// Insert stores r only if (r.Kind, r.Key) is absent, else ErrExists.
	Insert(ctx context.Context, r Record) error
	// Upsert stores r, replacing any previous record with the same key.
	Upsert(ctx context.Context, r Record) error
	// Search returns matching records ordered by UpdatedAt ascending, or
	// descending when q.Newest is set.
	Search(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot), default
//   - "memory": process-local, nothing survives a restart
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

func recordID(kind Kind, key string) string { return string(kind) + "/" + key }

// searchMap applies q to an in-memory index; shared by the map backends.
func searchMap(m map[string]Record, q Query) []Record {
	out := make([]Record, 0, 16)
	for _, r := range m {
		if q.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if q.Newest {
			a, b = b, a
		}
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.Key < b.Key
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func stamp(r Record, now time.Time) Record {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return r
}

func validate(r Record) error {
	if r.Kind == "" || r.Key == "" {
		return errors.New("record kind and key are required")
	}
	return nil
}
