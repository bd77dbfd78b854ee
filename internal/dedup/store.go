// Package dedup tracks which feed entries have been processed and which
// destination each category posts to, on top of the record store.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsbot/internal/storage"
)

// SeenRecord is one processed feed entry.
type SeenRecord struct {
	ID             string
	Category       string
	Title          string
	Link           string
	PublishedAtRaw string
	Delivered      bool
	UpdatedAt      time.Time
}

// Store is the persistent memory of processed entries and destination
// mappings. It performs no network I/O.
type Store struct {
	st storage.Store
}

func New(st storage.Store) *Store { return &Store{st: st} }

// HasSeen reports whether a record with id exists, delivered or not.
func (s *Store) HasSeen(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.st.Get(ctx, storage.KindSeenItem, id)
	if err != nil {
		return false, fmt.Errorf("lookup seen %s: %w", id, err)
	}
	return ok, nil
}

// RecordSeen stores r. Recording an id that already exists is a no-op.
func (s *Store) RecordSeen(ctx context.Context, r SeenRecord) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("record seen: empty id")
	}
	err := s.st.Insert(ctx, storage.Record{
		Kind:           storage.KindSeenItem,
		Key:            r.ID,
		ID:             r.ID,
		Category:       r.Category,
		Title:          r.Title,
		Link:           r.Link,
		PublishedAtRaw: r.PublishedAtRaw,
		Delivered:      r.Delivered,
	})
	if errors.Is(err, storage.ErrExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record seen %s: %w", r.ID, err)
	}
	return nil
}

// MarkDelivered flips delivered to true. Unknown ids are ignored.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	rec, ok, err := s.st.Get(ctx, storage.KindSeenItem, id)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	if !ok || rec.Delivered {
		return nil
	}
	rec.Delivered = true
	rec.UpdatedAt = time.Time{}
	if err := s.st.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	return nil
}

// GetDestination returns the destination name configured for category.
func (s *Store) GetDestination(ctx context.Context, category string) (string, bool, error) {
	rec, ok, err := s.st.Get(ctx, storage.KindDestination, category)
	if err != nil {
		return "", false, fmt.Errorf("get destination %s: %w", category, err)
	}
	if !ok || strings.TrimSpace(rec.DestinationName) == "" {
		return "", false, nil
	}
	return rec.DestinationName, true, nil
}

// SetDestination creates or replaces the mapping for category.
func (s *Store) SetDestination(ctx context.Context, category, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("set destination: empty name")
	}
	err := s.st.Upsert(ctx, storage.Record{
		Kind:            storage.KindDestination,
		Key:             category,
		Category:        category,
		DestinationName: name,
	})
	if err != nil {
		return fmt.Errorf("set destination %s: %w", category, err)
	}
	return nil
}

// Seen lists processed entries of category (all categories when empty),
// oldest first. undeliveredOnly narrows it to the entries whose dispatch
// failed; those are never retried.
func (s *Store) Seen(ctx context.Context, category string, undeliveredOnly bool, limit int) ([]SeenRecord, error) {
	return s.list(ctx, storage.Query{Kind: storage.KindSeenItem, Category: category, Limit: limit}, undeliveredOnly)
}

// Recent is Seen newest first: limit keeps the latest entries.
func (s *Store) Recent(ctx context.Context, category string, undeliveredOnly bool, limit int) ([]SeenRecord, error) {
	return s.list(ctx, storage.Query{Kind: storage.KindSeenItem, Category: category, Limit: limit, Newest: true}, undeliveredOnly)
}

func (s *Store) list(ctx context.Context, q storage.Query, undeliveredOnly bool) ([]SeenRecord, error) {
	if undeliveredOnly {
		no := false
		q.Delivered = &no
	}
	recs, err := s.st.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list seen: %w", err)
	}
	out := make([]SeenRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, SeenRecord{
			ID:             r.ID,
			Category:       r.Category,
			Title:          r.Title,
			Link:           r.Link,
			PublishedAtRaw: r.PublishedAtRaw,
			Delivered:      r.Delivered,
			UpdatedAt:      r.UpdatedAt,
		})
	}
	return out, nil
}
