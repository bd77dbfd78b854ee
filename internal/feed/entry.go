// Package feed fetches and interprets syndication feeds: entry identity,
// tolerant publication timestamps and the freshness window.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category names one polled feed.
type Category string

const (
	Filings Category = "filings"
	Press   Category = "press"
)

// DefaultFreshnessWindow is how far back an entry may be published and
// still be forwarded.
const DefaultFreshnessWindow = 30 * 24 * time.Hour

var ErrUnknownCategory = errors.New("unknown category")

// Categories lists every category in a stable order.
func Categories() []Category { return []Category{Filings, Press} }

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Filings, Press:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q (want filings or press)", ErrUnknownCategory, s)
}

// Title renders the category for user-facing text ("Filings").
func (c Category) Title() string {
	if c == "" {
		return ""
	}
	return strings.ToUpper(string(c[:1])) + string(c[1:])
}

// Entry is one item of a fetched feed.
type Entry struct {
	Title        string
	Link         string
	PublishedRaw string
	// PublishedAt is zero when PublishedRaw could not be parsed.
	PublishedAt time.Time
}

// Source fetches the entries of a feed, in feed order.
type Source interface {
	Fetch(ctx context.Context, url string) ([]Entry, error)
}

// Identify derives the stable id of an entry from its link: a name-based
// UUID (version 5) in the URL namespace. Title and timestamp do not take
// part, so an edited entry keeps its id.
func Identify(link string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(link)).String()
}

// Cutoff is the oldest publication time still considered fresh.
func Cutoff(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return now.Add(-window)
}

// IsFresh reports PublishedAt >= cutoff. Entries without a parsed timestamp
// are never fresh.
func (e Entry) IsFresh(cutoff time.Time) bool {
	if e.PublishedAt.IsZero() {
		return false
	}
	return !e.PublishedAt.Before(cutoff)
}

// SortChronological orders entries oldest first; ties keep feed order.
func SortChronological(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].PublishedAt.Before(entries[j].PublishedAt)
	})
}
