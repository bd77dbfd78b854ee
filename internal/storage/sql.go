package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlbuilder "github.com/huandu/go-sqlbuilder"

	logx "newsbot/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

var recordColumns = []string{
	"kind", "key", "category", "destination_name",
	"item_id", "title", "link", "published_at_raw", "delivered", "updated_at",
}

// sqlStore is the database/sql backend shared by sqlite and postgres; the
// dialect differences live in the sqlbuilder flavor and the migration set.
type sqlStore struct {
	db     *sql.DB
	flavor sqlbuilder.Flavor
	log    logx.Logger
}

// runMigrations applies the embedded migration set named dialect against
// databaseURL (golang-migrate URL form, e.g. "sqlite://path").
func runMigrations(dialect, databaseURL string, log logx.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	if v, dirty, err := m.Version(); err == nil {
		log.Debug("schema ready", logx.Int("version", int(v)), logx.Bool("dirty", dirty))
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, kind Kind, key string) (Record, bool, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(recordColumns...).From("records")
	sb.Where(sb.Equal("kind", string(kind)), sb.Equal("key", key))
	q, args := sb.Build()

	r, err := scanRecord(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *sqlStore) Insert(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	ib := s.insertBuilder(stamp(r, time.Now()))
	ib.SQL("ON CONFLICT (kind, key) DO NOTHING")
	q, args := ib.Build()

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqlStore) Upsert(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	ib := s.insertBuilder(stamp(r, time.Now()))
	ib.SQL(`ON CONFLICT (kind, key) DO UPDATE SET
		category = excluded.category,
		destination_name = excluded.destination_name,
		item_id = excluded.item_id,
		title = excluded.title,
		link = excluded.link,
		published_at_raw = excluded.published_at_raw,
		delivered = excluded.delivered,
		updated_at = excluded.updated_at`)
	q, args := ib.Build()
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *sqlStore) Search(ctx context.Context, q Query) ([]Record, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(recordColumns...).From("records")
	if q.Kind != "" {
		sb.Where(sb.Equal("kind", string(q.Kind)))
	}
	if q.Category != "" {
		sb.Where(sb.Equal("category", q.Category))
	}
	if q.Delivered != nil {
		sb.Where(sb.Equal("delivered", *q.Delivered))
	}
	// The builder appends ASC/DESC to the last column only.
	if q.Newest {
		sb.OrderBy("updated_at DESC", "key DESC")
	} else {
		sb.OrderBy("updated_at ASC", "key ASC")
	}
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) insertBuilder(r Record) *sqlbuilder.InsertBuilder {
	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("records").Cols(recordColumns...)
	ib.Values(
		string(r.Kind), r.Key, r.Category, r.DestinationName,
		r.ID, r.Title, r.Link, r.PublishedAtRaw, r.Delivered, r.UpdatedAt.UnixMilli(),
	)
	return ib
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r       Record
		kind    string
		updated int64
	)
	err := row.Scan(&kind, &r.Key, &r.Category, &r.DestinationName,
		&r.ID, &r.Title, &r.Link, &r.PublishedAtRaw, &r.Delivered, &updated)
	if err != nil {
		return Record{}, err
	}
	r.Kind = Kind(kind)
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}
