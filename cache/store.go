// Package cache is the local item store backing the cache-first and
// cache-only query policies. Payloads are stored zstd-compressed; the
// indexable fields (author, kind, timestamp, tags) are columns.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"strom/models"
)

const defaultReadLimit = 100

type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (and creates if needed) the store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA temp_store = MEMORY;
	`); err != nil {
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	return s.db.Close()
}

// PutItems upserts a batch of items in one transaction. Existing ids are
// left untouched; item ids are stable across redelivery.
func (s *Store) PutItems(ctx context.Context, items []models.ContentItem) error {
	if len(items) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin error: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		var payload []byte
		if len(it.Payload) > 0 {
			payload = s.enc.EncodeAll(it.Payload, nil)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO items (id, author, kind, created_at, indexed_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			it.ID, it.Author, it.Kind, int64(it.CreatedAt), time.Now().Unix(), payload,
		)
		if err != nil {
			return fmt.Errorf("insert error: %w", err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		for _, tag := range it.Tags {
			if len(tag) < 2 || tag[0] == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO item_tags (item_id, name, value) VALUES (?, ?, ?)",
				it.ID, tag[0], tag[1],
			); err != nil {
				return fmt.Errorf("tag insert error: %w", err)
			}
		}
	}

	return tx.Commit()
}

// applyFilter adds the filter's conditions to a select over items. Shared by
// item reads and the resume-cursor lookup. Each tag name joins item_tags
// under its own alias so multi-tag filters stay valid SQL.
func applyFilter(sb *sqlbuilder.SelectBuilder, f models.Filter) {
	if len(f.Authors) > 0 {
		sb.Where(sb.In("items.author", lo.ToAnySlice(f.Authors)...))
	}
	if len(f.Kinds) > 0 {
		sb.Where(sb.In("items.kind", lo.ToAnySlice(f.Kinds)...))
	}
	if f.Since != nil {
		sb.Where(sb.GreaterEqualThan("items.created_at", int64(*f.Since)))
	}
	if f.Until != nil {
		sb.Where(sb.LessEqualThan("items.created_at", int64(*f.Until)))
	}
	joined := 0
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		alias := fmt.Sprintf("tags%d", joined)
		joined++
		sb.Join("item_tags AS "+alias, "items.id = "+alias+".item_id")
		sb.Where(sb.Equal(alias+".name", name))
		sb.Where(sb.In(alias+".value", lo.ToAnySlice(values)...))
	}
}

// GetItems serves a bounded filter query from the cache, newest first.
func (s *Store) GetItems(ctx context.Context, f models.Filter) ([]models.ContentItem, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("DISTINCT items.id", "items.author", "items.kind", "items.created_at", "items.payload")
	sb.From("items")
	applyFilter(sb, f)
	sb.OrderBy("items.created_at DESC", "items.id ASC")
	limit := f.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	sb.Limit(limit)

	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var items []models.ContentItem
	for rows.Next() {
		var it models.ContentItem
		var createdAt int64
		var payload []byte
		if err := rows.Scan(&it.ID, &it.Author, &it.Kind, &createdAt, &payload); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		it.CreatedAt = models.Timestamp(createdAt)
		if len(payload) > 0 {
			raw, err := s.dec.DecodeAll(payload, nil)
			if err != nil {
				log.WithFields(log.Fields{
					"id":    it.ID,
					"error": err,
				}).Warn("Failed to decompress cached payload, skipping item")
				continue
			}
			it.Payload = raw
		}
		items = append(items, it)
	}

	return items, rows.Err()
}

// LatestTimestamp returns the newest cached creation time among items
// matching the filter, or zero when none match. Used to resume live
// subscriptions near the filter's own cached edge; the global newest row
// would overshoot for scoped queries and skip stored events in the gap.
func (s *Store) LatestTimestamp(ctx context.Context, f models.Filter) (models.Timestamp, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("items.created_at")
	sb.From("items")
	applyFilter(sb, f)
	sb.OrderBy("items.created_at DESC")
	sb.Limit(1)

	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)
	var ts int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	return models.Timestamp(ts), nil
}
