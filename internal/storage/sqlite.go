package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"smmpulse/internal/content"
	logx "smmpulse/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is the Repository implementation.
type SQLite struct {
	db   *sql.DB
	log  logx.Logger
	path string
}

var _ Repository = (*SQLite)(nil)

func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which makes every upsert transaction atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &SQLite{db: db, log: log, path: path}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---- content items ----

const itemColumns = `kind, external_id, media_type, posted_at, expires_at, likes, comments, views, saves,
	engagement_rate, caption, tags, thumbnail_url, media_url, duration_sec, created_at, updated_at`

func (s *SQLite) UpsertContentItem(ctx context.Context, it content.Item) (bool, content.Item, error) {
	if strings.TrimSpace(it.ExternalID) == "" || it.Kind == "" {
		return false, content.Item{}, errors.New("storage: item kind and external id are required")
	}
	// UpdatedAt, when set, is the caller's clock; it stamps both columns of a new row.
	now := it.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	tags, err := json.Marshal(it.Tags)
	if err != nil {
		return false, content.Item{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, content.Item{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO content_items(`+itemColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(kind, external_id) DO NOTHING`,
		string(it.Kind), it.ExternalID, it.MediaType, it.PostedAt.UnixMilli(), nullTime(it.ExpiresAt),
		it.Likes, it.Comments, it.Views, it.Saves, it.EngagementRate,
		nullStr(it.Caption), string(tags), nullStr(it.ThumbnailURL), nullStr(it.MediaURL), it.DurationSec,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, content.Item{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, content.Item{}, err
	}
	created := n == 1
	if !created {
		// Only metrics move; identity and posting time stay as first stored.
		if _, err := tx.ExecContext(ctx,
			`UPDATE content_items
			 SET likes = ?, comments = ?, views = ?, saves = ?, engagement_rate = ?, updated_at = ?
			 WHERE kind = ? AND external_id = ?`,
			it.Likes, it.Comments, it.Views, it.Saves, it.EngagementRate, now.UnixMilli(),
			string(it.Kind), it.ExternalID,
		); err != nil {
			return false, content.Item{}, err
		}
	}
	row, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE kind = ? AND external_id = ?`,
		string(it.Kind), it.ExternalID))
	if err != nil {
		return false, content.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, content.Item{}, err
	}
	return created, row, nil
}

func (s *SQLite) GetByExternalID(ctx context.Context, kind content.Kind, externalID string) (content.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE kind = ? AND external_id = ?`,
		string(kind), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return content.Item{}, ErrNotFound
	}
	return it, err
}

func (s *SQLite) ListPostedBetween(ctx context.Context, start, end time.Time) ([]content.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE posted_at >= ? AND posted_at < ?
		 ORDER BY posted_at, kind, external_id`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []content.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (content.Item, error) {
	var (
		it                          content.Item
		kind                        string
		postedAt, createdAt, updAt  int64
		expiresAt                   sql.NullInt64
		caption, tags, thumb, media sql.NullString
	)
	if err := sc.Scan(&kind, &it.ExternalID, &it.MediaType, &postedAt, &expiresAt,
		&it.Likes, &it.Comments, &it.Views, &it.Saves, &it.EngagementRate,
		&caption, &tags, &thumb, &media, &it.DurationSec, &createdAt, &updAt); err != nil {
		return content.Item{}, err
	}
	it.Kind = content.Kind(kind)
	it.PostedAt = time.UnixMilli(postedAt)
	if expiresAt.Valid {
		it.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	it.CreatedAt = time.UnixMilli(createdAt)
	it.UpdatedAt = time.UnixMilli(updAt)
	it.Caption = caption.String
	it.ThumbnailURL = thumb.String
	it.MediaURL = media.String
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &it.Tags); err != nil {
			return content.Item{}, fmt.Errorf("storage: decode tags of %s: %w", it.ExternalID, err)
		}
	}
	return it, nil
}

// ---- keyed blobs ----

func (s *SQLite) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.QueryRowContext(ctx, `SELECT val FROM blobs WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *SQLite) PutBlob(ctx context.Context, key string, val []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs(key, val, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET val = excluded.val, updated_at = excluded.updated_at`,
		key, val, time.Now().UnixMilli())
	return err
}

func (s *SQLite) DeleteBlob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	return err
}

// ---- audit ----

func (s *SQLite) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor, action, target, ok, err) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK, nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
