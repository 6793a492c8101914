package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log15adapter "github.com/jackc/pgx-log15"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/jmoiron/sqlx"
	log "gopkg.in/inconshreveable/log15.v2"
	_ "modernc.org/sqlite"

	"github.com/corkboard/corkboard/internal/feed"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		link TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		last_build_date DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		identity TEXT PRIMARY KEY,
		channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		link TEXT,
		published_at DATETIME,
		read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS quickmarks (
		position INTEGER PRIMARY KEY,
		identity TEXT NOT NULL UNIQUE REFERENCES entries(identity) ON DELETE CASCADE
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		title TEXT NOT NULL,
		link TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		last_build_date TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		identity TEXT PRIMARY KEY,
		channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		link TEXT,
		published_at TIMESTAMPTZ,
		read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS quickmarks (
		position BIGINT PRIMARY KEY,
		identity TEXT NOT NULL UNIQUE REFERENCES entries(identity) ON DELETE CASCADE
	)`,
}

// SQLStore implements Repository over database/sql through sqlx. The
// same statements serve both backends: sqlx.Rebind translates the `?`
// placeholders for PostgreSQL, and the DDL is the only per-dialect part.
type SQLStore struct {
	db     *sqlx.DB
	logger log.Logger
}

// OpenSQLite opens (or creates) the database file at path. ":memory:"
// gives a throwaway in-memory store, which the tests use.
func OpenSQLite(ctx context.Context, path string, logger log.Logger) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids busy
	// errors and keeps the per-connection pragmas effective.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	store := &SQLStore{db: db, logger: logger}
	if err := store.migrate(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenPostgres connects with pgx through its database/sql adapter,
// tracing queries to the given logger.
func OpenPostgres(ctx context.Context, connString string, logger log.Logger) (*SQLStore, error) {
	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	connConfig.Tracer = &tracelog.TraceLog{
		Logger:   log15adapter.NewLogger(logger.New("module", "pgx")),
		LogLevel: tracelog.LogLevelInfo,
	}

	db := sqlx.NewDb(stdlib.OpenDB(*connConfig), "pgx")
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	store := &SQLStore{db: db, logger: logger}
	if err := store.migrate(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate(ctx context.Context, schema []string) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type channelRow struct {
	ID            int64        `db:"id"`
	Title         string       `db:"title"`
	Link          string       `db:"link"`
	Description   string       `db:"description"`
	LastBuildDate sql.NullTime `db:"last_build_date"`
}

type entryRow struct {
	Identity    string         `db:"identity"`
	ChannelID   int64          `db:"channel_id"`
	Title       string         `db:"title"`
	Link        sql.NullString `db:"link"`
	PublishedAt sql.NullTime   `db:"published_at"`
	Read        bool           `db:"read"`
}

func (r channelRow) toChannel() *feed.Channel {
	channel := &feed.Channel{
		Title:       r.Title,
		Link:        r.Link,
		Description: r.Description,
	}
	if r.LastBuildDate.Valid {
		t := r.LastBuildDate.Time.UTC()
		channel.LastBuildDate = &t
	}
	return channel
}

func (r entryRow) toEntry() feed.Entry {
	entry := feed.Entry{
		Identity: r.Identity,
		Title:    r.Title,
		Link:     r.Link.String,
		Read:     r.Read,
	}
	if r.PublishedAt.Valid {
		t := r.PublishedAt.Time.UTC()
		entry.PublishedAt = &t
	}
	return entry
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *SQLStore) CreateChannel(ctx context.Context, channel *feed.Channel) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.GetContext(ctx, &id,
		tx.Rebind(`INSERT INTO channels (title, link, description, last_build_date)
			VALUES (?, ?, ?, ?) RETURNING id`),
		channel.Title, channel.Link, channel.Description, nullTime(channel.LastBuildDate))
	if err != nil {
		return fmt.Errorf("create channel %s: %w", channel.Link, err)
	}

	if err := insertEntries(ctx, tx, id, channel.Entries); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEntries(ctx context.Context, tx *sqlx.Tx, channelID int64, entries []feed.Entry) error {
	stmt := tx.Rebind(`INSERT INTO entries (identity, channel_id, title, link, published_at, read)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO NOTHING`)
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, stmt,
			e.Identity, channelID, e.Title, nullString(e.Link), nullTime(e.PublishedAt), e.Read); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.Identity, err)
		}
	}
	return nil
}

func (s *SQLStore) channelID(ctx context.Context, q sqlx.QueryerContext, link string) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, s.db.Rebind(`SELECT id FROM channels WHERE link = ?`), link)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("channel %s: %w", link, ErrNotFound)
	}
	return id, err
}

func (s *SQLStore) GetChannelByLink(ctx context.Context, link string) (*feed.Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, title, link, description, last_build_date FROM channels WHERE link = ?`), link)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", link, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	channel := row.toChannel()
	if channel.Entries, err = s.channelEntries(ctx, row.ID); err != nil {
		return nil, err
	}
	return channel, nil
}

func (s *SQLStore) channelEntries(ctx context.Context, channelID int64) ([]feed.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT identity, channel_id, title, link, published_at, read
			FROM entries WHERE channel_id = ? ORDER BY identity`), channelID)
	if err != nil {
		return nil, err
	}
	entries := make([]feed.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

func (s *SQLStore) AllChannels(ctx context.Context) ([]*feed.Channel, error) {
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, title, link, description, last_build_date FROM channels ORDER BY link`)
	if err != nil {
		return nil, err
	}

	channels := make([]*feed.Channel, len(rows))
	for i, row := range rows {
		channel := row.toChannel()
		if channel.Entries, err = s.channelEntries(ctx, row.ID); err != nil {
			return nil, err
		}
		channels[i] = channel
	}
	return channels, nil
}

func (s *SQLStore) StoreEntries(ctx context.Context, channelLink string, entries []feed.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id, err := s.channelID(ctx, tx, channelLink)
	if err != nil {
		return err
	}
	if err := insertEntries(ctx, tx, id, entries); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SetChannelBuildDate(ctx context.Context, link string, buildDate *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE channels SET last_build_date = ? WHERE link = ?`),
		nullTime(buildDate), link)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("channel %s: %w", link, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) UnreadEntries(ctx context.Context) ([]feed.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT identity, channel_id, title, link, published_at, read
		FROM entries WHERE NOT read
		ORDER BY (published_at IS NULL), published_at, identity`)
	if err != nil {
		return nil, err
	}
	entries := make([]feed.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

func (s *SQLStore) SetRead(ctx context.Context, identity string, read bool) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE entries SET read = ? WHERE identity = ?`), read, identity)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	switch {
	case n == 0:
		return fmt.Errorf("entry %s: %w", identity, ErrNotFound)
	case n > 1:
		// identity is the primary key; more than one row means the store
		// is corrupt.
		return &ConsistencyError{Op: "set read", Identity: identity, Rows: n}
	}
	return nil
}

func (s *SQLStore) DeleteChannel(ctx context.Context, link string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id, err := s.channelID(ctx, tx, link)
	if err != nil {
		return err
	}

	// Explicit cascade; not all deployments have foreign key enforcement
	// switched on.
	stmts := []string{
		`DELETE FROM quickmarks WHERE identity IN (SELECT identity FROM entries WHERE channel_id = ?)`,
		`DELETE FROM entries WHERE channel_id = ?`,
		`DELETE FROM channels WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ResetQuickmarks(ctx context.Context, entries []feed.Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM quickmarks`); err != nil {
		return err
	}
	stmt := tx.Rebind(`INSERT INTO quickmarks (position, identity) VALUES (?, ?)`)
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, stmt, i+1, e.Identity); err != nil {
			return fmt.Errorf("quickmark %d -> %s: %w", i+1, e.Identity, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) AppendQuickmarks(ctx context.Context, entries []feed.Entry) ([]int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var max int
	if err := tx.GetContext(ctx, &max, `SELECT COALESCE(MAX(position), 0) FROM quickmarks`); err != nil {
		return nil, err
	}

	stmt := tx.Rebind(`INSERT INTO quickmarks (position, identity) VALUES (?, ?)
		ON CONFLICT (identity) DO NOTHING`)
	positions := make([]int, len(entries))
	next := max + 1
	for i, e := range entries {
		res, err := tx.ExecContext(ctx, stmt, next, e.Identity)
		if err != nil {
			return nil, fmt.Errorf("quickmark %d -> %s: %w", next, e.Identity, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			positions[i] = next
			next++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *SQLStore) DeleteQuickmark(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM quickmarks WHERE identity = ?`), identity)
	return err
}

func (s *SQLStore) DeleteQuickmarksForChannel(ctx context.Context, link string) error {
	id, err := s.channelID(ctx, s.db, link)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM quickmarks WHERE identity IN (SELECT identity FROM entries WHERE channel_id = ?)`), id)
	return err
}

func (s *SQLStore) QuickmarkByPosition(ctx context.Context, position int) (string, error) {
	var identity string
	err := s.db.GetContext(ctx, &identity,
		s.db.Rebind(`SELECT identity FROM quickmarks WHERE position = ?`), position)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("quickmark %d: %w", position, ErrNotFound)
	}
	return identity, err
}

func (s *SQLStore) Quickmarks(ctx context.Context) ([]Quickmark, error) {
	var marks []Quickmark
	err := s.db.SelectContext(ctx, &marks,
		`SELECT position, identity FROM quickmarks ORDER BY position`)
	return marks, err
}
