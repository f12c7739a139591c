package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/iwanhae/ssh-warden/types"
)

// Fixed-width so that text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectRecordSQL = `SELECT address, failed_attempts, first_attempt_at, last_attempt_at, banned, banned_at, ban_reason, ban_seq
	FROM address_records`

// SQLiteTable keeps address records in a SQLite database file.
type SQLiteTable struct {
	db *sql.DB
}

// NewSQLiteTable opens (but does not initialise) the database at path.
// Write transactions start with BEGIN IMMEDIATE so that separate processes
// sharing the file are serialized as well.
func NewSQLiteTable(path string) (*SQLiteTable, error) {
	if path == "" {
		return nil, types.WrapStorage("open", errors.New("empty database path"))
	}
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "10000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "FULL")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, types.WrapStorage("open", fmt.Errorf("open sqlite database %s: %w", path, err))
	}
	return &SQLiteTable{db: db}, nil
}

// Init creates the record table when it does not exist yet.
func (t *SQLiteTable) Init(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return types.WrapStorage("ping", err)
	}
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS address_records (
		address TEXT PRIMARY KEY,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		first_attempt_at TEXT NOT NULL,
		last_attempt_at TEXT NOT NULL,
		banned INTEGER NOT NULL DEFAULT 0,
		banned_at TEXT,
		ban_reason TEXT NOT NULL DEFAULT '',
		ban_seq INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := t.db.ExecContext(ctx, createTableSQL); err != nil {
		return types.WrapStorage("create table", err)
	}
	if err := t.migrate(ctx); err != nil {
		return err
	}
	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_address_records_ban_order ON address_records(banned, banned_at, ban_seq);`
	if _, err := t.db.ExecContext(ctx, createIndexSQL); err != nil {
		return types.WrapStorage("create index", err)
	}
	log.Debug("sqlite address table ready")
	return nil
}

func (t *SQLiteTable) Get(ctx context.Context, address string) (*types.AddressRecord, error) {
	rec, err := scanRecord(t.db.QueryRowContext(ctx, selectRecordSQL+` WHERE address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapStorage("get", err)
	}
	return rec, nil
}

func (t *SQLiteTable) Update(ctx context.Context, address string, fn types.UpdateFunc) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapStorage("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecordSQL+` WHERE address = ?`, address))
	found := err == nil
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = &types.AddressRecord{Address: address}
	case err != nil:
		return types.WrapStorage("select", err)
	}
	wasBanned := rec.Banned

	write, err := fn(rec, found)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}

	switch {
	case !rec.Banned:
		rec.BanSeq = 0
	case !wasBanned:
		// The write lock is already held, so MAX+1 is unique.
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ban_seq), 0) + 1 FROM address_records`).Scan(&rec.BanSeq); err != nil {
			return types.WrapStorage("next ban sequence", err)
		}
	}

	upsertSQL := `INSERT INTO address_records
		(address, failed_attempts, first_attempt_at, last_attempt_at, banned, banned_at, ban_reason, ban_seq)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			first_attempt_at = excluded.first_attempt_at,
			last_attempt_at = excluded.last_attempt_at,
			banned = excluded.banned,
			banned_at = excluded.banned_at,
			ban_reason = excluded.ban_reason,
			ban_seq = excluded.ban_seq`
	var bannedAt sql.NullString
	if rec.BannedAt != nil {
		bannedAt = sql.NullString{String: formatTime(*rec.BannedAt), Valid: true}
	}
	_, err = tx.ExecContext(ctx, upsertSQL,
		address,
		rec.FailedAttempts,
		formatTime(rec.FirstAttemptAt),
		formatTime(rec.LastAttemptAt),
		rec.Banned,
		bannedAt,
		rec.BanReason,
		rec.BanSeq,
	)
	if err != nil {
		return types.WrapStorage("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return types.WrapStorage("commit", err)
	}
	return nil
}

func (t *SQLiteTable) ListBanned(ctx context.Context) ([]types.AddressRecord, error) {
	return t.queryBanned(ctx, -1)
}

func (t *SQLiteTable) Stats(ctx context.Context, recentLimit int) (types.Stats, error) {
	var st types.Stats
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM address_records`).Scan(&st.TrackedCount); err != nil {
		return types.Stats{}, types.WrapStorage("count tracked", err)
	}
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM address_records WHERE banned = 1`).Scan(&st.BannedCount); err != nil {
		return types.Stats{}, types.WrapStorage("count banned", err)
	}
	recent, err := t.queryBanned(ctx, recentLimit)
	if err != nil {
		return types.Stats{}, err
	}
	st.RecentBans = make([]types.BannedEntry, 0, len(recent))
	for _, rec := range recent {
		st.RecentBans = append(st.RecentBans, bannedEntry(rec))
	}
	return st, nil
}

// queryBanned returns banned records newest first; a negative limit means no limit.
func (t *SQLiteTable) queryBanned(ctx context.Context, limit int) ([]types.AddressRecord, error) {
	query := selectRecordSQL + ` WHERE banned = 1 ORDER BY banned_at DESC, ban_seq DESC LIMIT ?`
	rows, err := t.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, types.WrapStorage("list banned", err)
	}
	defer rows.Close()

	var recs []types.AddressRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, types.WrapStorage("scan banned", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapStorage("iterate banned", err)
	}
	return recs, nil
}

// migrate adds columns missing from databases created by older versions.
func (t *SQLiteTable) migrate(ctx context.Context) error {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('address_records') WHERE name = 'ban_seq'`).Scan(&n)
	if err != nil {
		return types.WrapStorage("inspect schema", err)
	}
	if n > 0 {
		return nil
	}
	log.Info("adding ban_seq column to address table")
	if _, err := t.db.ExecContext(ctx, `ALTER TABLE address_records ADD COLUMN ban_seq INTEGER NOT NULL DEFAULT 0`); err != nil {
		return types.WrapStorage("add ban_seq column", err)
	}
	// Existing bans get sequence numbers in their previous (rowid) order.
	if _, err := t.db.ExecContext(ctx, `UPDATE address_records SET ban_seq = rowid WHERE banned = 1`); err != nil {
		return types.WrapStorage("backfill ban_seq", err)
	}
	return nil
}

// Close closes the database connection.
func (t *SQLiteTable) Close() error {
	return t.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.AddressRecord, error) {
	var rec types.AddressRecord
	var first, last string
	var bannedAt sql.NullString
	if err := row.Scan(&rec.Address, &rec.FailedAttempts, &first, &last, &rec.Banned, &bannedAt, &rec.BanReason, &rec.BanSeq); err != nil {
		return nil, err
	}
	rec.FirstAttemptAt = parseTime(first)
	rec.LastAttemptAt = parseTime(last)
	if bannedAt.Valid {
		at := parseTime(bannedAt.String)
		rec.BannedAt = &at
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the stored layout, plain RFC3339 and the SQLite
// datetime() format; anything else yields the zero time.
func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed
		}
	}
	log.Warn("unparseable timestamp in address table", "value", s)
	return time.Time{}
}

func bannedEntry(rec types.AddressRecord) types.BannedEntry {
	e := types.BannedEntry{Address: rec.Address, FailedAttempts: rec.FailedAttempts}
	if rec.BannedAt != nil {
		e.BannedAt = *rec.BannedAt
	}
	return e
}
