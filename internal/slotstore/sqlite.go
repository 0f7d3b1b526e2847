package slotstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/casekeep/internal/slotcodec"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS save_slots (
	case_id    TEXT NOT NULL,
	player_id  TEXT NOT NULL,
	slot_id    TEXT NOT NULL,
	header     BLOB NOT NULL,
	body       BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (case_id, player_id, slot_id)
);
`

// SQLiteBackend keeps slots as rows of a single SQLite table, header and
// body in separate columns so listing never reads bodies.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens (or creates) the database at path in WAL mode and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("slotstore: create database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("slotstore: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("slotstore: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("slotstore: migrate sqlite: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Read(ctx context.Context, key Key) (slotcodec.Record, error) {
	var rec slotcodec.Record
	err := b.db.QueryRowContext(ctx,
		`SELECT header, body FROM save_slots WHERE case_id = ? AND player_id = ? AND slot_id = ?`,
		key.CaseID, key.PlayerID, key.SlotID,
	).Scan(&rec.Header, &rec.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return slotcodec.Record{}, ErrNotFound
	}
	if err != nil {
		return slotcodec.Record{}, err
	}
	return rec, nil
}

func (b *SQLiteBackend) ReadHeader(ctx context.Context, key Key) ([]byte, error) {
	var header []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT header FROM save_slots WHERE case_id = ? AND player_id = ? AND slot_id = ?`,
		key.CaseID, key.PlayerID, key.SlotID,
	).Scan(&header)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return header, err
}

// Write upserts the row and reads it back inside one transaction. A
// mismatch rolls the transaction back, leaving the previous row in place.
func (b *SQLiteBackend) Write(ctx context.Context, key Key, rec slotcodec.Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO save_slots (case_id, player_id, slot_id, header, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_id, player_id, slot_id) DO UPDATE SET
			header = excluded.header,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		key.CaseID, key.PlayerID, key.SlotID, rec.Header, rec.Body,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	var header, body []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT header, body FROM save_slots WHERE case_id = ? AND player_id = ? AND slot_id = ?`,
		key.CaseID, key.PlayerID, key.SlotID,
	).Scan(&header, &body); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !bytes.Equal(header, rec.Header) || !bytes.Equal(body, rec.Body) {
		return errors.New("verify: stored record differs from written record")
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Delete(ctx context.Context, key Key) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM save_slots WHERE case_id = ? AND player_id = ? AND slot_id = ?`,
		key.CaseID, key.PlayerID, key.SlotID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *SQLiteBackend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *SQLiteBackend) Close() error { return b.db.Close() }
