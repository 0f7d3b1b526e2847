package slotstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/casekeep/internal/slotcodec"
)

// PostgresSchema is the DDL for the save_slots table. Execute it via
// [PostgresBackend.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS save_slots (
    case_id    TEXT NOT NULL,
    player_id  TEXT NOT NULL,
    slot_id    TEXT NOT NULL,
    header     JSONB NOT NULL,
    body       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (case_id, player_id, slot_id)
);
`

// DB is the database interface used by [PostgresBackend]. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend keeps slots in PostgreSQL. The header is stored as JSONB so
// operators can query slot metadata directly; the body is opaque bytes.
type PostgresBackend struct {
	db    DB
	close func()
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend wraps an existing connection or pool. The caller keeps
// ownership of db and must call [PostgresBackend.Migrate] before use.
func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db, close: func() {}}
}

// OpenPostgres connects a pool to dsn and applies the schema. Close releases
// the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("slotstore: connect postgres: %w", err)
	}
	b := &PostgresBackend{db: pool, close: pool.Close}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate executes [PostgresSchema].
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("slotstore: migrate: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Read(ctx context.Context, key Key) (slotcodec.Record, error) {
	const query = `
		SELECT header, body
		FROM save_slots
		WHERE case_id = $1 AND player_id = $2 AND slot_id = $3`

	var rec slotcodec.Record
	err := b.db.QueryRow(ctx, query, key.CaseID, key.PlayerID, key.SlotID).Scan(&rec.Header, &rec.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return slotcodec.Record{}, ErrNotFound
	}
	if err != nil {
		return slotcodec.Record{}, err
	}
	return rec, nil
}

func (b *PostgresBackend) ReadHeader(ctx context.Context, key Key) ([]byte, error) {
	const query = `
		SELECT header
		FROM save_slots
		WHERE case_id = $1 AND player_id = $2 AND slot_id = $3`

	var header []byte
	err := b.db.QueryRow(ctx, query, key.CaseID, key.PlayerID, key.SlotID).Scan(&header)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return header, err
}

// Write upserts the row in a single statement, which is what makes the
// replace atomic. The statement returns the stored body length so a
// truncated write is reported as a failed save.
func (b *PostgresBackend) Write(ctx context.Context, key Key, rec slotcodec.Record) error {
	const query = `
		INSERT INTO save_slots (case_id, player_id, slot_id, header, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (case_id, player_id, slot_id) DO UPDATE SET
			header     = EXCLUDED.header,
			body       = EXCLUDED.body,
			updated_at = now()
		RETURNING octet_length(body)`

	var stored int
	if err := b.db.QueryRow(ctx, query, key.CaseID, key.PlayerID, key.SlotID, rec.Header, rec.Body).Scan(&stored); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	if stored != len(rec.Body) {
		return fmt.Errorf("verify: stored %d body bytes, wrote %d", stored, len(rec.Body))
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, key Key) (bool, error) {
	tag, err := b.db.Exec(ctx,
		`DELETE FROM save_slots WHERE case_id = $1 AND player_id = $2 AND slot_id = $3`,
		key.CaseID, key.PlayerID, key.SlotID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	var one int
	return b.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

func (b *PostgresBackend) Close() error {
	b.close()
	return nil
}
