package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"dedupd/internal/domain"
	"dedupd/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultTable = "dedup_records"

// schemaSQL is embedded so the consumer can bootstrap its own table.
//
//go:embed schema.sql
var schemaSQL string

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is the Postgres-backed idempotency store.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// NewStore creates a connection pool and fails fast if the database is unreachable.
func NewStore(ctx context.Context, dsn, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("new pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(schemaSQL, s.table))
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// TryInsert returns AlreadyExists when a live row holds the key.
//
// The primary key on identity_key is the dedup gate; RETURNING yields a row only
// when the insert (or takeover of an expired row) happened.
func (s *Store) TryInsert(ctx context.Context, rec domain.PersistedRecord) (storage.InsertResult, error) {
	var one int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (identity_key, event_id, raw_payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity_key) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			raw_payload = EXCLUDED.raw_payload,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE %[1]s.expires_at <= EXCLUDED.created_at
		RETURNING 1
	`, s.table), rec.IdentityKey, rec.EventID, rec.RawPayload, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC()).Scan(&one)
	if err == nil {
		return storage.Inserted, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.AlreadyExists, nil
	}
	return 0, storage.Wrap("insert", rec.IdentityKey, err)
}

func (s *Store) DeleteByKey(ctx context.Context, identityKey string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE identity_key = $1`, s.table), identityKey)
	return storage.Wrap("delete", identityKey, err)
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table), now.UTC())
	if err != nil {
		return 0, storage.Wrap("purge", "", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Get(ctx context.Context, identityKey string) (domain.PersistedRecord, bool, error) {
	var rec domain.PersistedRecord
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT identity_key, event_id, raw_payload, created_at, expires_at
		FROM %s
		WHERE identity_key = $1
	`, s.table), identityKey).Scan(&rec.IdentityKey, &rec.EventID, &rec.RawPayload, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PersistedRecord{}, false, nil
	}
	if err != nil {
		return domain.PersistedRecord{}, false, storage.Wrap("get", identityKey, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, true, nil
}
