package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"dedupd/internal/domain"
	"dedupd/internal/storage"

	_ "modernc.org/sqlite"
)

const DefaultTable = "dedup_records"

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	identity_key TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	raw_payload TEXT NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	expires_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires_at_utc_ns);
`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	db    *sql.DB
	table string
}

func NewStore(path, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir store dir: %w", err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf(schemaTemplate, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, table: table}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TryInsert writes rec unless a live row for the key exists. An expired row is
// taken over in the same statement.
func (s *Store) TryInsert(ctx context.Context, rec domain.PersistedRecord) (storage.InsertResult, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %[1]s(identity_key, event_id, raw_payload, created_at_utc_ns, expires_at_utc_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(identity_key) DO UPDATE SET
	event_id=excluded.event_id,
	raw_payload=excluded.raw_payload,
	created_at_utc_ns=excluded.created_at_utc_ns,
	expires_at_utc_ns=excluded.expires_at_utc_ns
WHERE %[1]s.expires_at_utc_ns <= excluded.created_at_utc_ns`, s.table),
		rec.IdentityKey, rec.EventID, rec.RawPayload, rec.CreatedAt.UTC().UnixNano(), rec.ExpiresAt.UTC().UnixNano())
	if err != nil {
		return 0, storage.Wrap("insert", rec.IdentityKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("insert", rec.IdentityKey, err)
	}
	if n == 0 {
		return storage.AlreadyExists, nil
	}
	return storage.Inserted, nil
}

func (s *Store) DeleteByKey(ctx context.Context, identityKey string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE identity_key=?`, s.table), identityKey)
	return storage.Wrap("delete", identityKey, err)
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at_utc_ns <= ?`, s.table), now.UTC().UnixNano())
	if err != nil {
		return 0, storage.Wrap("purge", "", err)
	}
	return res.RowsAffected()
}

func (s *Store) Get(ctx context.Context, identityKey string) (domain.PersistedRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT identity_key, event_id, raw_payload, created_at_utc_ns, expires_at_utc_ns
FROM %s
WHERE identity_key=?`, s.table), identityKey)
	var rec domain.PersistedRecord
	var created, expires int64
	err := row.Scan(&rec.IdentityKey, &rec.EventID, &rec.RawPayload, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PersistedRecord{}, false, nil
	}
	if err != nil {
		return domain.PersistedRecord{}, false, storage.Wrap("get", identityKey, err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.ExpiresAt = time.Unix(0, expires).UTC()
	return rec, true, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func openSQLite(path string) (*sql.DB, error) {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(FULL)",
		"busy_timeout(5000)",
	}
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
