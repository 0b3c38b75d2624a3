package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
)`

// SQLite — кэш, переживающий перезапуск процесса (один файл на узел).
type SQLite struct {
	*codec
	db     *sql.DB
	prefix string
	now    func() time.Time
}

// OpenSQLite открывает (или создаёт) файл кэша; ":memory:" для тестов.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// одна база в памяти на соединение
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite cache table: %w", err)
	}
	o := buildOptions(opts)
	s := &SQLite{db: db, prefix: o.prefix, now: o.now}
	s.codec = &codec{b: s, ttl: o.ttl}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) load(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		data    []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, s.prefix+key).Scan(&data, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	if expires > 0 && s.now().UnixNano() > expires {
		_ = s.remove(ctx, key)
		return nil, false, nil
	}
	return data, true, nil
}

func (s *SQLite) store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.prefix+key, data, expires)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, s.prefix+key)
	return err
}

func (s *SQLite) clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key LIKE ?`, s.prefix+"%")
	return err
}
