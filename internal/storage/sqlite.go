package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "crawlsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSeen(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("seen prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetSeen(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM seen WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	until := time.UnixMilli(ms)
	if until.Before(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *sqliteStore) PutCache(ctx context.Context, e CacheEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.Key == "" {
		return nil
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	hdr, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache(key, url, status, header, body, stored_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET url=excluded.url, status=excluded.status,
		   header=excluded.header, body=excluded.body, stored_at=excluded.stored_at`,
		e.Key, e.URL, e.Status, string(hdr), e.Body, e.StoredAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetCache(ctx context.Context, key string) (CacheEntry, bool, error) {
	if s == nil || s.db == nil {
		return CacheEntry{}, false, ErrDisabled
	}
	if key == "" {
		return CacheEntry{}, false, nil
	}
	var (
		e   CacheEntry
		hdr sql.NullString
		ms  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, url, status, header, body, stored_at FROM cache WHERE key = ?`, key,
	).Scan(&e.Key, &e.URL, &e.Status, &hdr, &e.Body, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	if hdr.Valid && hdr.String != "" && hdr.String != "null" {
		e.Header = http.Header{}
		if err := json.Unmarshal([]byte(hdr.String), &e.Header); err != nil {
			return CacheEntry{}, false, err
		}
	}
	e.StoredAt = time.UnixMilli(ms)
	return e, true, nil
}

func (s *sqliteStore) AppendJournal(ctx context.Context, e JournalEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	fromCache := 0
	if e.FromCache {
		fromCache = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal(at, task_id, name, url, outcome, status, network_try_count, task_try_count, from_cache, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.TaskID, nullStr(e.Name), e.URL, e.Outcome, e.Status,
		e.NetworkTryCount, e.TaskTryCount, fromCache, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
