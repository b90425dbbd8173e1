package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "crawlsched/pkg/logx"
)

// Store is the persistence API used by the spider.
type Store interface {
	PutSeen(ctx context.Context, key string, until time.Time) error
	GetSeen(ctx context.Context, key string) (until time.Time, ok bool, err error)

	PutCache(ctx context.Context, e CacheEntry) error
	GetCache(ctx context.Context, key string) (CacheEntry, bool, error)

	AppendJournal(ctx context.Context, e JournalEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
