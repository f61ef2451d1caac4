// Package store is the sole owner of Kredo's persistent state: every
// document insert, state-machine transition, and audit row goes
// through here inside one serialized transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/borp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/metrics"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// parseTimestamp parses the ISO-8601-UTC-with-trailing-Z timestamp
// format every table in this package stores.
func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// InvalidateFunc is called after a write transaction commits, naming
// the pubkeys the written document refers to directly (subject,
// attestor, agent, owner). The Trust Engine registers one of these to
// drop its cache entries.
type InvalidateFunc func(pubkeys ...string)

// Store wraps a borp-mapped sqlite connection and enforces the
// (checks, insert, audit) transaction shape every write uses.
type Store struct {
	dbmap *borp.DbMap
	db    *sql.DB
	clk   clock.Clock
	log   *zap.Logger
	scope metrics.Scope

	mu           sync.RWMutex
	invalidators []InvalidateFunc
}

// Open creates a Store backed by the sqlite file at path, applying any
// pending schema migrations before returning.
func Open(path string, clk clock.Clock, log *zap.Logger, scope metrics.Scope) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single logical writer, per the concurrency model
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		return nil, fmt.Errorf("store: configure pragmas: %w", err)
	}

	dbmap := &borp.DbMap{Db: db, Dialect: borp.SqliteDialect{}}

	s := &Store{dbmap: dbmap, db: db, clk: clk, log: log, scope: scope}
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnInvalidate registers a callback invoked with the set of pubkeys
// touched by each committed write transaction.
func (s *Store) OnInvalidate(fn InvalidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidators = append(s.invalidators, fn)
}

func (s *Store) notify(pubkeys ...string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.invalidators {
		fn(pubkeys...)
	}
}

// writeRetries bounds how many times a contended write is retried,
// with linear backoff, before it surfaces as a server error.
const (
	writeRetries     = 3
	writeRetryPeriod = 50 * time.Millisecond
)

// withTransaction runs fn inside a borp transaction and commits on
// success. If fn fails with a *kerrors.Kredo domain rejection the
// transaction is still committed, keeping the rejection's audit row;
// any other error rolls it back. Either way the error is returned.
// Contended writes retry up to writeRetries times. On a successful
// commit, every pubkey in touched is broadcast to invalidation
// subscribers.
func (s *Store) withTransaction(fn func(tx *borp.Transaction) ([]string, error)) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.tryTransaction(fn)
		if err == nil || !isContention(err) {
			return err
		}
		if attempt > writeRetries {
			break
		}
		s.scope.Inc("write_contention", 1)
		s.log.Warn("store: write contention, retrying", zap.Int("attempt", attempt), zap.Error(err))
		s.clk.Sleep(time.Duration(attempt) * writeRetryPeriod)
	}
	return kerrors.ServerErrorError("write contention persisted after %d retries: %v", writeRetries, err)
}

func (s *Store) tryTransaction(fn func(tx *borp.Transaction) ([]string, error)) error {
	begin := s.clk.Now()
	tx, err := s.dbmap.BeginTx(context.Background())
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	touched, err := fn(tx)
	if err != nil {
		// A tagged domain rejection has written nothing but its own
		// audit row (every operation checks before it inserts), so
		// committing preserves the audit trail of the failed attempt.
		if _, domain := err.(*kerrors.Kredo); domain {
			if cErr := tx.Commit(); cErr != nil {
				s.log.Warn("store: commit of rejection audit failed", zap.Error(cErr))
			}
			s.scope.Inc("writes.rejected", 1)
			return err
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("store: rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	s.scope.Inc("writes.committed", 1)
	s.scope.TimingDuration("transaction", s.clk.Now().Sub(begin))
	if len(touched) > 0 {
		s.notify(touched...)
	}
	return nil
}

// isContention reports whether err is a lock/busy failure worth
// retrying, as opposed to a domain rejection or constraint violation.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (s *Store) now() string {
	return s.clk.Now().UTC().Format("2006-01-02T15:04:05Z")
}
