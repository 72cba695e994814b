package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by a single PostgreSQL table. Expiry is
// evaluated against the database clock.
type PostgresStore struct {
	pool     *pgxpool.Pool
	schema   string
	table    string
	unlogged bool
	logger   *slog.Logger

	cleanupEvery time.Duration
	stop         chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	swept        atomic.Pointer[func(int64)]

	// Precomputed statements for the sanitized table name.
	qGet, qSet, qDelete, qKeys, qCleanup, qLock string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithSchema sets the schema holding the table. Default: "public".
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) {
		s.schema = schema
	}
}

// WithTableName sets the table name. Default: "kv_store".
func WithTableName(name string) PostgresOption {
	return func(s *PostgresStore) {
		s.table = name
	}
}

// WithUnlogged makes CreateTable create an UNLOGGED table. Writes are faster
// and the contents are lost on a crash.
func WithUnlogged(unlogged bool) PostgresOption {
	return func(s *PostgresStore) {
		s.unlogged = unlogged
	}
}

// WithCleanup deletes expired rows every interval. Without it callers run
// Cleanup themselves.
func WithCleanup(interval time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.cleanupEvery = interval
	}
}

// WithStoreLogger sets the logger used by the cleanup loop.
func WithStoreLogger(logger *slog.Logger) PostgresOption {
	return func(s *PostgresStore) {
		s.logger = logger
	}
}

// NewPostgresStore returns a store using pool. Call CreateTable before first use.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool:   pool,
		schema: "public",
		table:  "kv_store",
		logger: slog.Default(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	t := s.ident()
	s.qGet = fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, t)
	s.qSet = fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at, updated_at)
		VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN NOW() + $3::bigint * INTERVAL '1 microsecond' END, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`, t)
	s.qDelete = fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t)
	s.qKeys = fmt.Sprintf(`
		SELECT key FROM %s
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY key`, t)
	s.qCleanup = fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()`, t)
	s.qLock = s.qGet + " FOR UPDATE"

	if s.cleanupEvery > 0 {
		go s.cleanupLoop()
	} else {
		close(s.done)
	}

	return s
}

func (s *PostgresStore) ident() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// CreateTable creates the table and its expiry index if they do not exist.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	unlogged := ""
	if s.unlogged {
		unlogged = "UNLOGGED"
	}

	ddl := []string{
		fmt.Sprintf(`
			CREATE %s TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				expires_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, unlogged, s.ident()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at) WHERE expires_at IS NOT NULL`,
			pgx.Identifier{s.table + "_expires_idx"}.Sanitize(), s.ident()),
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("kv: create table %s: %w", s.ident(), err)
		}
	}

	return nil
}

// DropTable removes the table. Used by tests.
func (s *PostgresStore) DropTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.ident()))
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, s.qGet, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get %q: %w", key, err)
	}

	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.pool.Exec(ctx, s.qSet, key, nonNil(value), ttl.Microseconds()); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

// SetMany writes all items in one transaction using a pipelined batch.
func (s *PostgresStore) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for key, value := range items {
			batch.Queue(s.qSet, key, nonNil(value), ttl.Microseconds())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("kv: set many: %w", err)
		}
		return nil
	})
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current []byte
		err := tx.QueryRow(ctx, s.qLock, key).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("kv: update %q: %w", key, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, s.qSet, key, nonNil(next), ttl.Microseconds()); err != nil {
			return fmt.Errorf("kv: update %q: %w", key, err)
		}
		return nil
	})
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, s.qDelete, key); err != nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, s.qKeys, prefix)
	if err != nil {
		return nil, fmt.Errorf("kv: keys %q: %w", prefix, err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("kv: keys %q: %w", prefix, err)
	}

	return keys, nil
}

// Cleanup deletes expired rows and reports how many were removed.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, s.qCleanup)
	if err != nil {
		return 0, fmt.Errorf("kv: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close stops the cleanup loop. The pool belongs to the caller and stays open.
func (s *PostgresStore) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		close(s.stop)
		err = nil
	})
	<-s.done
	return err
}

func (s *PostgresStore) onSweep(fn func(int64)) {
	s.swept.Store(&fn)
}

func (s *PostgresStore) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cleanupEvery)
			n, err := s.Cleanup(ctx)
			cancel()
			if err != nil {
				s.logger.Error("kv cleanup failed", "table", s.ident(), "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("kv cleanup", "table", s.ident(), "removed", n)
				if fn := s.swept.Load(); fn != nil {
					(*fn)(n)
				}
			}
		case <-s.stop:
			return
		}
	}
}

// BYTEA NOT NULL rejects a nil slice.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
