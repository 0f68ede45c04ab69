// Package postgres stores queues in PostgreSQL. Operations of one batch run in
// a single transaction, each under its own savepoint, and Commit commits it.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/loggingutil"
	"pkt.systems/asyncstore/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config controls the PostgreSQL backend.
type Config struct {
	DSN      string
	MaxConns int32
	Logger   pslog.Logger
}

// txBeginner starts batch transactions; *pgxpool.Pool in production.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements storage.Backend on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	db     txBeginner
	desc   string
	logger pslog.Logger

	mu sync.Mutex
	tx pgx.Tx
	// aborted is set when the batch transaction was rolled back under
	// operations that had already reported success; Commit must fail.
	aborted error
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.QueueLister   = (*Store)(nil)
	_ storage.MessageLister = (*Store)(nil)
)

// New connects, applies schema migrations and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	if err := migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	connCfg := poolCfg.ConnConfig
	return &Store{
		pool:   pool,
		db:     pool,
		desc:   fmt.Sprintf("postgres://%s:%d/%s", connCfg.Host, connCfg.Port, connCfg.Database),
		logger: logger,
	}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, logger pslog.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	for _, res := range results {
		logger.Info("postgres.migration.applied", "version", res.Source.Version, "duration", res.Duration)
	}
	return nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return s.desc }

// Close rolls back any open batch and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.aborted = nil
	s.mu.Unlock()
	if tx != nil {
		_ = tx.Rollback(context.Background())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// step runs fn inside a savepoint of the current batch transaction.
func (s *Store) step(ctx context.Context, fn func(pgx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return abortedError(s.aborted)
	}
	if s.tx == nil {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return wrapError(err, "postgres: begin")
		}
		s.tx = tx
	}
	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return s.abortLocked(ctx, err)
	}
	if err := fn(sp); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return s.abortLocked(ctx, rbErr)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return s.abortLocked(ctx, err)
	}
	return nil
}

func (s *Store) abortLocked(ctx context.Context, cause error) error {
	if s.tx != nil {
		_ = s.tx.Rollback(ctx)
		s.tx = nil
	}
	s.aborted = cause
	return abortedError(cause)
}

func abortedError(cause error) error {
	return storage.NewFatalError(fmt.Errorf("postgres: batch aborted: %w", cause))
}

// CreateQueue inserts the queue row; its serial id is the persistence ID.
func (s *Store) CreateQueue(ctx context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	var id int64
	err := s.step(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO asyncstore_queues (name, data) VALUES ($1, $2) RETURNING id`,
			rec.Name, rec.Data,
		).Scan(&id)
		if err != nil {
			return wrapError(err, "postgres: create queue %q", rec.Name)
		}
		return nil
	})
	if err != nil {
		return storage.QueueHandle{}, err
	}
	return storage.QueueHandle{ID: uint64(id), Name: rec.Name, Key: fmt.Sprintf("asyncstore_queues/%d", id)}, nil
}

// DestroyQueue deletes the queue row (cascading to messages) when deleteData
// is set.
func (s *Store) DestroyQueue(ctx context.Context, handle storage.QueueHandle, deleteData bool) error {
	return s.step(ctx, func(tx pgx.Tx) error {
		if !deleteData {
			return queueExists(ctx, tx, handle.Name, "destroy queue")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM asyncstore_queues WHERE name = $1`, handle.Name)
		if err != nil {
			return wrapError(err, "postgres: destroy queue %q", handle.Name)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: destroy queue %q: %w", handle.Name, storage.ErrNotFound)
		}
		return nil
	})
}

// FlushQueue verifies the queue exists; Commit provides durability.
func (s *Store) FlushQueue(ctx context.Context, handle storage.QueueHandle) error {
	return s.step(ctx, func(tx pgx.Tx) error {
		return queueExists(ctx, tx, handle.Name, "flush queue")
	})
}

func queueExists(ctx context.Context, tx pgx.Tx, name, op string) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM asyncstore_queues WHERE name = $1`, name).Scan(&one)
	if err != nil {
		return wrapError(err, "postgres: %s %q", op, name)
	}
	return nil
}

// Enqueue inserts the message row.
func (s *Store) Enqueue(ctx context.Context, queue string, msg storage.MessageRecord) error {
	return s.step(ctx, func(tx pgx.Tx) error {
		var txnID *string
		if msg.TxnID != "" {
			txnID = &msg.TxnID
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO asyncstore_messages (queue_id, seq, message_id, payload, txn_id, durable)
SELECT id, $2, $3, $4, $5, $6 FROM asyncstore_queues WHERE name = $1`,
			queue, int64(msg.Seq), msg.ID, msg.Payload, txnID, msg.Durable)
		if err != nil {
			return wrapError(err, "postgres: enqueue %s#%d", queue, msg.Seq)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: enqueue on %q: %w", queue, storage.ErrNotFound)
		}
		return nil
	})
}

// Dequeue deletes the message row.
func (s *Store) Dequeue(ctx context.Context, queue string, seq uint64) error {
	return s.step(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
DELETE FROM asyncstore_messages m USING asyncstore_queues q
WHERE m.queue_id = q.id AND q.name = $1 AND m.seq = $2`, queue, int64(seq))
		if err != nil {
			return wrapError(err, "postgres: dequeue %s#%d", queue, seq)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: dequeue %s#%d: %w", queue, seq, storage.ErrNotFound)
		}
		return nil
	})
}

// Commit commits the batch transaction, if one is open. It fails when the
// batch was aborted, and a failed commit is fatal: the transaction is gone
// whatever the cause, so it is never reported as retryable.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	tx, aborted := s.tx, s.aborted
	s.tx, s.aborted = nil, nil
	s.mu.Unlock()
	if aborted != nil {
		return abortedError(aborted)
	}
	if tx == nil {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewFatalError(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

// ListQueues returns every stored queue.
func (s *Store) ListQueues(ctx context.Context) ([]storage.QueueRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, data FROM asyncstore_queues ORDER BY name`)
	if err != nil {
		return nil, wrapError(err, "postgres: list queues")
	}
	defer rows.Close()
	var out []storage.QueueRecord
	for rows.Next() {
		var (
			id  int64
			rec storage.QueueRecord
		)
		if err := rows.Scan(&id, &rec.Name, &rec.Data); err != nil {
			return nil, wrapError(err, "postgres: scan queue")
		}
		rec.PersistenceID = uint64(id)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "postgres: list queues")
	}
	return out, nil
}

// ListMessages returns the queue's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, queue string) ([]storage.MessageRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT m.seq, m.message_id, m.payload, COALESCE(m.txn_id, ''), m.durable
FROM asyncstore_messages m JOIN asyncstore_queues q ON q.id = m.queue_id
WHERE q.name = $1 ORDER BY m.seq`, queue)
	if err != nil {
		return nil, wrapError(err, "postgres: list messages of %q", queue)
	}
	defer rows.Close()
	var out []storage.MessageRecord
	for rows.Next() {
		var (
			seq int64
			rec storage.MessageRecord
		)
		if err := rows.Scan(&seq, &rec.ID, &rec.Payload, &rec.TxnID, &rec.Durable); err != nil {
			return nil, wrapError(err, "postgres: scan message")
		}
		rec.Seq = uint64(seq)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "postgres: list messages of %q", queue)
	}
	return out, nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

func wrapError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", msg, storage.ErrExists)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w", msg, storage.ErrNotFound)
		case codeSerialization, codeDeadlock:
			return storage.NewTransientError(fmt.Errorf("%s: %w", msg, err))
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return storage.NewTransientError(fmt.Errorf("%s: %w", msg, err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}
