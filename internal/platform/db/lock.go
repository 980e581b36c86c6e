package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLocked is returned by TryLock when another session holds the key.
var ErrLocked = errors.New("advisory lock is held by another process")

// lockConn is the subset of *pgxpool.Conn a Lock needs.
type lockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// Lock is a session-level Postgres advisory lock. It pins one pool
// connection until Release is called.
type Lock struct {
	conn lockConn
	key  int64
}

// TryLock takes the advisory lock for key without waiting. It returns
// ErrLocked when another session already holds it.
func TryLock(ctx context.Context, pool *pgxpool.Pool, key int64) (*Lock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	return tryLock(ctx, conn, key)
}

func tryLock(ctx context.Context, conn lockConn, key int64) (*Lock, error) {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, ErrLocked
	}
	return &Lock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool. It is safe to call
// more than once.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("release advisory lock %d: %w", l.key, err)
	}
	return nil
}
