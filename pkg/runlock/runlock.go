// Package runlock serializes run execution across workers with a
// database lease. A worker holds the lease for a run id while its
// pipeline executes; if the worker dies the lease expires and another
// worker may take the run over.
package runlock

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrRunBusy   = errors.New("run is locked by another worker")
	ErrLeaseLost = errors.New("run lease lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Locker acquires run leases against one database.
type Locker struct {
	db     dbConn
	worker string
}

// Options tune lease lifetime and contention behavior.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration
}

// Lease is one held run lock. Context is cancelled when the lease is
// released or lost, so pipeline work bound to it stops instead of
// racing another worker.
type Lease struct {
	RunID string
	Token string

	Context context.Context

	locker *Locker
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a locker. worker names the holder in the lock table for
// operator visibility.
func New(pool *pgxpool.Pool, worker string) *Locker {
	return &Locker{db: pool, worker: worker}
}

// WithRun acquires the lease for a run, executes fn under the lease
// context and releases on return.
func (c *Locker) WithRun(ctx context.Context, runID string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, runID, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.Background())
	}()
	return fn(lease.Context)
}

// Acquire takes the lease for a run id, waiting for it when opts.Wait
// is set. The lease renews itself in the background until released.
func (c *Locker) Acquire(ctx context.Context, runID string, opts Options) (*Lease, error) {
	if runID == "" {
		return nil, errors.New("run id is empty")
	}

	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	ttlMs := opts.TTL.Milliseconds()
	if opts.RenewEvery <= 0 || opts.RenewEvery >= opts.TTL {
		opts.RenewEvery = max(opts.TTL/2, time.Second)
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 250 * time.Millisecond
	}
	if opts.WaitJitter < 0 {
		opts.WaitJitter = 0
	}

	suffix, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	token := c.worker + ":" + suffix

	acquireOnce := func(ctx context.Context) (bool, error) {
		var returnedID string
		err := c.db.QueryRow(ctx, tryAcquireSQL, runID, token, ttlMs).Scan(&returnedID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		return returnedID != "", nil
	}

	for {
		ok, err := acquireOnce(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrRunBusy
		}
		if err := sleepWithJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		RunID:   runID,
		Token:   token,
		Context: leaseCtx,
		locker:  c,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	go l.renewLoop(opts, ttlMs)

	return l, nil
}

// Release drops the lease and cancels its context. Releasing twice is
// harmless.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})

	_, err := l.locker.db.Exec(ctx, releaseSQL, l.RunID, l.Token)
	return err
}

func (l *Lease) renewLoop(opts Options, ttlMs int64) {
	t := time.NewTicker(opts.RenewEvery)
	defer t.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
			if err := l.renewOnce(ttlMs); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renewOnce(ttlMs int64) error {
	for attempt := range 3 {
		renewCtx, cancel := context.WithTimeout(l.Context, 15*time.Second)
		var returnedID string
		err := l.locker.db.QueryRow(renewCtx, renewSQL, l.RunID, l.Token, ttlMs).Scan(&returnedID)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		if attempt == 2 {
			return err
		}
		if err := sleepWithJitter(l.Context, 200*time.Millisecond, 0); err != nil {
			return err
		}
	}
	return ErrLeaseLost
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const tryAcquireSQL = `
INSERT INTO bridge_run_locks (run_id, locked_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (run_id) DO UPDATE
SET locked_by  = EXCLUDED.locked_by,
    expires_at = EXCLUDED.expires_at
WHERE bridge_run_locks.expires_at < now()
   OR bridge_run_locks.locked_by = EXCLUDED.locked_by
RETURNING run_id;
`

const renewSQL = `
UPDATE bridge_run_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE run_id = $1 AND locked_by = $2
RETURNING run_id;
`

const releaseSQL = `
DELETE FROM bridge_run_locks
WHERE run_id = $1 AND locked_by = $2;
`
