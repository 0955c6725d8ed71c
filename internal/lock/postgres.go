// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryClass is the first half of the two-int advisory key. The bigint
// form used by schema migrations lives in a separate key space.
const advisoryClass int32 = 0x53484d4e // "SHMN"

// Postgres holds a session advisory lock per key, for replicas that share a
// Postgres ledger but no Redis. The holder keeps one pooled connection until
// it unlocks; if that connection dies the server drops the lock with it.
// Waiters poll with pg_try_advisory_lock and hold no connection in between.
type Postgres struct {
	pool *pgxpool.Pool
	poll time.Duration
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, poll: 25 * time.Millisecond}
}

func (p *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	obj := advisoryObject(key)

	for {
		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}

		var ok bool
		err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::int4, $2::int4)`, advisoryClass, obj).Scan(&ok)
		if err != nil {
			conn.Release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return p.unlocker(conn, obj), nil
		}
		conn.Release()

		timer := time.NewTimer(p.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Postgres) unlocker(conn *pgxpool.Conn, obj int32) func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.release(conn, obj) })
	}
}

func (p *Postgres) release(conn *pgxpool.Conn, obj int32) {
	// release on a fresh context so a canceled request still unlocks
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var released bool
	err := conn.QueryRow(releaseCtx, `SELECT pg_advisory_unlock($1::int4, $2::int4)`, advisoryClass, obj).Scan(&released)
	if err != nil || !released {
		// closing the session is the only other way to drop the lock
		_ = conn.Conn().Close(releaseCtx)
	}
	conn.Release()
}

// advisoryObject folds key into the second advisory int. Two shamans that
// collide only serialise against each other.
func advisoryObject(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32())
}
