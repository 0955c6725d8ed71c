// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/lock"
	"github.com/Interstation-Research/shaman/internal/logging"
	sqlitedb "github.com/Interstation-Research/shaman/internal/persistence/sqlite"
	"github.com/Interstation-Research/shaman/internal/pricing"
	"github.com/Interstation-Research/shaman/internal/repository"
	"github.com/Interstation-Research/shaman/internal/worker"
)

const okScript = `package main

import "shaman"

func Run(c *shaman.Context) (any, error) {
	c.Log("tick")
	return map[string]any{"ok": true}, nil
}
`

var testCurve = pricing.Curve{
	BasePrice:     big.NewInt(100),
	Slope:         big.NewInt(10),
	MaxSaleSupply: 1_000,
	TotalSupply:   10_000,
}

// cashier records purchases in tests; newHarness grants it the operator role.
var cashier = domain.Address{0xfe}

type harness struct {
	svc    *Service
	ledger *repository.SQLiteLedger
	store  *flakyStore
	runner *countingRunner
}

type option func(*Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	db, err := sqlitedb.Open(context.Background(), ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		ledger: repository.NewSQLiteLedger(db, logging.Discard()),
		store:  &flakyStore{Store: contentstore.NewMemStore()},
		runner: &countingRunner{next: worker.NewInterpreterRunner(worker.InterpreterDeps{Logger: logging.Discard()})},
	}

	deps := Deps{
		Ledger:        h.ledger,
		Content:       h.store,
		Runner:        h.runner,
		Locker:        lock.NewLocal(),
		Curve:         testCurve,
		Logger:        logging.Discard(),
		UnitCost:      1,
		MaxRetries:    3,
		RetryBase:     time.Millisecond,
		ScriptTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.svc, err = New(deps)
	require.NoError(t, err)
	require.NoError(t, h.ledger.SetRole(context.Background(), cashier, domain.RoleOperator))
	return h
}

// fund sells qty units to addr at the current sale counter.
func (h *harness) fund(t *testing.T, addr domain.Address, qty uint64) {
	t.Helper()

	q, err := h.svc.GetPrice(context.Background(), qty)
	require.NoError(t, err)
	_, err = h.svc.Purchase(context.Background(), cashier, addr, qty, q.Price())
	require.NoError(t, err)
}

func (h *harness) newShaman(t *testing.T, creator domain.Address, deposit uint64, code string) domain.Shaman {
	t.Helper()

	ctx := context.Background()
	ref, _, err := h.svc.PutScript(ctx, "test prompt", code, "")
	require.NoError(t, err)

	h.fund(t, creator, deposit)
	s, err := h.svc.CreateShaman(ctx, creator, deposit, ref)
	require.NoError(t, err)
	return s
}

func (h *harness) logCount(t *testing.T, id domain.ID) int {
	t.Helper()
	logs, err := h.svc.GetLogs(context.Background(), id, 1000)
	require.NoError(t, err)
	return len(logs)
}

type countingRunner struct {
	next  worker.Runner
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Execute(ctx context.Context, job worker.Job, source string) (worker.Outcome, error) {
	r.calls.Add(1)
	if r.err != nil {
		return worker.Outcome{}, r.err
	}
	return r.next.Execute(ctx, job, source)
}

var errTransient = errors.New("gateway timeout")

// flakyStore fails the next N gets or puts. A negative count fails forever.
type flakyStore struct {
	contentstore.Store

	mu          sync.Mutex
	getFailures int
	putFailures int
	gets        int
}

func (s *flakyStore) failGets(n int) {
	s.mu.Lock()
	s.getFailures = n
	s.mu.Unlock()
}

func (s *flakyStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *flakyStore) failPuts(n int) {
	s.mu.Lock()
	s.putFailures = n
	s.mu.Unlock()
}

func (s *flakyStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	fail := consume(&s.getFailures)
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("get %s: %w", ref, errTransient)
	}
	return s.Store.Get(ctx, ref)
}

func (s *flakyStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	fail := consume(&s.putFailures)
	s.mu.Unlock()
	if fail {
		return "", fmt.Errorf("put: %w", errTransient)
	}
	return s.Store.Put(ctx, data)
}

func consume(n *int) bool {
	switch {
	case *n < 0:
		return true
	case *n > 0:
		*n--
		return true
	}
	return false
}

// conflictLedger injects write conflicts into RecordExecution.
type conflictLedger struct {
	Ledger
	conflicts atomic.Int32
	attempts  atomic.Int32
}

func (l *conflictLedger) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) (domain.LogEntry, uint64, error) {
	l.attempts.Add(1)
	if l.conflicts.Add(-1) >= 0 {
		return domain.LogEntry{}, 0, fmt.Errorf("%w: injected", domain.ErrWriteConflict)
	}
	return l.Ledger.RecordExecution(ctx, rec)
}

type chanNotifier chan TriggerEvent

func (c chanNotifier) Notify(_ context.Context, ev TriggerEvent) {
	c <- ev
}
