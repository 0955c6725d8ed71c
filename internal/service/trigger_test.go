// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/lock"
	"github.com/Interstation-Research/shaman/internal/logging"
	"github.com/Interstation-Research/shaman/internal/worker"
)

func TestTriggerFiveDepositsSixTriggers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.newShaman(t, domain.Address{0x01}, 5, okScript)

	for i := 1; i <= 5; i++ {
		res, err := h.svc.Trigger(ctx, s.ID)
		require.NoError(t, err, "trigger %d", i)
		assert.True(t, res.Success)
		assert.Equal(t, uint64(5-i), res.Balance)
		assert.Equal(t, []string{"tick"}, res.Logs)
		assert.JSONEq(t, `{"ok":true}`, string(res.Result))
		assert.NotEmpty(t, res.LogRef)
		assert.False(t, res.LogID.IsZero())
	}
	require.Equal(t, 6, h.logCount(t, s.ID))

	_, err := h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, int32(5), h.runner.calls.Load())
	assert.Equal(t, 6, h.logCount(t, s.ID), "no log for a refused trigger")

	got, err := h.svc.GetShaman(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)

	r, err := h.svc.Reconcile(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, r.Balanced())

	state, err := h.svc.SaleState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), state.Consumed)
	assert.Equal(t, testCurve.MaxSaleSupply, state.MaxSaleSupply)
	assert.Equal(t, testCurve.TotalSupply, state.TotalSupply)
}

func TestTriggerUnreachableFetchStillCharges(t *testing.T) {
	ctx := context.Background()
	closed := httptest.NewServer(http.NotFoundHandler())
	deadURL := closed.URL
	closed.Close()

	h := newHarness(t)
	s := h.newShaman(t, domain.Address{0x02}, 3, `package main

import "shaman"

func Run(c *shaman.Context) (any, error) {
	resp, err := c.Get("`+deadURL+`")
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}
`)

	res, err := h.svc.Trigger(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Network")
	assert.Equal(t, worker.FailureNetwork, res.ErrorKind)
	assert.Equal(t, uint64(2), res.Balance)

	logs, err := h.svc.GetLogs(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.LogExecution, logs[0].Type)
	assert.False(t, logs[0].Success)
	assert.Equal(t, uint64(1), logs[0].Amount)
	assert.Equal(t, res.LogRef, logs[0].MetadataRef)
}

func TestTriggerResultRoundTripsThroughDetail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	code := `package main

import "shaman"

func Run(c *shaman.Context) (any, error) {
	return map[string]any{"name": "eth", "price": 3120.5, "up": true, "count": 7}, nil
}
`
	s := h.newShaman(t, domain.Address{0x03}, 1, code)

	res, err := h.svc.Trigger(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	detail, err := h.svc.GetExecutionDetail(ctx, res.LogRef)
	require.NoError(t, err)
	assert.JSONEq(t, string(res.Result), string(detail.Result))
	assert.JSONEq(t, `{"name":"eth","price":3120.5,"up":true,"count":7}`, string(detail.Result))
	assert.Equal(t, code, detail.DecodedCode)
	assert.Equal(t, code, res.DecodedCode)
	assert.Equal(t, s.ID.String(), detail.ShamanID)
	assert.Equal(t, res.Timestamp, detail.Timestamp)
	assert.Empty(t, detail.Error)
}

func TestTriggerBelowUnitCostNeverRunsScript(t *testing.T) {
	ctx := context.Background()
	creator := domain.Address{0x04}
	h := newHarness(t, func(d *Deps) { d.UnitCost = 3 })
	s := h.newShaman(t, creator, 2, okScript)

	_, err := h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Zero(t, h.runner.calls.Load())
	assert.Equal(t, 1, h.logCount(t, s.ID))

	_, err = h.svc.WithdrawBalance(ctx, creator, s.ID, 2)
	require.NoError(t, err)
	_, err = h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Zero(t, h.runner.calls.Load())
}

func TestTriggerUnknownOrCanceledShaman(t *testing.T) {
	ctx := context.Background()
	creator := domain.Address{0x05}
	h := newHarness(t)

	_, err := h.svc.Trigger(ctx, domain.ID{0xde, 0xad})
	require.ErrorIs(t, err, domain.ErrNotFound)

	s := h.newShaman(t, creator, 2, okScript)
	_, err = h.svc.CancelShaman(ctx, creator, s.ID)
	require.NoError(t, err)

	_, err = h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, h.runner.calls.Load())
}

func TestTriggerScriptUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.newShaman(t, domain.Address{0x06}, 2, okScript)

	before := h.store.getCount()
	h.store.failGets(-1)
	_, err := h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrScriptUnavailable)
	assert.Zero(t, h.runner.calls.Load())
	assert.Equal(t, contentAttempts, h.store.getCount()-before, "fetch is retried with backoff")

	got, err := h.svc.GetShaman(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Balance, "no charge without a script")
	assert.Equal(t, 1, h.logCount(t, s.ID))
}

func TestTriggerRecoversFromTransientFetchFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.newShaman(t, domain.Address{0x07}, 1, okScript)

	h.store.failGets(contentAttempts - 1)
	res, err := h.svc.Trigger(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTriggerDetailPutFailureStillRecordsLog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.newShaman(t, domain.Address{0x08}, 2, okScript)

	h.store.failPuts(-1)
	res, err := h.svc.Trigger(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.LogRef)
	assert.Equal(t, uint64(1), res.Balance)

	logs, err := h.svc.GetLogs(ctx, s.ID, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogExecution, logs[0].Type)
	assert.Empty(t, logs[0].MetadataRef)
}

func TestTriggerRetriesWriteConflicts(t *testing.T) {
	ctx := context.Background()
	var cl *conflictLedger
	h := newHarness(t, func(d *Deps) {
		cl = &conflictLedger{Ledger: d.Ledger}
		d.Ledger = cl
	})
	s := h.newShaman(t, domain.Address{0x09}, 3, okScript)

	cl.conflicts.Store(2)
	res, err := h.svc.Trigger(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Balance)
	assert.Equal(t, int32(3), cl.attempts.Load())
}

func TestTriggerConflictsExhaustedAreUnavailable(t *testing.T) {
	ctx := context.Background()
	var cl *conflictLedger
	h := newHarness(t, func(d *Deps) {
		cl = &conflictLedger{Ledger: d.Ledger}
		d.Ledger = cl
		d.MaxRetries = 2
	})
	s := h.newShaman(t, domain.Address{0x0a}, 3, okScript)

	cl.conflicts.Store(100)
	_, err := h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.NotErrorIs(t, err, domain.ErrWriteConflict)
	assert.Equal(t, int32(3), cl.attempts.Load())

	got, err := h.svc.GetShaman(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Balance)
	assert.Equal(t, 1, h.logCount(t, s.ID))
}

func TestTriggerRunnerFailureChargesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.newShaman(t, domain.Address{0x0b}, 2, okScript)

	h.runner.err = errors.New("fork/exec: no such file")
	_, err := h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, 1, h.logCount(t, s.ID))
}

func TestConcurrentTriggersAtUnitCost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.newShaman(t, domain.Address{0x0c}, 1, okScript)

	// A second service stands in for another replica: it shares the ledger
	// and the cross-replica lock, not the process.
	shared := lock.NewLocal()
	var services []*Service
	for range 2 {
		svc, err := New(Deps{
			Ledger:    h.ledger,
			Content:   h.store,
			Runner:    h.runner,
			Locker:    shared,
			Curve:     testCurve,
			Logger:    logging.Discard(),
			RetryBase: time.Millisecond,
		})
		require.NoError(t, err)
		services = append(services, svc)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Trigger(ctx, s.ID)
		}()
	}
	wg.Wait()

	var ok, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientBalance):
			refused++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)
	assert.Equal(t, int32(1), h.runner.calls.Load(), "the refused trigger never runs the script")

	got, err := h.svc.GetShaman(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)
	assert.Equal(t, 2, h.logCount(t, s.ID))
}

// drainingRunner spends the shaman's balance behind the service's back
// while the script runs, as an unsynchronised replica would.
type drainingRunner struct {
	worker.Runner
	ledger Ledger
}

func (r drainingRunner) Execute(ctx context.Context, job worker.Job, source string) (worker.Outcome, error) {
	if _, _, err := r.ledger.RecordExecution(ctx, domain.ExecutionRecord{
		ShamanID: job.ShamanID,
		UnitCost: 1,
		Success:  true,
	}); err != nil {
		return worker.Outcome{}, err
	}
	return r.Runner.Execute(ctx, job, source)
}

func TestTriggerLogsUnbilledExecution(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	h := newHarness(t, func(d *Deps) {
		d.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
		d.Runner = drainingRunner{Runner: d.Runner, ledger: d.Ledger}
	})
	s := h.newShaman(t, domain.Address{0x0d}, 1, okScript)
	buf.Reset()

	_, err := h.svc.Trigger(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Contains(t, buf.String(), `"msg":"unbilled execution"`)
	assert.Contains(t, buf.String(), s.ID.String())

	got, err := h.svc.GetShaman(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance, "the balance never goes negative")
}

func TestTriggerNotifiesWebhook(t *testing.T) {
	ctx := context.Background()
	events := make(chanNotifier, 1)
	h := newHarness(t, func(d *Deps) { d.Notifier = events })
	s := h.newShaman(t, domain.Address{0x0d}, 1, okScript)

	res, err := h.svc.Trigger(ctx, s.ID)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, s.ID, ev.ShamanID)
		assert.Equal(t, res.LogID, ev.LogID)
		assert.True(t, ev.Success)
		assert.Equal(t, res.LogRef, ev.LogRef)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a webhook event")
	}
}

func TestLockHoldCoversEveryStage(t *testing.T) {
	assert.Equal(t, loadTimeout+5*time.Second+persistTimeout, LockHold(5*time.Second))
	assert.Equal(t, LockHold(worker.DefaultTimeout), LockHold(0))
	assert.Greater(t, LockHold(2*time.Minute), 2*time.Minute)
}
