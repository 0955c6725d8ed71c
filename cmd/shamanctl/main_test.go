// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Interstation-Research/shaman/internal/app"
	"github.com/Interstation-Research/shaman/internal/config"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/logging"
	"github.com/Interstation-Research/shaman/internal/transport/middleware"
)

const validScript = `package main

import "shaman"

func Run(c *shaman.Context) (any, error) {
	c.Log("ping")
	return "pong", nil
}
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// liteEnv points every command at a file-backed SQLite ledger and blob dir.
func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SHAMAN_CONFIG", "")
	t.Setenv("LEDGER_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "ledger.db"))
	t.Setenv("CONTENT_STORE", "fs")
	t.Setenv("CONTENT_DIR", filepath.Join(dir, "blobs"))
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("WORKER_MODE", "inprocess")
	t.Setenv("WEBHOOK_URL", "")
	t.Setenv("PRICE_BASE_WEI", "100")
	t.Setenv("PRICE_SLOPE_WEI", "10")
	return dir
}

func TestTokenCommand(t *testing.T) {
	addr := domain.Address{0x42}

	out, err := run(t, "token", addr.String(), "--secret", "cli-secret")
	require.NoError(t, err)

	verifier, err := middleware.NewTokenVerifier("cli-secret")
	require.NoError(t, err)
	caller, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, addr, caller.Address)

	_, err = run(t, "token", "0xnope", "--secret", "cli-secret")
	assert.Error(t, err)
}

func TestScriptCheck(t *testing.T) {
	out, err := run(t, "script", "check", writeFile(t, "ok.go", validScript))
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := `package main

import "os"

func Run(c *shaman.Context) (any, error) { return os.Getpid(), nil }
`
	_, err = run(t, "script", "check", writeFile(t, "bad.go", bad))
	assert.Error(t, err)
}

func TestPriceCommand(t *testing.T) {
	liteEnv(t)

	out, err := run(t, "price", "2", "--sold", "3")
	require.NoError(t, err)

	var quote map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &quote))
	assert.Equal(t, "270", quote["price_wei"])
	assert.Equal(t, "130", quote["unit_price_wei"])

	_, err = run(t, "price", "0")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestScriptPutTriggerAndReconcile(t *testing.T) {
	liteEnv(t)
	ctx := context.Background()

	out, err := run(t, "migrate")
	require.NoError(t, err, out)

	out, err = run(t, "script", "put", writeFile(t, "s.go", validScript), "--prompt", "ping pong")
	require.NoError(t, err)
	ref := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(ref, "sha256:"), ref)

	cfg, err := config.Load()
	require.NoError(t, err)
	rt, err := app.Open(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	creator := domain.Address{0x77}
	operator := domain.Address{0x78}
	require.NoError(t, rt.Ledger.SetRole(ctx, operator, domain.RoleOperator))
	quote, err := rt.Service.GetPrice(ctx, 3)
	require.NoError(t, err)
	_, err = rt.Service.Purchase(ctx, operator, creator, 3, quote.Price())
	require.NoError(t, err)
	shaman, err := rt.Service.CreateShaman(ctx, creator, 3, ref)
	require.NoError(t, err)
	rt.Close()

	out, err = run(t, "trigger", shaman.ID.String())
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["success"])
	assert.Equal(t, "pong", res["result"])
	assert.EqualValues(t, 2, res["balance"])

	out, err = run(t, "reconcile", shaman.ID.String())
	require.NoError(t, err)
	var rec domain.Reconciliation
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, uint64(1), rec.Executions)
	assert.True(t, rec.Balanced())

	_, err = run(t, "reconcile", domain.ID{0xee}.String())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
