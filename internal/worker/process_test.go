// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Interstation-Research/shaman/internal/logging"
)

const childModeEnv = "SHAMAN_WORKER_TEST_CHILD"

// TestMain lets the test binary double as cmd/worker.
func TestMain(m *testing.M) {
	switch os.Getenv(childModeEnv) {
	case "serve":
		runner := NewInterpreterRunner(InterpreterDeps{Logger: logging.New(os.Stderr, "dev", "worker")})
		if err := ServeChild(context.Background(), os.Stdin, os.Stdout, runner); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	case "hang":
		line := "about to hang"
		_ = json.NewEncoder(os.Stdout).Encode(frame{Log: &line})
		select {}
	case "crash":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

func newProcessRunner(t *testing.T, mode string) *ProcessRunner {
	t.Helper()
	r, err := NewProcessRunner(ProcessDeps{
		Binary:    os.Args[0],
		Env:       []string{childModeEnv + "=" + mode},
		Logger:    logging.Discard(),
		KillGrace: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func TestProcessRunnerSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var streamed []string
	job := testJob()
	job.OnLog = func(line string) { streamed = append(streamed, line) }

	out := run(t, newProcessRunner(t, "serve"), job, `package main
import ("strings"; "shaman")
func Run(c *shaman.Context) (any, error) {
	c.Log("in child")
	return strings.Repeat("ab", 2), nil
}`)

	require.True(t, out.Success, out.ErrorMessage())
	assert.Equal(t, `"abab"`, string(out.Result))
	assert.Equal(t, []string{"in child"}, out.Logs)
	assert.Equal(t, []string{"in child"}, streamed)
}

func TestProcessRunnerReportsScriptFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	out := run(t, newProcessRunner(t, "serve"), testJob(), `package main
import ("errors"; "shaman")
func Run(c *shaman.Context) (any, error) { return nil, errors.New("nope") }`)

	require.NotNil(t, out.Error)
	assert.Equal(t, FailureScriptThrew, out.Error.Kind)
	assert.Equal(t, "ScriptThrew: nope", out.ErrorMessage())
}

func TestProcessRunnerChildEnforcesTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := testJob()
	job.Timeout = 150 * time.Millisecond

	out := run(t, newProcessRunner(t, "serve"), job, `package main
import "shaman"
func Run(c *shaman.Context) (any, error) {
	c.Log("spinning")
	for {
	}
}`)

	require.NotNil(t, out.Error)
	assert.Equal(t, FailureTimeout, out.Error.Kind)
	assert.Equal(t, []string{"spinning"}, out.Logs)
}

func TestProcessRunnerLeavesNothingRunningAfterTimeouts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := testJob()
	job.Timeout = 100 * time.Millisecond
	r := newProcessRunner(t, "serve")

	spinners := []string{
		`package main
import "shaman"
func Run(c *shaman.Context) (any, error) { n := 0; for { n++ } }`,
		`package main
import ("time"; "shaman")
func Run(c *shaman.Context) (any, error) { time.Sleep(time.Hour); return nil, nil }`,
		`package main
import "shaman"
func Run(c *shaman.Context) (any, error) { n := 0; for { n += 2 } }`,
	}
	for _, src := range spinners {
		started := time.Now()
		out := run(t, r, job, src)
		assert.Less(t, time.Since(started), 3*time.Second)
		require.NotNil(t, out.Error)
		assert.Equal(t, FailureTimeout, out.Error.Kind, out.ErrorMessage())
	}
}

func TestProcessRunnerKillsUnresponsiveChild(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := testJob()
	job.Timeout = 100 * time.Millisecond

	started := time.Now()
	out := run(t, newProcessRunner(t, "hang"), job, "ignored")

	assert.Less(t, time.Since(started), 3*time.Second)
	require.NotNil(t, out.Error)
	assert.Equal(t, FailureTimeout, out.Error.Kind)
	assert.Equal(t, []string{"about to hang"}, out.Logs, "logs streamed before the kill are kept")
}

func TestProcessRunnerChildCrash(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	out := run(t, newProcessRunner(t, "crash"), testJob(), "ignored")

	require.NotNil(t, out.Error)
	assert.Equal(t, FailureScriptThrew, out.Error.Kind)
	assert.True(t, strings.Contains(out.ErrorMessage(), "without an outcome"), out.ErrorMessage())
}

func TestProcessRunnerScrubsEnvironment(t *testing.T) {
	t.Setenv("SHAMAN_SECRET_FOR_TEST", "leak")

	r := newProcessRunner(t, "serve")
	assert.Equal(t, []string{childModeEnv + "=serve"}, r.env)

	_, err := NewProcessRunner(ProcessDeps{})
	assert.Error(t, err)
}

func TestServeChildProtocol(t *testing.T) {
	req, err := json.Marshal(Request{Job: testJob(), Source: `package main
import "shaman"
func Run(c *shaman.Context) (any, error) { c.Log("a"); c.Log("b"); return 1, nil }`})
	require.NoError(t, err)

	var stdout strings.Builder
	require.NoError(t, ServeChild(context.Background(), strings.NewReader(string(req)), &stdout, newTestRunner()))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"log":"a"}`, lines[0])
	assert.JSONEq(t, `{"log":"b"}`, lines[1])

	var last frame
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	require.NotNil(t, last.Outcome)
	assert.True(t, last.Outcome.Success)
	assert.Equal(t, "1", string(last.Outcome.Result))
}
