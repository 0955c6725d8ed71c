// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultKillGrace = 500 * time.Millisecond
	maxFrameBytes    = 4 << 20
)

// Request is what the parent writes to the child's stdin.
type Request struct {
	Job    Job    `json:"job"`
	Source string `json:"source"`
}

// frame is one NDJSON line on the child's stdout.
type frame struct {
	Log     *string  `json:"log,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

type ProcessDeps struct {
	Binary string
	Args   []string
	// Env is the complete child environment; nothing is inherited.
	Env       []string
	Logger    *slog.Logger
	KillGrace time.Duration
}

// ProcessRunner runs every script in a fresh cmd/worker process and kills
// it when the deadline passes.
type ProcessRunner struct {
	binary string
	args   []string
	env    []string
	logger *slog.Logger
	grace  time.Duration
	tracer trace.Tracer
}

func NewProcessRunner(deps ProcessDeps) (*ProcessRunner, error) {
	if strings.TrimSpace(deps.Binary) == "" {
		return nil, errors.New("worker binary is required in process mode")
	}
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	grace := deps.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}

	return &ProcessRunner{
		binary: deps.Binary,
		args:   append([]string(nil), deps.Args...),
		env:    append([]string{}, deps.Env...),
		logger: l,
		grace:  grace,
		tracer: otel.Tracer("github.com/Interstation-Research/shaman/internal/worker"),
	}, nil
}

func (r *ProcessRunner) Execute(ctx context.Context, job Job, source string) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("shaman.id", job.ShamanID.String()),
		attribute.String("worker.mode", "process"),
	))
	defer span.End()

	payload, err := json.Marshal(Request{Job: job, Source: source})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode worker request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.timeout()+r.grace)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binary, r.args...)
	cmd.Env = r.env
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = &lineLogger{logger: r.logger, shamanID: job.ShamanID.String()}
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("worker stdout: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start worker: %w", err)
	}

	final, logs := r.readFrames(stdout, job)
	waitErr := cmd.Wait()

	var out Outcome
	switch {
	case final != nil:
		out = *final
		if out.Logs == nil {
			out.Logs = logs
		}
	case runCtx.Err() != nil:
		out = failed(FailureTimeout, "script did not finish within %s", job.timeout())
		out.Logs = logs
	default:
		out = failed(FailureScriptThrew, "worker exited without an outcome: %v", waitErr)
		out.Logs = logs
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	if out.Result == nil {
		out.Result = json.RawMessage("null")
	}

	span.SetAttributes(attribute.Bool("worker.success", out.Success))
	r.logger.Info("script executed",
		"shaman_id", job.ShamanID,
		"success", out.Success,
		"failure", failureKind(out),
		"pid", cmd.Process.Pid,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return out, nil
}

func (r *ProcessRunner) readFrames(stdout io.Reader, job Job) (*Outcome, []string) {
	var (
		final *Outcome
		logs  = []string{}
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			r.logger.Warn("worker frame decode failed", "shaman_id", job.ShamanID, "error", err)
			continue
		}
		if f.Log != nil {
			logs = append(logs, *f.Log)
			if job.OnLog != nil {
				job.OnLog(*f.Log)
			}
		}
		if f.Outcome != nil {
			final = f.Outcome
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("worker stdout read failed", "shaman_id", job.ShamanID, "error", err)
		// drain so the child is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	return final, logs
}

// ServeChild is the worker-process side: read one Request from in, run it,
// stream frames to out.
func ServeChild(ctx context.Context, in io.Reader, out io.Writer, runner Runner) error {
	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode worker request: %w", err)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	emit := func(f frame) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(f)
	}

	job := req.Job
	job.OnLog = func(line string) { emit(frame{Log: &line}) }

	outcome, err := runner.Execute(ctx, job, req.Source)
	if err != nil {
		return err
	}
	emit(frame{Outcome: &outcome})
	return nil
}

// lineLogger forwards child stderr into the parent's log.
type lineLogger struct {
	logger   *slog.Logger
	shamanID string
	buf      []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.buf[:i])); line != "" {
			l.logger.Debug("worker stderr", "shaman_id", l.shamanID, "line", line)
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxFrameBytes {
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
