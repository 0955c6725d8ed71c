// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/worker/capability"
)

type InterpreterDeps struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// InterpreterRunner evaluates scripts in-process. Each call gets a fresh
// interpreter and capability context. The caller gets Timeout at the
// deadline, but a script that never yields (a bare busy loop) keeps its
// goroutine until the process exits. Deployments use ProcessRunner, which
// kills the child; this runner serves tests, the child itself and dev.
type InterpreterRunner struct {
	logger *slog.Logger
	client *http.Client
	tracer trace.Tracer
}

func NewInterpreterRunner(deps InterpreterDeps) *InterpreterRunner {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &InterpreterRunner{
		logger: l,
		client: client,
		tracer: otel.Tracer("github.com/Interstation-Research/shaman/internal/worker"),
	}
}

func (r *InterpreterRunner) Execute(ctx context.Context, job Job, source string) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("shaman.id", job.ShamanID.String()),
		attribute.String("worker.mode", "inprocess"),
	))
	defer span.End()

	started := time.Now()
	out := r.execute(ctx, job, source)
	if out.Logs == nil {
		out.Logs = []string{}
	}

	span.SetAttributes(attribute.Bool("worker.success", out.Success))
	if out.Error != nil {
		span.SetAttributes(attribute.String("worker.failure", string(out.Error.Kind)))
	}
	r.logger.Info("script executed",
		"shaman_id", job.ShamanID,
		"success", out.Success,
		"failure", failureKind(out),
		"log_lines", len(out.Logs),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return out, nil
}

func (r *InterpreterRunner) execute(ctx context.Context, job Job, source string) Outcome {
	src, err := PrepareSource(source)
	if err != nil {
		return failed(FailureInvalidFormat, "%v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.timeout())
	defer cancel()

	c := capability.New(runCtx, capability.Options{
		Owner:         job.Owner.String(),
		ChainID:       job.ChainID,
		RPCURL:        job.RPCURL,
		WalletAddress: job.WalletAddress,
		HTTPClient:    r.client,
		OnLog:         job.OnLog,
	})

	done := make(chan Outcome, 1)
	go func() {
		done <- evaluate(src, c)
	}()

	var out Outcome
	select {
	case out = <-done:
		// a capability call cut off by the deadline surfaces as a network
		// error; the deadline is what actually ended the run
		if !out.Success && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out = failed(FailureTimeout, "script did not finish within %s", job.timeout())
		}
	case <-runCtx.Done():
		out = failed(FailureTimeout, "script did not finish within %s", job.timeout())
	}

	out.Logs = c.Logs()
	out.TxHash = c.TxHash()
	return out
}

// evaluate compiles and runs src. It never panics.
func evaluate(src string, c *capability.Context) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = classifyPanic(p)
		}
	}()

	i := interp.New(interp.Options{
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
		Env:    []string{},
	})
	if err := i.Use(sandboxSymbols); err != nil {
		return failed(FailureInvalidFormat, "load sandbox: %v", err)
	}
	if err := i.Use(capability.Symbols); err != nil {
		return failed(FailureInvalidFormat, "load capabilities: %v", err)
	}

	if _, err := i.Eval(src); err != nil {
		return failed(FailureInvalidFormat, "%v", err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return failed(FailureInvalidFormat, "%v", err)
	}

	result, ok, runErr := call(v, c)
	if !ok {
		return failed(FailureInvalidFormat, "Run has the wrong signature")
	}
	if runErr != nil {
		return classifyScriptError(runErr)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return failed(FailureNonSerializable, "%v", err)
	}
	if err := domain.CheckSafeNumbers(raw); err != nil {
		return failed(FailureNonSerializable, "%v", err)
	}
	return Outcome{Success: true, Result: raw}
}

// call invokes Run. ok is false when v is not callable as Run.
func call(v reflect.Value, c *capability.Context) (any, bool, error) {
	if fn, ok := v.Interface().(func(*capability.Context) (any, error)); ok {
		res, err := fn(c)
		return res, true, err
	}

	if v.Kind() != reflect.Func || v.Type().NumIn() != 1 || v.Type().NumOut() != 2 {
		return nil, false, nil
	}
	outs := v.Call([]reflect.Value{reflect.ValueOf(c)})

	var err error
	if e := outs[1].Interface(); e != nil {
		var ok bool
		if err, ok = e.(error); !ok {
			err = errors.New("Run returned a non-error second value")
		}
	}
	return outs[0].Interface(), true, err
}

func failureKind(o Outcome) string {
	if o.Error == nil {
		return ""
	}
	return string(o.Error.Kind)
}
