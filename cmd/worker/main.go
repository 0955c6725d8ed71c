// SPDX-License-Identifier: Apache-2.0

// Command worker runs exactly one script. The api spawns it per trigger in
// WORKER_MODE=process: the request arrives on stdin, log and outcome frames
// leave on stdout, and diagnostics go to stderr.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Interstation-Research/shaman/internal/logging"
	"github.com/Interstation-Research/shaman/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(os.Stderr, os.Getenv("ENV"), "shaman-worker")

	runner := worker.NewInterpreterRunner(worker.InterpreterDeps{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})

	if err := worker.ServeChild(ctx, os.Stdin, os.Stdout, runner); err != nil {
		logger.Error("worker run failed", "error", err)
		os.Exit(1)
	}
}
