// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Interstation-Research/shaman/internal/app"
	"github.com/Interstation-Research/shaman/internal/config"
	"github.com/Interstation-Research/shaman/internal/logging"
	"github.com/Interstation-Research/shaman/internal/tracing"
	httptransport "github.com/Interstation-Research/shaman/internal/transport/http"
	"github.com/Interstation-Research/shaman/internal/transport/middleware"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "shaman-api")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:  "shaman-api",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		log.Fatalf("tracing setup failed: %v", err)
	}

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("runtime setup failed: %v", err)
	}
	defer rt.Close()

	var verifier *middleware.TokenVerifier
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		verifier, err = middleware.NewTokenVerifier(cfg.JWTSecret)
		if err != nil {
			log.Fatalf("jwt verifier: %v", err)
		}
	} else {
		logger.Warn("JWT_SECRET is empty; write endpoints will reject every request")
	}

	var limiter middleware.Limiter = middleware.NewLocalLimiter()
	if rt.Redis != nil {
		limiter = middleware.NewRedisLimiter(rt.Redis)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Scripts:         rt.Service,
		Shamans:         rt.Service,
		Logs:            rt.Service,
		Market:          rt.Service,
		Admin:           rt.Service,
		Health:          rt.Health,
		Logger:          logger,
		Verifier:        verifier,
		Limiter:         limiter,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AdminToken:      cfg.AdminToken,
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"unit_cost", rt.Service.UnitCost(),
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	// script runs can take up to SCRIPT_TIMEOUT; let in-flight triggers finish
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Worker.ScriptTimeout.Duration+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
}
