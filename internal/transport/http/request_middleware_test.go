// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestRequestIDMiddlewareGeneratesAndPropagatesRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var gotRequestID string
	h := requestIDMiddleware()(requestLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := requestIDFromContext(r.Context())
		if !ok {
			t.Fatal("expected request_id in context")
		}
		gotRequestID = requestID
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	respRequestID := rec.Header().Get(headerRequestID)
	if respRequestID == "" {
		t.Fatal("expected X-Request-Id response header")
	}
	if gotRequestID != respRequestID {
		t.Fatalf("expected context request_id %q got %q", respRequestID, gotRequestID)
	}
}

func TestRequestIDMiddlewarePreservesIncomingRequestID(t *testing.T) {
	h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := requestIDFromContext(r.Context())
		if !ok {
			t.Fatal("expected request_id in context")
		}
		if requestID != "req-fixed-id" {
			t.Fatalf("expected request_id req-fixed-id got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-fixed-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if got := rec.Header().Get(headerRequestID); got != "req-fixed-id" {
		t.Fatalf("expected X-Request-Id req-fixed-id got %q", got)
	}
}

func TestRequestIDMiddlewareReplacesUnusableRequestID(t *testing.T) {
	cases := []string{
		strings.Repeat("a", maxRequestIDLength+1),
		"has space",
		"line\nbreak",
	}
	for _, incoming := range cases {
		h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(headerRequestID, incoming)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		got := rec.Header().Get(headerRequestID)
		if got == "" || got == incoming {
			t.Fatalf("expected %q to be replaced, got %q", incoming, got)
		}
	}
}

func TestRequestLoggingLevelsAndRouteAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/shamans/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})

	for _, path := range []string{"/healthz", "/shamans/0xabc"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 access lines got %d: %s", len(lines), buf.String())
	}

	var health, miss map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &health); err != nil {
		t.Fatalf("decode health line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &miss); err != nil {
		t.Fatalf("decode miss line: %v", err)
	}

	if health["level"] != "DEBUG" {
		t.Fatalf("expected health check at DEBUG got %v", health["level"])
	}
	if miss["level"] != "WARN" {
		t.Fatalf("expected 404 at WARN got %v", miss["level"])
	}
	if miss["route"] != "/shamans/{id}" {
		t.Fatalf("expected route pattern got %v", miss["route"])
	}
	if miss["shaman_id"] != "0xabc" {
		t.Fatalf("expected shaman_id attr got %v", miss["shaman_id"])
	}
	if miss["bytes"].(float64) == 0 {
		t.Fatal("expected body bytes to be counted")
	}
}

func TestTracingMiddlewareContinuesIncomingTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var got trace.SpanContext
	h := tracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = trace.SpanContextFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sale", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.TraceID().String() != traceID {
		t.Fatalf("expected trace %s got %s", traceID, got.TraceID())
	}
}
