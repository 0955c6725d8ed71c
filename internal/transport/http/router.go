// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Interstation-Research/shaman/internal/auth"
	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/metrics"
	"github.com/Interstation-Research/shaman/internal/transport/middleware"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	maxBodyBytes    = 1 << 20
	ssePollInterval = 500 * time.Millisecond
)

type putScriptRequest struct {
	Prompt   string `json:"prompt"`
	Code     string `json:"code"`
	ShamanID string `json:"shaman_id"`
}

type createShamanRequest struct {
	InitialDeposit uint64 `json:"initial_deposit"`
	MetadataRef    string `json:"metadata_ref"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type metadataRequest struct {
	MetadataRef string `json:"metadata_ref"`
}

type purchaseRequest struct {
	Buyer     domain.Address `json:"buyer"`
	Quantity  uint64         `json:"quantity"`
	PaidWei   string         `json:"paid_wei"`
	PaymentTx string         `json:"payment_tx"`
}

type roleRequest struct {
	Address domain.Address `json:"address"`
	Role    domain.Role    `json:"role"`
}

type refundRequest struct {
	ShamanID domain.ID `json:"shaman_id"`
	Amount   uint64    `json:"amount"`
}

type Deps struct {
	Scripts  ScriptStore
	Shamans  ShamanManager
	Logs     LogStreamer
	Market   Market
	Admin    Administrator
	Health   HealthChecker
	Logger   *slog.Logger
	Verifier *middleware.TokenVerifier

	// Limiter is optional; RateLimitPerMin <= 0 disables limiting.
	Limiter         middleware.Limiter
	RateLimitPerMin int

	AdminToken string
	Version    string
	Commit     string
	BuildDate  string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(tracingMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	health := func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
	r.Get("/healthz", health)
	r.Get("/health", health)

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- ROLES (ADMIN) ----------------

	if deps.Admin != nil {
		r.With(middleware.AdminTokenAuth(deps.AdminToken, logger)).Post("/admin/roles", func(w http.ResponseWriter, r *http.Request) {
			var req roleRequest
			if err := decodeJSON(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if err := deps.Admin.SetRole(r.Context(), req.Address, req.Role); err != nil {
				writeError(w, logger, "set role", err, "address", req.Address)
				return
			}

			logger.Info("role granted", "address", req.Address, "role", req.Role)
			writeJSON(w, http.StatusOK, map[string]string{
				"address": req.Address.String(),
				"role":    string(req.Role),
			})
		})
	}

	// ---------------- API (BEARER AUTH) ----------------

	r.Group(func(r chi.Router) {
		if deps.Verifier != nil {
			r.Use(middleware.JWTAuth(deps.Verifier, logger))
		}
		if deps.Limiter != nil && deps.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(deps.Limiter, deps.RateLimitPerMin, logger))
		}
		r.Use(func(next http.Handler) http.Handler {
			return http.MaxBytesHandler(next, maxBodyBytes)
		})

		// ---------------- SCRIPTS ----------------

		r.Post("/scripts", func(w http.ResponseWriter, r *http.Request) {
			var req putScriptRequest
			if err := decodeJSON(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			ref, meta, err := deps.Scripts.PutScript(r.Context(), req.Prompt, req.Code, strings.TrimSpace(req.ShamanID))
			if err != nil {
				writeError(w, logger, "put script", err)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"ref":      ref,
				"metadata": meta,
			})
		})

		r.Get("/blobs/{ref}", func(w http.ResponseWriter, r *http.Request) {
			ref := chi.URLParam(r, "ref")
			raw, err := deps.Scripts.GetBlob(r.Context(), ref)
			if err != nil {
				writeError(w, logger, "get blob", err, "ref", ref)
				return
			}

			contentType := "application/octet-stream"
			if json.Valid(raw) {
				contentType = "application/json"
			}
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(raw)
		})

		// ---------------- SHAMANS ----------------

		r.Post("/shamans", func(w http.ResponseWriter, r *http.Request) {
			caller, ok := requireCaller(w, r)
			if !ok {
				return
			}

			var req createShamanRequest
			if err := decodeJSON(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			shaman, err := deps.Shamans.CreateShaman(r.Context(), caller, req.InitialDeposit, strings.TrimSpace(req.MetadataRef))
			if err != nil {
				writeError(w, logger, "create shaman", err, "creator", caller)
				return
			}

			logger.Info("shaman created via API", "shaman_id", shaman.ID, "creator", caller)
			writeJSON(w, http.StatusCreated, shaman)
		})

		r.Get("/shamans", func(w http.ResponseWriter, r *http.Request) {
			filter, err := parseShamanFilter(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			shamans, err := deps.Shamans.ListShamans(r.Context(), filter)
			if err != nil {
				writeError(w, logger, "list shamans", err)
				return
			}
			if shamans == nil {
				shamans = []domain.Shaman{}
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"shamans": shamans,
			})
		})

		r.Get("/shamans/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := shamanIDParam(w, r)
			if !ok {
				return
			}

			shaman, err := deps.Shamans.GetShaman(r.Context(), id)
			if err != nil {
				writeError(w, logger, "get shaman", err, "shaman_id", id)
				return
			}

			writeJSON(w, http.StatusOK, shaman)
		})

		// ---------------- TRIGGER ----------------

		r.Post("/shamans/{id}/trigger", func(w http.ResponseWriter, r *http.Request) {
			id, ok := shamanIDParam(w, r)
			if !ok {
				return
			}

			res, err := deps.Shamans.Trigger(r.Context(), id)
			if err != nil {
				writeError(w, logger, "trigger shaman", err, "shaman_id", id)
				return
			}

			// A failed script is still a recorded, paid execution.
			writeJSON(w, http.StatusOK, res)
		})

		// ---------------- BALANCE ----------------

		r.Post("/shamans/{id}/deposit", func(w http.ResponseWriter, r *http.Request) {
			id, caller, req, ok := balanceRequest(w, r)
			if !ok {
				return
			}

			change, err := deps.Shamans.AddBalance(r.Context(), caller, id, req.Amount)
			if err != nil {
				writeError(w, logger, "deposit", err, "shaman_id", id)
				return
			}

			writeJSON(w, http.StatusOK, change)
		})

		r.Post("/shamans/{id}/withdraw", func(w http.ResponseWriter, r *http.Request) {
			id, caller, req, ok := balanceRequest(w, r)
			if !ok {
				return
			}

			change, err := deps.Shamans.WithdrawBalance(r.Context(), caller, id, req.Amount)
			if err != nil {
				writeError(w, logger, "withdraw", err, "shaman_id", id)
				return
			}

			writeJSON(w, http.StatusOK, change)
		})

		// ---------------- LIFECYCLE ----------------

		r.Put("/shamans/{id}/metadata", func(w http.ResponseWriter, r *http.Request) {
			id, ok := shamanIDParam(w, r)
			if !ok {
				return
			}
			caller, ok := requireCaller(w, r)
			if !ok {
				return
			}

			var req metadataRequest
			if err := decodeJSON(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			ref := strings.TrimSpace(req.MetadataRef)
			if err := deps.Shamans.UpdateMetadata(r.Context(), caller, id, ref); err != nil {
				writeError(w, logger, "update metadata", err, "shaman_id", id)
				return
			}

			writeJSON(w, http.StatusOK, map[string]string{
				"id":           id.String(),
				"metadata_ref": ref,
			})
		})

		r.Post("/shamans/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			id, ok := shamanIDParam(w, r)
			if !ok {
				return
			}
			caller, ok := requireCaller(w, r)
			if !ok {
				return
			}

			shaman, err := deps.Shamans.CancelShaman(r.Context(), caller, id)
			if err != nil {
				writeError(w, logger, "cancel shaman", err, "shaman_id", id)
				return
			}

			logger.Info("shaman canceled via API", "shaman_id", id, "caller", caller)
			writeJSON(w, http.StatusOK, shaman)
		})

		// ---------------- LOGS ----------------

		r.Get("/shamans/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
			id, ok := shamanIDParam(w, r)
			if !ok {
				return
			}
			limit, err := parseLimit(r.URL.Query().Get("limit"))
			if err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}

			logs, err := deps.Logs.GetLogs(r.Context(), id, limit)
			if err != nil {
				writeError(w, logger, "get logs", err, "shaman_id", id)
				return
			}
			if logs == nil {
				logs = []domain.LogEntry{}
			}

			writeJSON(w, http.StatusOK, struct {
				ShamanID domain.ID         `json:"shaman_id"`
				Logs     []domain.LogEntry `json:"logs"`
			}{
				ShamanID: id,
				Logs:     logs,
			})
		})

		// ---------------- STREAM LOGS (SSE) ----------------

		r.Get("/shamans/{id}/logs/stream", func(w http.ResponseWriter, r *http.Request) {
			id, ok := shamanIDParam(w, r)
			if !ok {
				return
			}

			since := strings.TrimSpace(r.URL.Query().Get("since_seq"))
			if since == "" {
				since = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
			}
			cursor, err := parseSinceSeq(since)
			if err != nil {
				http.Error(w, "invalid since_seq", http.StatusBadRequest)
				return
			}

			if _, err := deps.Shamans.GetShaman(r.Context(), id); err != nil {
				writeError(w, logger, "stream logs", err, "shaman_id", id)
				return
			}

			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			writeLogs := func() error {
				entries, err := deps.Logs.ListLogsAfter(r.Context(), id, cursor)
				if err != nil {
					return err
				}

				for _, entry := range entries {
					payload, err := json.Marshal(entry)
					if err != nil {
						return err
					}
					if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", entry.Seq, payload); err != nil {
						return err
					}
					flusher.Flush()
					cursor = entry.Seq
				}

				return nil
			}

			if err := writeLogs(); err != nil {
				logger.Error("sse initial write failed", "shaman_id", id, "error", err)
				return
			}

			ticker := time.NewTicker(ssePollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					if err := writeLogs(); err != nil {
						if r.Context().Err() == nil {
							logger.Error("sse write failed", "shaman_id", id, "error", err)
						}
						return
					}
				}
			}
		})

		// ---------------- ACCOUNTS & SALE ----------------

		r.Get("/accounts/{address}", func(w http.ResponseWriter, r *http.Request) {
			addr, err := domain.ParseAddress(chi.URLParam(r, "address"))
			if err != nil {
				http.Error(w, "invalid address", http.StatusBadRequest)
				return
			}

			acc, err := deps.Market.GetAccount(r.Context(), addr)
			if err != nil {
				writeError(w, logger, "get account", err, "address", addr)
				return
			}

			writeJSON(w, http.StatusOK, acc)
		})

		r.Get("/sale", func(w http.ResponseWriter, r *http.Request) {
			state, err := deps.Market.SaleState(r.Context())
			if err != nil {
				writeError(w, logger, "get sale state", err)
				return
			}

			writeJSON(w, http.StatusOK, state)
		})

		r.Get("/price", func(w http.ResponseWriter, r *http.Request) {
			quantity, err := strconv.ParseUint(strings.TrimSpace(r.URL.Query().Get("quantity")), 10, 64)
			if err != nil || quantity == 0 {
				http.Error(w, "invalid quantity", http.StatusBadRequest)
				return
			}

			quote, err := deps.Market.GetPrice(r.Context(), quantity)
			if err != nil {
				writeError(w, logger, "get price", err, "quantity", quantity)
				return
			}

			writeJSON(w, http.StatusOK, quote)
		})

		// An operator records a purchase once it has seen the buyer's payment
		// on chain; the caller is checked for the operator role.
		r.Post("/purchase", func(w http.ResponseWriter, r *http.Request) {
			caller, ok := requireCaller(w, r)
			if !ok {
				return
			}

			var req purchaseRequest
			if err := decodeJSON(r, &req); err != nil || req.Buyer.IsZero() {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			paid, ok := new(big.Int).SetString(strings.TrimSpace(req.PaidWei), 10)
			if !ok || paid.Sign() < 0 {
				http.Error(w, "invalid paid_wei", http.StatusBadRequest)
				return
			}

			res, err := deps.Market.Purchase(r.Context(), caller, req.Buyer, req.Quantity, paid)
			if err != nil {
				writeError(w, logger, "purchase", err, "buyer", req.Buyer, "operator", caller, "quantity", req.Quantity)
				return
			}

			logger.Info("tokens purchased via API",
				"buyer", req.Buyer,
				"operator", caller,
				"quantity", req.Quantity,
				"price_wei", res.PriceWei,
				"payment_tx", req.PaymentTx,
			)
			writeJSON(w, http.StatusOK, res)
		})

		// ---------------- REFUNDS (OPERATOR) ----------------

		if deps.Admin != nil {
			r.Post("/admin/refunds", func(w http.ResponseWriter, r *http.Request) {
				caller, ok := requireCaller(w, r)
				if !ok {
					return
				}

				var req refundRequest
				if err := decodeJSON(r, &req); err != nil || req.ShamanID.IsZero() {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				change, err := deps.Admin.Refund(r.Context(), caller, req.ShamanID, req.Amount)
				if err != nil {
					writeError(w, logger, "refund", err, "shaman_id", req.ShamanID, "operator", caller)
					return
				}

				logger.Info("refund issued via API", "shaman_id", req.ShamanID, "operator", caller, "amount", req.Amount)
				writeJSON(w, http.StatusOK, change)
			})
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors onto HTTP statuses. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrScriptUnavailable):
		return http.StatusFailedDependency
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidMetadata),
		errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrWriteConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSaleSupplyExceeded), errors.Is(err, domain.ErrUnderpaid):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error, attrs ...any) {
	status := statusFor(err)
	attrs = append(attrs, "error", err)

	switch status {
	case http.StatusInternalServerError:
		logger.Error(op+" failed", attrs...)
		http.Error(w, "failed to "+op, status)
	case http.StatusServiceUnavailable:
		logger.Warn(op+" unavailable", attrs...)
		if w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, domain.ErrUnavailable.Error(), status)
	default:
		logger.Debug(op+" rejected", attrs...)
		http.Error(w, err.Error(), status)
	}
}

func requireCaller(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	addr, ok := auth.AddressFromContext(r.Context())
	if !ok {
		http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
		return domain.Address{}, false
	}
	return addr, true
}

func shamanIDParam(w http.ResponseWriter, r *http.Request) (domain.ID, bool) {
	id, err := domain.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid shaman ID", http.StatusBadRequest)
		return domain.ID{}, false
	}
	return id, true
}

func balanceRequest(w http.ResponseWriter, r *http.Request) (domain.ID, domain.Address, amountRequest, bool) {
	id, ok := shamanIDParam(w, r)
	if !ok {
		return domain.ID{}, domain.Address{}, amountRequest{}, false
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return domain.ID{}, domain.Address{}, amountRequest{}, false
	}

	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return domain.ID{}, domain.Address{}, amountRequest{}, false
	}
	return id, caller, req, true
}

var errEmptyBody = errors.New("request body is empty")

// decodeJSON reads exactly one JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

func parseShamanFilter(r *http.Request) (domain.ShamanFilter, error) {
	q := r.URL.Query()
	var filter domain.ShamanFilter

	if creator := strings.TrimSpace(q.Get("creator")); creator != "" {
		addr, err := domain.ParseAddress(creator)
		if err != nil {
			return domain.ShamanFilter{}, errors.New("invalid creator")
		}
		filter.Creator = addr
	}
	if active := strings.TrimSpace(q.Get("active")); active != "" {
		v, err := strconv.ParseBool(active)
		if err != nil {
			return domain.ShamanFilter{}, errors.New("invalid active")
		}
		filter.ActiveOnly = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := parseLimit(raw)
		if err != nil {
			return domain.ShamanFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLogLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(limit, maxLogLimit), nil
}

func parseSinceSeq(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.New("invalid since_seq")
	}
	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
