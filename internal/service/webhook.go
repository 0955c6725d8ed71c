// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Interstation-Research/shaman/internal/metrics"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

// WebhookNotifier posts each TriggerEvent to a fixed URL, signed with
// HMAC-SHA256 over the body when a secret is set.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration
}

func NewWebhookNotifier(url, secret string, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: client,
		logger:     logger,
		retryBase:  webhookRetryBase,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev TriggerEvent) {
	if n == nil {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("webhook payload marshal failed",
			"shaman_id", ev.ShamanID,
			"log_id", ev.LogID,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(n.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			n.logger.Error("webhook request build failed",
				"shaman_id", ev.ShamanID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook failure",
				"shaman_id", ev.ShamanID,
				"log_id", ev.LogID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				metrics.IncWebhookDelivery("success")
				n.logger.Info("webhook success",
					"shaman_id", ev.ShamanID,
					"log_id", ev.LogID,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			n.logger.Warn("webhook failure",
				"shaman_id", ev.ShamanID,
				"log_id", ev.LogID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := n.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				metrics.IncWebhookDelivery("canceled")
				n.logger.Warn("webhook canceled before retry",
					"shaman_id", ev.ShamanID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		metrics.IncWebhookDelivery("failed")
		n.logger.Error("webhook retries exhausted",
			"shaman_id", ev.ShamanID,
			"log_id", ev.LogID,
			"error", lastErr,
		)
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
