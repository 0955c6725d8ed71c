// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Interstation-Research/shaman/internal/auth"
	"github.com/Interstation-Research/shaman/internal/domain"
)

const healthzPath = "/healthz"
const healthPath = "/health"
const metricsPath = "/metrics"
const versionPath = "/version"

const tokenIssuer = "shaman"

var errEmptySecret = errors.New("jwt secret is empty")

func isPublicPath(path string) bool {
	return path == healthzPath || path == healthPath || path == metricsPath || path == versionPath
}

// TokenVerifier checks HS256 bearer tokens whose subject is an account
// address.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errEmptySecret
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now}, nil
}

func (v *TokenVerifier) Verify(token string) (auth.Caller, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return auth.Caller{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return auth.Caller{}, errors.New("invalid token")
	}

	addr, err := domain.ParseAddress(claims.Subject)
	if err != nil || addr.IsZero() {
		return auth.Caller{}, fmt.Errorf("token subject %q is not an address", claims.Subject)
	}
	return auth.Caller{Address: addr, TokenID: claims.ID}, nil
}

// IssueToken signs a token for addr valid for ttl.
func IssueToken(secret string, addr domain.Address, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   addr.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// JWTAuth enforces bearer-token authentication for all routes except
// /healthz, /health, /metrics and /version, and stores the caller on the
// request context.
func JWTAuth(verifier *TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if verifier == nil {
		panic("middleware.JWTAuth requires a verifier")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Warn("request blocked by auth middleware",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
				return
			}

			caller, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("request blocked by token validation",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
				return
			}

			// Preserve authenticated context on the current request pointer so
			// outer middleware (request logging) can read the caller after next returns.
			*r = *r.WithContext(auth.WithCaller(r.Context(), caller))
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	schemeToken := strings.SplitN(header, " ", 2)
	if len(schemeToken) != 2 {
		return "", false
	}
	if !strings.EqualFold(schemeToken[0], "Bearer") {
		return "", false
	}
	if schemeToken[1] == "" {
		return "", false
	}
	return schemeToken[1], true
}
