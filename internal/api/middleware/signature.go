package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/bubblemon/internal/api/response"
	"github.com/kiranshivaraju/bubblemon/internal/cache"
	"github.com/kiranshivaraju/bubblemon/internal/signature"
	"github.com/kiranshivaraju/bubblemon/internal/store"
)

const (
	KeyHeader       = "X-BM-Key"
	SignatureHeader = "X-BM-Signature"

	defaultMaxBodyBytes = 1 << 20
)

// SignatureAuth verifies X-BM-Signature as the HMAC-SHA256 of the raw body
// under the secret of the app named by X-BM-Key.
type SignatureAuth struct {
	store        store.Store
	maxBodyBytes int64
}

func NewSignatureAuth(s store.Store, maxBodyBytes int64) *SignatureAuth {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &SignatureAuth{store: s, maxBodyBytes: maxBodyBytes}
}

// Verify rejects the request with 401 unless the signature checks out. On
// success the app and the raw body are placed in the request context.
//
// Missing headers are rejected before any store access. Unknown keys and
// bad signatures get the same response; only the log line differs.
func (a *SignatureAuth) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		publicKey := r.Header.Get(KeyHeader)
		claimed := r.Header.Get(SignatureHeader)
		if publicKey == "" || claimed == "" {
			response.Error(w, http.StatusUnauthorized,
				"MISSING_SIGNATURE", "Missing X-BM-Key or X-BM-Signature header", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge,
					"INVALID_PAYLOAD", "Request body too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Failed to read request body", nil)
			return
		}

		app, err := a.store.GetAppByPublicKey(r.Context(), publicKey)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("signature rejected: unknown app key", "key", publicKey, "remote_addr", r.RemoteAddr)
			invalidSignature(w)
			return
		}
		if err != nil {
			slog.Error("app lookup failed", "key", publicKey, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate signature", nil)
			return
		}

		if err := signature.Verify([]byte(app.Secret), body, claimed); err != nil {
			slog.Warn("signature rejected: mismatch", "app_id", app.ID, "remote_addr", r.RemoteAddr, "error", err)
			invalidSignature(w)
			return
		}

		ctx := SetApp(r.Context(), app)
		ctx = SetRawBody(ctx, body)
		ctx = SetRateLimitKey(ctx, cache.RateLimitKey(app.PublicKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func invalidSignature(w http.ResponseWriter) {
	response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid signature", nil)
}
