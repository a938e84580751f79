package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

type contextKey string

const (
	appKey          contextKey = "app"
	rawBodyKey      contextKey = "raw_body"
	appIDKey        contextKey = "app_id"
	rateLimitKeyKey contextKey = "rate_limit_key"
)

// SetApp stores the app resolved by signature auth.
func SetApp(ctx context.Context, app *models.App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

func GetApp(r *http.Request) (*models.App, bool) {
	app, ok := r.Context().Value(appKey).(*models.App)
	return app, ok && app != nil
}

// SetRawBody stores the verified request body. Handlers behind SignatureAuth
// must read the body from here, not from r.Body.
func SetRawBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, rawBodyKey, body)
}

func GetRawBody(r *http.Request) ([]byte, bool) {
	body, ok := r.Context().Value(rawBodyKey).([]byte)
	return body, ok
}

// SetAppID stores the app a dashboard API key belongs to.
func SetAppID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, appIDKey, id)
}

func GetAppID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(appIDKey).(uuid.UUID)
	return id, ok
}

// SetRateLimitKey sets the counter RateLimit charges this request to.
func SetRateLimitKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, rateLimitKeyKey, key)
}

func getRateLimitKey(r *http.Request) (string, bool) {
	key, ok := r.Context().Value(rateLimitKeyKey).(string)
	return key, ok && key != ""
}
