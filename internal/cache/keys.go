package cache

import (
	"fmt"
)

// RateLimitKey is the per-minute request counter for an ingest app key.
func RateLimitKey(appKey string) string {
	return fmt.Sprintf("ratelimit:ingest:%s", appKey)
}

// DashboardRateLimitKey is the per-minute request counter for a dashboard API key prefix.
func DashboardRateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:dashboard:%s", keyPrefix)
}
