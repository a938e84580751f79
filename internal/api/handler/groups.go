package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/bubblemon/internal/api/middleware"
	"github.com/kiranshivaraju/bubblemon/internal/api/response"
	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

const (
	detailStatDays    = 30
	detailSampleLimit = 20
)

// NewListGroupsHandler returns the handler for GET /api/v1/groups.
func NewListGroupsHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID, ok := mw.GetAppID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing app", nil)
			return
		}

		filter, err := parseGroupFilter(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		filter.AppID = appID
		filter = filter.Normalize()

		groups, total, err := s.ListGroups(r.Context(), filter)
		if err != nil {
			slog.Error("listing groups", "app_id", appID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list groups", nil)
			return
		}
		if groups == nil {
			groups = []*models.Group{}
		}

		response.Collection(w, groups, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

func parseGroupFilter(r *http.Request) (store.GroupFilter, error) {
	q := r.URL.Query()
	f := store.GroupFilter{
		Level:       q.Get("level"),
		Environment: q.Get("environment"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be a valid RFC3339 timestamp")
		}
		f.Since = t
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("page must be a positive integer")
		}
		f.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

type sampleDetail struct {
	*models.Sample
	Breadcrumbs []*models.Breadcrumb `json:"breadcrumbs"`
}

type groupDetail struct {
	*models.Group
	DailyStats []*models.DailyStat `json:"daily_stats"`
	Samples    []sampleDetail      `json:"samples"`
}

// NewGetGroupHandler returns the handler for GET /api/v1/groups/{groupID}.
func NewGetGroupHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID, ok := mw.GetAppID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing app", nil)
			return
		}

		groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "groupID must be a UUID", nil)
			return
		}

		group, err := s.GetGroup(r.Context(), groupID, appID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Group not found", nil)
			return
		}
		if err != nil {
			slog.Error("getting group", "group_id", groupID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load group", nil)
			return
		}

		stats, err := s.ListDailyStats(r.Context(), groupID, detailStatDays)
		if err != nil {
			slog.Error("listing daily stats", "group_id", groupID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load group", nil)
			return
		}

		samples, err := s.ListSamples(r.Context(), groupID, detailSampleLimit)
		if err != nil {
			slog.Error("listing samples", "group_id", groupID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load group", nil)
			return
		}

		detail := groupDetail{
			Group:      group,
			DailyStats: stats,
			Samples:    make([]sampleDetail, 0, len(samples)),
		}
		if detail.DailyStats == nil {
			detail.DailyStats = []*models.DailyStat{}
		}
		for _, sm := range samples {
			crumbs, err := s.ListBreadcrumbs(r.Context(), sm.ID)
			if err != nil {
				slog.Warn("listing breadcrumbs", "sample_id", sm.ID, "error", err)
			}
			if crumbs == nil {
				crumbs = []*models.Breadcrumb{}
			}
			detail.Samples = append(detail.Samples, sampleDetail{Sample: sm, Breadcrumbs: crumbs})
		}

		response.JSON(w, detail)
	}
}
