package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	mw "github.com/kiranshivaraju/bubblemon/internal/api/middleware"
	"github.com/kiranshivaraju/bubblemon/internal/api/response"
	"github.com/kiranshivaraju/bubblemon/internal/ingest"
	"github.com/kiranshivaraju/bubblemon/internal/metrics"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

// BatchProcessor defines the interface the ingest handler depends on.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, app *models.App, batch *ingest.Batch) ingest.Summary
}

// NewIngestHandler returns the handler for POST /v1/bubbles. It must run
// behind SignatureAuth, which supplies the app and the verified body.
//
// Once the envelope decodes, the response is 200 "OK" whatever happens to
// individual occurrences.
func NewIngestHandler(p BatchProcessor, maxBatch int, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, ok := mw.GetApp(r)
		body, hasBody := mw.GetRawBody(r)
		if !ok || !hasBody {
			response.Error(w, http.StatusUnauthorized, "MISSING_SIGNATURE", "Request is not signed", nil)
			return
		}

		batch, err := ingest.Decode(body, maxBatch)
		if err != nil {
			m.IngestBatches.WithLabelValues("rejected").Inc()
			msg := "Invalid payload"
			if errors.Is(err, ingest.ErrInvalidPayload) {
				msg = err.Error()
			}
			response.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", msg, nil)
			return
		}

		// A client hanging up must not abandon the rest of the batch.
		sum := p.ProcessBatch(context.WithoutCancel(r.Context()), app, batch)
		m.IngestBatches.WithLabelValues("accepted").Inc()

		slog.Info("batch processed",
			"app_id", app.ID,
			"version", batch.Version,
			"occurrences", sum.Occurrences,
			"failed", sum.Failed,
			"groups_created", sum.GroupsCreated,
			"samples_retained", sum.SamplesRetained,
		)

		response.Text(w, http.StatusOK, "OK")
	}
}
