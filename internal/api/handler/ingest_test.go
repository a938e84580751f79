package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/bubblemon/internal/api/handler"
	mw "github.com/kiranshivaraju/bubblemon/internal/api/middleware"
	"github.com/kiranshivaraju/bubblemon/internal/enrich"
	"github.com/kiranshivaraju/bubblemon/internal/ingest"
	"github.com/kiranshivaraju/bubblemon/internal/metrics"
	"github.com/kiranshivaraju/bubblemon/internal/store/memstore"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

var ingestApp = &models.App{ID: uuid.New(), Name: "demo", PublicKey: "pk_handler", Secret: "s3cret"}

// recordingProcessor captures the batches the handler hands over.
type recordingProcessor struct {
	batches []*ingest.Batch
	ctxErr  error
}

func (p *recordingProcessor) ProcessBatch(ctx context.Context, _ *models.App, b *ingest.Batch) ingest.Summary {
	p.batches = append(p.batches, b)
	p.ctxErr = ctx.Err()
	return ingest.Summary{Occurrences: len(b.Occurrences)}
}

// verifiedRequest builds a request as SignatureAuth would leave it.
func verifiedRequest(ctx context.Context, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/bubbles", strings.NewReader(body))
	c := mw.SetApp(ctx, ingestApp)
	c = mw.SetRawBody(c, []byte(body))
	return req.WithContext(c)
}

func occurrences(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"fp":"fp-%d"}`, i)
	}
	return `{"version":2,"occurrences":[` + strings.Join(items, ",") + `]}`
}

func TestIngest_Accepted(t *testing.T) {
	p := &recordingProcessor{}
	m := metrics.New(prometheus.NewRegistry())

	w := httptest.NewRecorder()
	handler.NewIngestHandler(p, ingest.DefaultMaxBatch, m).ServeHTTP(w, verifiedRequest(context.Background(), occurrences(3)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	require.Len(t, p.batches, 1)
	assert.Equal(t, 2, p.batches[0].Version)
	assert.Len(t, p.batches[0].Occurrences, 3)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.IngestBatches.WithLabelValues("accepted")))
}

func TestIngest_MaxBatchAccepted(t *testing.T) {
	p := &recordingProcessor{}
	m := metrics.New(prometheus.NewRegistry())

	w := httptest.NewRecorder()
	handler.NewIngestHandler(p, ingest.DefaultMaxBatch, m).ServeHTTP(w, verifiedRequest(context.Background(), occurrences(50)))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, p.batches, 1)
	assert.Len(t, p.batches[0].Occurrences, 50)
}

func TestIngest_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty array", `{"version":2,"occurrences":[]}`},
		{"too many", occurrences(51)},
		{"missing array", `{"version":2}`},
		{"not an array", `{"occurrences":{"fp":"x"}}`},
		{"not json", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &recordingProcessor{}
			m := metrics.New(prometheus.NewRegistry())

			w := httptest.NewRecorder()
			handler.NewIngestHandler(p, ingest.DefaultMaxBatch, m).ServeHTTP(w, verifiedRequest(context.Background(), tt.body))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body map[string]map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "INVALID_PAYLOAD", body["error"]["code"])
			assert.Empty(t, p.batches)
			assert.Equal(t, 1.0, promtest.ToFloat64(m.IngestBatches.WithLabelValues("rejected")))
		})
	}
}

func TestIngest_UnverifiedRequest(t *testing.T) {
	p := &recordingProcessor{}
	m := metrics.New(prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/v1/bubbles", strings.NewReader(occurrences(1)))
	w := httptest.NewRecorder()
	handler.NewIngestHandler(p, ingest.DefaultMaxBatch, m).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, p.batches)
}

func TestIngest_ClientDisconnectDoesNotCancelProcessing(t *testing.T) {
	p := &recordingProcessor{}
	m := metrics.New(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := httptest.NewRecorder()
	handler.NewIngestHandler(p, ingest.DefaultMaxBatch, m).ServeHTTP(w, verifiedRequest(ctx, occurrences(1)))

	require.Len(t, p.batches, 1)
	assert.NoError(t, p.ctxErr)
}

func TestIngest_RejectedBatchWritesNothing(t *testing.T) {
	s := memstore.New()
	m := metrics.New(prometheus.NewRegistry())
	proc := ingest.NewProcessor(s, enrich.Nop{}, m, ingest.Config{SampleRate: ingest.DefaultSampleRate}, nil)

	w := httptest.NewRecorder()
	handler.NewIngestHandler(proc, ingest.DefaultMaxBatch, m).ServeHTTP(w, verifiedRequest(context.Background(), occurrences(51)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, s.Writes())
}

func TestIngest_EndToEndWithProcessor(t *testing.T) {
	s := memstore.New()
	m := metrics.New(prometheus.NewRegistry())
	proc := ingest.NewProcessor(s, enrich.Nop{}, m, ingest.Config{SampleRate: ingest.DefaultSampleRate}, nil)

	body := `{"version":2,"occurrences":[
		{"fp":"abc","code":"E1","msg":"boom","level":"error","user_id":"u1","session_id":"s1","enhanced_version":2,
		 "browser_state":{"url":"/x"},"breadcrumbs":[{"type":"click"},{"type":"nav","level":"warn"}]},
		{"fp":"abc","code":"E1","msg":"boom","level":"error","user_id":"u2","session_id":"s2"}
	]}`

	w := httptest.NewRecorder()
	handler.NewIngestHandler(proc, ingest.DefaultMaxBatch, m).ServeHTTP(w, verifiedRequest(context.Background(), body))

	assert.Equal(t, http.StatusOK, w.Code)
	groups := s.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, 2, groups[0].AffectedUserCount)
	assert.Len(t, s.Samples(), 2)
	assert.Len(t, s.ErrorContexts(), 1)
	assert.Len(t, s.Breadcrumbs(), 2)
}
