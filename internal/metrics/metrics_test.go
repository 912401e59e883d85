package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pendingAcks struct {
	n   int64
	err error
}

func (p pendingAcks) PendingProvisional(context.Context) (int64, error) { return p.n, p.err }

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandlerRefreshesGauges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT count\(\*\) FROM outbox_events`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	body := scrape(t, Handler(db, pendingAcks{n: 9}))
	assert.Contains(t, body, "imms_outbox_pending 4")
	assert.Contains(t, body, "imms_acks_pending 9")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlerKeepsServingOnScrapeErrors(t *testing.T) {
	body := scrape(t, Handler(nil, pendingAcks{err: errors.New("db down")}))
	assert.Contains(t, body, "imms_metrics_scrape_errors_total")
}
