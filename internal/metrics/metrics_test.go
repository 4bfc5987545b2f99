package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/hearth/internal/models"
)

func TestExporterReflectsCounters(t *testing.T) {
	m := models.NewMetrics()
	e, err := NewExporter(m)
	require.NoError(t, err)

	m.Hits.Add(3)
	m.WorkerOffline.Inc()

	families, err := e.Registry().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 15)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "hearth_store_hits_total 3")
	assert.Contains(t, string(body), "hearth_worker_offline_total 1")
	assert.Contains(t, string(body), "hearth_visits_recorded_total 0")
}

func TestExportersAreIndependent(t *testing.T) {
	_, err := NewExporter(models.NewMetrics())
	require.NoError(t, err)
	_, err = NewExporter(models.NewMetrics())
	require.NoError(t, err)
}
