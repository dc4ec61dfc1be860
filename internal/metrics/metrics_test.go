package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveMaterialize("a", time.Second, 3, nil)
	m.ObserveFetch("a", "fresh")
	m.AddInFlight(1)
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestHandlerExposesRecordedValues(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveMaterialize("team", 20*time.Millisecond, 4, nil)
	m.ObserveMaterialize("team", time.Millisecond, 0, errors.New("boom"))
	m.ObserveFetch("team", "not_modified")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `calmat_materialize_requests_total{source="team",status="ok"} 1`)
	assert.Contains(t, body, `calmat_materialize_requests_total{source="team",status="error"} 1`)
	// a failed request leaves the last good count
	assert.Contains(t, body, `calmat_occurrences{source="team"} 4`)
	assert.Contains(t, body, `calmat_fetch_total{outcome="not_modified",source="team"} 1`)
	assert.Contains(t, body, `calmat_materialize_duration_seconds_count{source="team"} 2`)
}

func TestDefaultRegistryCarriesRuntimeCollectors(t *testing.T) {
	m := NewMetrics(nil)
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}
