package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesSessionMetrics(t *testing.T) {
	before := testutil.ToFloat64(SessionsEnded.WithLabelValues("closed"))
	SessionsEnded.WithLabelValues("closed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SessionsEnded.WithLabelValues("closed")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sessions_ended_total")
	assert.Contains(t, string(body), "monitor_running")
}
