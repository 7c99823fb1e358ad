package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsAreNilSafeBeforeInit(t *testing.T) {
	if reinitializations != nil {
		t.Skip("metrics already initialised by another test")
	}
	assert.NotPanics(t, func() {
		IncReinitialization()
		IncChecksumFailure("XBT/USD")
		AddPending("cancel-order", 1)
	})
}

func TestCounters(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(checksumFailures.WithLabelValues("ETH/EUR"))
	IncChecksumFailure("ETH/EUR")
	assert.Equal(t, before+1, testutil.ToFloat64(checksumFailures.WithLabelValues("ETH/EUR")))

	AddPending("add-order", 1)
	AddPending("add-order", -1)
	assert.Equal(t, float64(0), testutil.ToFloat64(pendingActions.WithLabelValues("add-order")))

	IncFrame("public")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "krakenclient_frames_total"))
}
