package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(messages.WithLabelValues("MT", "dispatched"))
	RecordMessage("MT", "dispatched")
	RecordMessage("MT", "dispatched")
	assert.Equal(t, before+2, testutil.ToFloat64(messages.WithLabelValues("MT", "dispatched")))

	RecordInterception("MO", "vetoed")
	assert.GreaterOrEqual(t, testutil.ToFloat64(interceptions.WithLabelValues("MO", "vetoed")), 1.0)

	RecordSessionTransition("smppc-1", "BOUND_TRX")
	RecordControlPlaneCall("group_add", "ok")
	RecordScriptRun("passed", 3*time.Millisecond)
	RecordDispatch("smppc-1", true, 10*time.Millisecond)
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordMessage("MO", "no_route")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `aegisroute_router_messages_total{direction="MO",outcome="no_route"}`))
}
