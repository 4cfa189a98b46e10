package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updates, "expected update channel to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")

	for _, name := range allMetrics {
		assert.NotNil(t, su.vars.Get(name), "expected %s registered at startup", name)
	}
}

func TestStatsUpdater_counters(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.Run()
	defer su.Stop()

	su.Incr(MessagesSent)
	su.Incr(MessagesSent)
	su.Incr(ActiveClients)
	su.Decr(ActiveClients)

	assert.Eventually(t, func() bool {
		return su.vars.Get(MessagesSent).(*expvar.Int).Value() == 2 &&
			su.vars.Get(ActiveClients).(*expvar.Int).Value() == 0
	}, time.Second, 5*time.Millisecond, "expected counter updates applied")
}

func Test_expvarHandler(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())

	rr := httptest.NewRecorder()
	su.expvarHandler(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body, CrossRoomDrops)
	assert.Contains(t, body, "Uptime")
}
