package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(requests.WithLabelValues("set_render", "200"))
	RecordRequest("set_render", 200, 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(requests.WithLabelValues("set_render", "200")))

	RecordRequest("", 400, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(requests.WithLabelValues("none", "400")), 1.0)

	SetSessions(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(sessionsLive))

	failures := testutil.ToFloat64(tickFailures)
	RecordTick(time.Millisecond, 2)
	assert.Equal(t, failures+2, testutil.ToFloat64(tickFailures))

	SetClients(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(clients))

	RecordStoreError("save")
	assert.GreaterOrEqual(t, testutil.ToFloat64(storeErrors.WithLabelValues("save")), 1.0)

	RecordInitFailure()
	assert.GreaterOrEqual(t, testutil.ToFloat64(sessionInitFailures), 1.0)
}
