package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/logger"
	"codeberg.org/mutker/meterreader/internal/reader"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitWriter(io.Discard, "error")
}

type fakeReadings struct {
	res reader.CycleResult
	ok  bool
}

func (f fakeReadings) LastResult() (reader.CycleResult, bool) { return f.res, f.ok }

func TestRecordCycle(t *testing.T) {
	inst := New()

	err := inst.RecordCycle(context.Background(), reader.CycleResult{
		SensorValue:   45,
		AcceptedValue: 45,
		Delta:         5,
		Accepted:      true,
		Streak:        0,
		Duration:      2 * time.Second,
	})
	require.NoError(t, err)

	_ = inst.RecordCycle(context.Background(), reader.CycleResult{
		SensorValue:   45,
		AcceptedValue: 45,
		Health:        health.Mask(0).Set(health.FaultPlausibility),
		Streak:        1,
	})
	_ = inst.RecordCycle(context.Background(), reader.CycleResult{
		AbortedAt: reader.StageIlluminateOn,
		Health:    health.Mask(0).Set(health.FaultMessaging),
		Streak:    2,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(inst.cycles.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.cycles.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.cycles.WithLabelValues("aborted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(inst.healthMask))
	assert.Equal(t, 2.0, testutil.ToFloat64(inst.streak))
}

func TestObserver(t *testing.T) {
	inst := New()
	var _ health.Observer = inst

	inst.FaultRaised(health.FaultVideo)
	inst.FaultRaised(health.FaultVideo)
	assert.Equal(t, 2.0, testutil.ToFloat64(inst.faultsRaised.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.faultActive.WithLabelValues("video")))

	inst.FaultHealed(health.FaultVideo)
	assert.Equal(t, 0.0, testutil.ToFloat64(inst.faultActive.WithLabelValues("video")))

	inst.FaultRaised(health.FaultClassifier)
	inst.Reinitialized()
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.reinits))
	assert.Equal(t, 0.0, testutil.ToFloat64(inst.faultActive.WithLabelValues("classifier")))

	inst.BrokerState(true, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.brokerUp))
	inst.BrokerState(false, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(inst.brokerUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.brokerLost))
}

func TestHealthEndpoint(t *testing.T) {
	sup := health.NewSupervisor(4, nil)
	router := NewRouter(New(), sup, fakeReadings{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	sup.SetFault(health.FaultLowConfidence, "digit 10^0 at 0.30")
	sup.Tick(false)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Healthy)
	assert.Equal(t, uint8(4), status.Mask)
	assert.Equal(t, []string{"low_confidence"}, status.Faults)
	assert.Equal(t, 1, status.Streak)
	assert.Contains(t, status.Details, "low_confidence")
}

func TestReadingEndpoint(t *testing.T) {
	sup := health.NewSupervisor(4, nil)

	rec := httptest.NewRecorder()
	NewRouter(New(), sup, fakeReadings{}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reading", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	NewRouter(New(), sup, fakeReadings{ok: true, res: reader.CycleResult{SensorValue: 12.5, Accepted: true}}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reading", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 12.5, body["sensorValue"])
	assert.Equal(t, true, body["accepted"])
}

func TestMetricsEndpoint(t *testing.T) {
	inst := New()
	_ = inst.RecordCycle(context.Background(), reader.CycleResult{SensorValue: 7, AcceptedValue: 7, Accepted: true})

	srv := httptest.NewServer(NewRouter(inst, health.NewSupervisor(4, nil), fakeReadings{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "meterreader_accepted_value 7"))
	assert.True(t, strings.Contains(string(body), `meterreader_cycles_total{outcome="accepted"} 1`))
}

func TestServerLifecycle(t *testing.T) {
	_, err := NewServer(Config{Listen: "not-an-address"}, New(), health.NewSupervisor(4, nil), fakeReadings{}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidListen))

	s, err := NewServer(Config{Listen: "127.0.0.1:0"}, New(), health.NewSupervisor(4, nil), fakeReadings{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.NoError(t, s.Shutdown(context.Background()))
}
