package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry)
	require.NoError(t, err)

	m.ObserveOperation("entry", "ok")
	m.ObserveOperation("entry", "CARD_IN_USE")
	m.ObserveOperation("entry", "ok")
	m.ObserveRecognition("upload", "timeout", 20*time.Millisecond)
	m.ObservePublish("amqp", errors.New("closed"))
	m.ObserveHTTP("GET", "/api/parking/logs", 200, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ParkingOperations.WithLabelValues("entry", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParkingOperations.WithLabelValues("entry", "CARD_IN_USE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recognitions.WithLabelValues("upload", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("amqp", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/parking/logs", "200")))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)

	_, err = New(registry)
	assert.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("exit", "ok")
		m.ObserveRecognition("camera", "ok", time.Second)
		m.ObservePublish("ws", nil)
		m.ObserveHTTP("GET", "/", 200, time.Second)
	})
}
