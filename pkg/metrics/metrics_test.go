package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsWithoutInit(t *testing.T) {
	SetGauge("noinit_gauge", 3)
	points, err := Query("noinit_gauge", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestGaugeAndCounter(t *testing.T) {
	require.NoError(t, InitMetrics(t.TempDir()))
	defer func() { _ = Close() }()

	SetGauge("whatsapp_connected_sessions", 2)
	assert.Equal(t, int64(1), Incr("whatsapp_messages_sent", 1))
	assert.Equal(t, int64(3), Incr("whatsapp_messages_sent", 2))
	assert.Equal(t, int64(3), Counter("whatsapp_messages_sent"))

	points, err := Query("whatsapp_connected_sessions", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, float64(2), points[0].Value)
}
