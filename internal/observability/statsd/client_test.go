package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, name, want string
	}{
		{prefix: "", name: " report/stage ", want: "report_stage"},
		{prefix: "mmk_reports", name: "job..transition", want: "mmk_reports.job.transition"},
		{prefix: "mmk_reports", name: " . ", want: ""},
		{prefix: "", name: "queue:rejected", want: "queue_rejected"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, metricName(tt.prefix, tt.name), "%q/%q", tt.prefix, tt.name)
	}
}

func TestRenderTags(t *testing.T) {
	t.Parallel()

	global := map[string]string{"env": "prod", " service ": " reports "}
	local := map[string]string{"stage": " geocode ", "": "ignored", "env": "stage"}

	assert.Equal(t, "|#env:stage,service:reports,stage:geocode", renderTags(global, local))
	assert.Empty(t, renderTags(nil, nil))
}

func TestClientWritesLineProtocol(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	client, err := NewClient(Config{
		Enabled:    true,
		Address:    pc.LocalAddr().String(),
		Prefix:     ".mmk_reports.",
		GlobalTags: map[string]string{"env": "test"},
	})
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.Enabled())

	client.Count("job.transition", 1, map[string]string{"to": "done"})

	buf := make([]byte, 512)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "mmk_reports.job.transition:1|c|#env:test,to:done", string(buf[:n]))
}

func TestDisabledClientDropsMetrics(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: false, Address: "127.0.0.1:8125"})
	require.NoError(t, err)
	assert.False(t, client.Enabled())

	client.Timing("job.duration", time.Second, nil)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	var nilClient *Client
	nilClient.Count("x", 1, nil)
	assert.False(t, nilClient.Enabled())
}

func TestRecorderFind(t *testing.T) {
	t.Parallel()

	var r Recorder
	r.Count("report.stage", 1, map[string]string{"stage": "geocode", "outcome": "ok"})
	r.Count("report.stage", 1, map[string]string{"stage": "crime", "outcome": "fallback"})
	r.Timing("job.duration", 1500*time.Millisecond, nil)

	got := r.Find("report.stage", map[string]string{"outcome": "fallback"})
	require.Len(t, got, 1)
	assert.Equal(t, "crime", got[0].Tags["stage"])

	timings := r.Find("job.duration", nil)
	require.Len(t, timings, 1)
	assert.InDelta(t, 1500, timings[0].Value, 0.001)
}
