package analytics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleReport() RetentionReport {
	return RetentionReport{
		RetentionCounts: donordomain.RetentionCounts{Total: 10, Active: 6, AtRisk: 3, Lapsed: 1},
		RetentionRate:   60,
	}
}

func TestNewPusherSelection(t *testing.T) {
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Unix(0, 0))

	assert.Nil(t, NewPusher(config.Config{}, clk, log))
	assert.Nil(t, NewPusher(config.Config{Analytics: config.AnalyticsConfig{Exporter: ExporterRemoteWrite}}, clk, log))
	assert.Nil(t, NewPusher(config.Config{Analytics: config.AnalyticsConfig{Exporter: "statsd", Endpoint: "http://x"}}, clk, log))

	rw := NewPusher(config.Config{Analytics: config.AnalyticsConfig{Exporter: ExporterRemoteWrite, Endpoint: "http://collector/api/v1/write"}}, clk, log)
	assert.IsType(t, &RemoteWritePusher{}, rw)

	pg := NewPusher(config.Config{AppName: "careledger", Analytics: config.AnalyticsConfig{Exporter: ExporterPushgateway, Endpoint: "http://gateway:9091"}}, clk, log)
	assert.IsType(t, &PushgatewayPusher{}, pg)
}

func TestRemoteWritePusherSendsSnappyProtobuf(t *testing.T) {
	var got prompb.WriteRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, got.Unmarshal(raw))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC))
	pusher := NewRemoteWritePusher(srv.URL, "secret", clk)
	require.NoError(t, pusher.Push(context.Background(), retentionRegistry(sampleReport())))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	require.Len(t, got.Timeseries, 5)
	for _, series := range got.Timeseries {
		require.Len(t, series.Samples, 1)
		assert.Equal(t, clk.Now().UnixMilli(), series.Samples[0].Timestamp)
		assert.Equal(t, "__name__", series.Labels[0].Name)
	}
}

func TestRemoteWritePusherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, "", nil)
	err := pusher.Push(context.Background(), retentionRegistry(sampleReport()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPushgatewayPusherUsesJobPath(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pusher := NewPushgatewayPusher(srv.URL, "careledger", map[string]string{"environment": "test", "blank": ""})
	require.NoError(t, pusher.Push(context.Background(), retentionRegistry(sampleReport())))
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/careledger/environment/test", path)
}
