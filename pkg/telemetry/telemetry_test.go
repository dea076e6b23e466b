package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Code, rec.Body.String()
}

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.Registry)
	require.Empty(t, tel.MetricsAddr())

	// instruments from the noop meter are usable
	c, err := tel.Meter.Int64Counter("ignored")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
	_, span := tel.Tracer.Start(context.Background(), "ignored")
	span.End()

	code, _ := scrape(t, tel.MetricsHandler())
	require.Equal(t, http.StatusNotFound, code)
	require.NoError(t, shutdown(context.Background()))
}

func TestEnabledExportsToRegistry(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojocore-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()
	require.Empty(t, tel.MetricsAddr())

	c, err := tel.Meter.Int64Counter("wal.records.inserted")
	require.NoError(t, err)
	c.Add(context.Background(), 3)

	code, body := scrape(t, tel.MetricsHandler())
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "wal_records_inserted_total")
	require.Contains(t, body, "go_goroutines")

	_, span := tel.Tracer.Start(context.Background(), "checkpoint")
	require.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestValidateRejectsBadPort(t *testing.T) {
	require.Error(t, Config{PrometheusPort: -1}.Validate())
	require.Error(t, Config{PrometheusPort: 70000}.Validate())
	require.NoError(t, Config{PrometheusPort: 9100}.Validate())

	_, _, err := New(Config{Enabled: true, PrometheusPort: 70000})
	require.Error(t, err)
}
