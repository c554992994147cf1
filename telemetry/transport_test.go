package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func fetchPoint(t *testing.T, rm metricdata.ResourceMetrics) metricdata.DataPoint[int64] {
	t.Helper()
	dps := findCounter(rm, "gallery_cache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	return dps[0]
}

func TestRequestKindDefault(t *testing.T) {
	require.Equal(t, "other", RequestKind(context.Background()))
	require.Equal(t, "other", RequestKind(WithRequestKind(context.Background(), "")))
	require.Equal(t, "image", RequestKind(WithRequestKind(context.Background(), "image")))
}

func TestInstrumentedTransport_Outcomes(t *testing.T) {
	const page = "<html><body><img id=\"img\" src=\"/i/1.jpg\"></body></html>"

	tests := []struct {
		name      string
		status    int
		kind      string
		readAll   bool
		outcome   string
		wantBytes bool
	}{
		{name: "page view read fully", status: http.StatusOK, kind: "page_view", readAll: true, outcome: "success", wantBytes: true},
		{name: "image closed early", status: http.StatusOK, kind: "image", outcome: "truncated"},
		{name: "missing gallery", status: http.StatusNotFound, kind: "listing", readAll: true, outcome: "4xx", wantBytes: true},
		{name: "site overloaded", status: http.StatusServiceUnavailable, kind: "viewer", readAll: true, outcome: "5xx", wantBytes: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMetrics(t)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, page)
			}))
			defer srv.Close()

			client := &http.Client{Transport: NewInstrumentedTransport(nil, "gallery_site")}
			req, err := http.NewRequestWithContext(WithRequestKind(context.Background(), tt.kind), http.MethodGet, srv.URL, nil)
			require.NoError(t, err)

			resp, err := client.Do(req)
			require.NoError(t, err)
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.readAll {
				_, err = io.ReadAll(resp.Body)
				require.NoError(t, err)
			}

			// nothing is recorded until the body is closed
			require.Empty(t, findCounter(collectMetrics(t, reader), "gallery_cache_upstream_fetch_total"))
			require.NoError(t, resp.Body.Close())
			require.NoError(t, resp.Body.Close())

			rm := collectMetrics(t, reader)
			dp := fetchPoint(t, rm)
			require.True(t, hasAttr(dp.Attributes, "source", "gallery_site"))
			require.True(t, hasAttr(dp.Attributes, "kind", tt.kind))
			require.True(t, hasAttr(dp.Attributes, "outcome", tt.outcome))

			bytesDps := findCounter(rm, "gallery_cache_upstream_fetch_bytes_total")
			if tt.wantBytes {
				require.Len(t, bytesDps, 1)
				require.EqualValues(t, len(page), bytesDps[0].Value)
			} else {
				require.Empty(t, bytesDps)
			}
			require.Len(t, findHistogram(rm, "gallery_cache_upstream_fetch_duration_seconds"), 1)
		})
	}
}

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, f.err }

func TestInstrumentedTransport_RoundTripErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		reader := setupTestMetrics(t)
		client := &http.Client{Transport: NewInstrumentedTransport(failingTransport{err: errors.New("connection refused")}, "gallery_site")}

		_, err := client.Get("http://gallery.invalid/g/1/abc/")
		require.Error(t, err)

		dp := fetchPoint(t, collectMetrics(t, reader))
		require.True(t, hasAttr(dp.Attributes, "kind", "other"))
		require.True(t, hasAttr(dp.Attributes, "outcome", "error"))
	})

	t.Run("canceled", func(t *testing.T) {
		reader := setupTestMetrics(t)
		ctx, cancel := context.WithCancel(WithRequestKind(context.Background(), "image"))
		cancel()

		client := &http.Client{Transport: NewInstrumentedTransport(failingTransport{err: context.Canceled}, "gallery_site")}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://gallery.invalid/i/1.jpg", nil)
		require.NoError(t, err)
		_, err = client.Do(req)
		require.Error(t, err)

		dp := fetchPoint(t, collectMetrics(t, reader))
		require.True(t, hasAttr(dp.Attributes, "kind", "image"))
		require.True(t, hasAttr(dp.Attributes, "outcome", "canceled"))
	})
}

type stubTransport struct{ body string }

func (s stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Request:    req,
	}, nil
}

func TestInstrumentedTransport_NoMetricsInstalled(t *testing.T) {
	globalMetrics = nil

	client := &http.Client{Transport: NewInstrumentedTransport(stubTransport{body: "listing"}, "gallery_site")}
	resp, err := client.Get("http://gallery.invalid/g/1/abc/")
	require.NoError(t, err)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "listing", string(got))
	require.NoError(t, resp.Body.Close())
}

func TestNewInstrumentedTransport_DefaultBase(t *testing.T) {
	require.Equal(t, http.DefaultTransport, NewInstrumentedTransport(nil, "gallery_site").base)

	base := stubTransport{}
	require.Equal(t, base, NewInstrumentedTransport(base, "gallery_site").base)
}
