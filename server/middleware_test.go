package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLoggedServer(buf *bytes.Buffer) *Server {
	return &Server{logger: slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

func TestLoggingMiddleware_RequestID(t *testing.T) {
	var buf bytes.Buffer
	s := newLoggedServer(&buf)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /galleries/{gid}/{token}/pages/{page}", func(w http.ResponseWriter, r *http.Request) {
		s.requestLogger(r).Info("inside handler")
		_, _ = w.Write([]byte("png"))
	})
	handler := s.loggingMiddleware(mux)

	req := httptest.NewRequest(http.MethodGet, "/galleries/42/abc123/pages/3", nil)
	req.Header.Set(requestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get(requestIDHeader))
	out := buf.String()
	require.Contains(t, out, `"msg":"inside handler","request_id":"req-1"`)
	require.Contains(t, out, `"route":"GET /galleries/{gid}/{token}/pages/{page}"`)
	require.Contains(t, out, `"gid":"42"`)
	require.Contains(t, out, `"page":"3"`)
	require.Contains(t, out, `"bytes_sent":3`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/galleries/42/abc123/pages/3", nil))
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	tests := []struct {
		path   string
		status int
		level  string
	}{
		{path: "/health", status: http.StatusOK, level: "DEBUG"},
		{path: "/stats", status: http.StatusOK, level: "INFO"},
		{path: "/galleries/1/x", status: http.StatusNotFound, level: "WARN"},
		{path: "/galleries/1/x/pages/1", status: http.StatusBadGateway, level: "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var buf bytes.Buffer
			s := newLoggedServer(&buf)
			handler := s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, tt.status, rec.Code)
			require.Contains(t, buf.String(), `"level":"`+tt.level+`"`)
			require.Contains(t, buf.String(), `"route":"unmatched"`)
		})
	}
}

func TestStatusRecorder_DefaultsToOK(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	require.Equal(t, http.StatusOK, rec.Status())

	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusInternalServerError)
	require.Equal(t, http.StatusTeapot, rec.Status())
}
