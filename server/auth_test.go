package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const pagePath = "/galleries/42/abc123/pages/1"

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		target string
		header string
		want   int
	}{
		{name: "disabled", target: pagePath, want: http.StatusOK},
		{name: "bearer", token: "s3cret", target: pagePath, header: "Bearer s3cret", want: http.StatusOK},
		{name: "query token for img tags", token: "s3cret", target: pagePath + "?access_token=s3cret", want: http.StatusOK},
		{name: "wrong bearer", token: "s3cret", target: pagePath, header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong query token", token: "s3cret", target: pagePath + "?access_token=nope", want: http.StatusUnauthorized},
		{name: "basic scheme", token: "s3cret", target: pagePath, header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "header checked before query", token: "s3cret", target: pagePath + "?access_token=s3cret", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "missing", token: "s3cret", target: pagePath, want: http.StatusUnauthorized},
		{name: "gallery info", token: "s3cret", target: "/galleries/42/abc123", want: http.StatusUnauthorized},
		{name: "stats", token: "s3cret", target: "/stats", want: http.StatusUnauthorized},
		{name: "health exempt", token: "s3cret", target: "/health", want: http.StatusOK},
		{name: "metrics exempt", token: "s3cret", target: "/metrics", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{AuthToken: tt.token}}
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.authMiddleware(okHandler()).ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddleware_UnauthorizedBody(t *testing.T) {
	s := &Server{config: Config{AuthToken: "s3cret"}}
	rec := httptest.NewRecorder()
	s.authMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pagePath, nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}
