// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/guppi-daq/guppi-shm/internal/metrics"
)

const testKey = "0123456789abcdefghij"

func newRouter(adminKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(), RequestLogger(metrics.New()))
	r.PUT("/write", AdminAuth(adminKey), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name     string
		adminKey string
		header   string
		value    string
		want     int
	}{
		{"disabled", "", "X-API-Key", testKey, http.StatusForbidden},
		{"missing", testKey, "", "", http.StatusUnauthorized},
		{"wrong", testKey, "X-API-Key", "nope", http.StatusUnauthorized},
		{"header", testKey, "X-API-Key", testKey, http.StatusNoContent},
		{"bearer", testKey, "Authorization", "Bearer " + testKey, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(tt.adminKey)
			req := httptest.NewRequest("PUT", "/write", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("code = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminAuthQueryParam(t *testing.T) {
	r := newRouter(testKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/write?api_key="+testKey, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("code = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(testKey)
	req := httptest.NewRequest("OPTIONS", "/write", nil)
	req.Header.Set("Origin", "http://console.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("code = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://console.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
