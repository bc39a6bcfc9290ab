package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"eventrelay/internal/handler/http/ops"
)

func TestNewRouter_MountsOpsRoutes(t *testing.T) {
	h := NewRouter(Options{Ops: ops.NewHandler(ops.Options{}, zap.NewNop())}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRouter_CORSPreflight(t *testing.T) {
	h := NewRouter(Options{
		AllowedOrigins: []string{"http://localhost:5173"},
		Ops:            ops.NewHandler(ops.Options{}, zap.NewNop()),
	}, zap.NewNop())

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
