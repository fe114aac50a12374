package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func serve(t *testing.T, h HealthService, path string) (*httptest.ResponseRecorder, Health) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/readyz", h.Readiness)
	r.GET("/healthz", h.Liveness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestReadinessWithDatabase(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	h := ProvideHealth(HealthParams{DB: db})

	w, body := serve(t, h, "/readyz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "healthy", body.Status)
	require.Len(t, body.Deps, 1)
	require.Equal(t, "database", body.Deps[0].Name)

	w, _ = serve(t, h, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessFailingChecker(t *testing.T) {
	ok := CheckFunc{DepName: "gateway", Fn: func(context.Context) error { return nil }}
	lagging := CheckFunc{DepName: "outbox", Fn: func(context.Context) error { return errors.New("3 events overdue") }}

	h := ProvideHealth(HealthParams{Checkers: []Checker{ok, lagging}})

	w, body := serve(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "unhealthy", body.Status)
	require.Equal(t, []Dependency{
		{Name: "gateway", Status: "healthy", Message: "OK"},
		{Name: "outbox", Status: "unhealthy", Message: "3 events overdue"},
	}, body.Deps)
}
