package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/config"
	"github.com/wardgate/sentinel/backend/internal/logger"
)

func TestNewServesRegisteredRoutes(t *testing.T) {
	logger.Init(false, &bytes.Buffer{})

	db, err := gorm.Open(sqlite.Open("file:servertest?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	srv, err := New(db, config.Config{
		Environment:       "test",
		JWTSecret:         "test-secret",
		AuditHashAlgo:     "sha256",
		RetentionSchedule: "@hourly",
		ArchiveDir:        t.TempDir(),
		StoreTimeout:      time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, srv.Engine)

	w := httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
