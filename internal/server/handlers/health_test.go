package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/keyaudit/internal/errors"
	"github.com/3leaps/keyaudit/internal/server/middleware"
)

type blockingChecker struct{}

func (blockingChecker) CheckHealth(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// blockedJobsDir returns a path whose parent is a regular file, so the
// directory can never be created.
func blockedJobsDir(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "jobs")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	return filepath.Join(file, "records")
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestJobStoreChecker(t *testing.T) {
	t.Run("creates the dir and leaves nothing behind", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "jobs")
		require.NoError(t, JobStoreChecker{Dir: dir}.CheckHealth(context.Background()))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unusable dir", func(t *testing.T) {
		err := JobStoreChecker{Dir: blockedJobsDir(t)}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jobs dir")
	})
}

func TestReadinessWithWritableJobStore(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("job_store", JobStoreChecker{Dir: t.TempDir()})

	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"job_store": "healthy"}, resp.Checks)
}

func TestReadinessFailsWhenJobStoreUnwritable(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("job_store", JobStoreChecker{Dir: blockedJobsDir(t)})
	manager.RegisterChecker("work_dir", JobStoreChecker{Dir: t.TempDir()})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req.Header.Set(middleware.RequestIDHeader, "ready-1")
	rec := httptest.NewRecorder()
	middleware.RequestID(http.HandlerFunc(manager.ReadinessHandler)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, "ready-1", body.Error.RequestID)

	checks, ok := body.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details.checks missing: %v", body.Error.Details)
	assert.Equal(t, "unhealthy", checks["job_store"])
	assert.Equal(t, "healthy", checks["work_dir"])
}

func TestLivenessIgnoresJobStore(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("job_store", JobStoreChecker{Dir: blockedJobsDir(t)})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthDegradedWhenCheckTimesOut(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("job_store", blockingChecker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()

	manager.HealthHandler(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["job_store"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	assert.Equal(t, "healthy", manager.determineOverallStatus(nil))
	assert.Equal(t, "degraded", manager.determineOverallStatus(map[string]string{"job_store": "timeout"}))
	assert.Equal(t, "unhealthy", manager.determineOverallStatus(map[string]string{
		"job_store": "timeout",
		"identity":  "unhealthy",
	}))
}

func TestGlobalHandlers(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	t.Run("not initialized", func(t *testing.T) {
		globalHealthManager = nil
		assert.Nil(t, GetHealthManager())

		for path, h := range handlers {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, path, nil))

			assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
			assert.Equal(t, "Health manager not initialized", decodeEnvelope(t, rec).Error.Message, path)
		}
	})

	t.Run("initialized", func(t *testing.T) {
		InitHealthManager("0.3.0")
		require.NotNil(t, GetHealthManager())
		GetHealthManager().RegisterChecker("job_store", JobStoreChecker{Dir: t.TempDir()})

		for path, h := range handlers {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code, path)
		}
	})
}

func TestVersionHandler(t *testing.T) {
	orig := GetVersionInfo()
	defer SetVersionInfo(orig)

	SetVersionInfo(VersionInfo{Version: "1.0.0", Commit: "abc123", BuildDate: "2026-01-01"})

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var got VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, "abc123", got.Commit)
}
