package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, status := range tt.statuses {
				registry.Register(fixed(string(rune('a'+i)), status))
			}

			report := registry.Check(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}

	t.Run("fills in the check name", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("broker", StatusHealthy))

		report := registry.Check(context.Background())

		assert.Equal(t, "broker", report.Checks["broker"].Name)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		release := make(chan struct{})
		defer close(release)
		registry.Register(fixed("fast", StatusHealthy))
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-release
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		report := registry.Check(ctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
		assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"].Error)
	})
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			registry.Register(fixed("broker", tt.status))
			rec := httptest.NewRecorder()

			NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var report Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.status, report.Status)
		})
	}

	t.Run("only GET is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()

		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
