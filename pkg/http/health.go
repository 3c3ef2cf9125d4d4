package http

import (
	"net/http"
	"runtime"
	"time"

	"callcoach-server/pkg/version"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines     int    `json:"goroutines"`
	MemoryMB       uint64 `json:"memory_mb"`
	CPUCount       int    `json:"cpu_count"`
	ActiveSessions int    `json:"active_sessions"`
	ViewerClients  int    `json:"viewer_clients"`
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	if s.sessions != nil {
		health.Checks["sessions"] = CheckResult{
			Status:  "healthy",
			Message: "Session registry operational",
		}
		health.System.ActiveSessions = s.sessions.ActiveCount()
	} else {
		health.Checks["sessions"] = CheckResult{
			Status:  "unhealthy",
			Message: "Session registry not available",
		}
		health.Status = "unhealthy"
	}

	if s.viewers != nil && s.viewers.IsRunning() {
		health.Checks["viewers"] = CheckResult{
			Status:  "healthy",
			Message: "Viewer hub is running",
		}
		health.System.ViewerClients = s.viewers.GetConnectedClients()
	} else {
		health.Checks["viewers"] = CheckResult{
			Status:  "degraded",
			Message: "Viewer hub not running",
		}
		if health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	if s.amqpClient != nil {
		if s.amqpClient.IsConnected() {
			health.Checks["amqp"] = CheckResult{
				Status:  "healthy",
				Message: "AMQP connected",
			}
		} else {
			health.Checks["amqp"] = CheckResult{
				Status:  "degraded",
				Message: "AMQP disconnected",
			}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
	}

	if s.draining.Load() {
		health.Status = "unhealthy"
		health.Checks["server"] = CheckResult{
			Status:  "unhealthy",
			Message: "Server is shutting down",
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = m.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()

	if r.URL.Query().Get("detailed") == "true" {
		s.logger.WithFields(logrus.Fields{
			"status":   health.Status,
			"checks":   health.Checks,
			"system":   health.System,
			"duration": time.Since(startTime),
		}).Debug("Health check performed")
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// LivenessHandler handles kubernetes liveness probe
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ReadinessHandler handles kubernetes readiness probe
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
