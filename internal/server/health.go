package server

import (
	"context"
	"net/http"
	"time"

	"shop-backend/internal/payment"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   interface{}     `json:"details,omitempty"`
}

// HandleHealth provides a detailed health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	// Set status code based on health
	statusCode := http.StatusOK
	if health.Status == HealthStatusDegraded {
		statusCode = http.StatusOK // Still return 200 for degraded
	} else if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, health)
}

// HandleReady provides a simple readiness probe for Kubernetes/load balancers
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	// Quick check: can we query the database?
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var result int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)

	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": "database unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	// Always returns OK if the process is running
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// checkHealth performs comprehensive health checks on all components
func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now(),
		Version:    s.cfg.Version,
		Components: make(map[string]ComponentHealth),
	}

	health.Components["database"] = s.checkDatabaseHealth(ctx)
	if s.images != nil {
		health.Components["storage"] = checkPinger(ctx, "storage", s.images, 2000)
	}
	if s.redis != nil {
		health.Components["redis"] = checkPinger(ctx, "redis", s.redis, 500)
	}
	if s.breaker != nil {
		health.Components["payments"] = s.checkPaymentsHealth()
	}
	if s.hub != nil {
		health.Components["realtime"] = ComponentHealth{
			Status:  ComponentStatusUp,
			Details: map[string]int{"clients": s.hub.Count()},
		}
	}

	health.Status = s.determineOverallHealth(health.Components)
	return health
}

// checkDatabaseHealth checks PostgreSQL connectivity and performance
func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "database ping failed: " + err.Error(),
		}
	}

	var products int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&products)
	if err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDegraded,
			Message: "database query failed: " + err.Error(),
		}
	}

	latency := time.Since(start).Milliseconds()

	stats := s.db.Stats()
	details := map[string]interface{}{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}

	status := ComponentStatusUp
	message := "database healthy"

	// Warn if latency is high
	if latency > 1000 {
		status = ComponentStatusDegraded
		message = "database latency high"
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
		Details:   details,
	}
}

// checkPinger reports an optional backend. Slow responses degrade it.
func checkPinger(ctx context.Context, name string, p Pinger, slowMs int64) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: name + " check failed: " + err.Error(),
		}
	}

	latency := time.Since(start).Milliseconds()
	status := ComponentStatusUp
	message := name + " healthy"
	if latency > slowMs {
		status = ComponentStatusDegraded
		message = name + " latency high"
	}
	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
	}
}

// checkPaymentsHealth reports the payment circuit breaker. An open breaker
// degrades checkout but not the catalogue.
func (s *Server) checkPaymentsHealth() ComponentHealth {
	state := s.breaker.State()
	h := ComponentHealth{
		Status:  ComponentStatusUp,
		Message: "circuit " + state.String(),
		Details: map[string]uint64{"rejected": s.breaker.Rejected()},
	}
	if state != payment.StateClosed {
		h.Status = ComponentStatusDegraded
	}
	return h
}

// determineOverallHealth calculates overall health from component statuses.
// Only the database is critical; other components degrade the service.
func (s *Server) determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var degraded bool
	for name, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			if name == "database" {
				return HealthStatusUnhealthy
			}
			degraded = true
		case ComponentStatusDegraded:
			degraded = true
		}
	}
	if degraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
