package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/pocat-io/messagebus/internal/rabbitmq"
)

// PoolStatsSource is anything that reports connection pool usage
type PoolStatsSource interface {
	Stats() rabbitmq.PoolStats
}

// PoolChecker reports the usage of a RabbitMQ connection pool
type PoolChecker struct {
	name string
	pool PoolStatsSource
}

// NewPoolChecker creates a pool health checker
func NewPoolChecker(name string, pool PoolStatsSource) *PoolChecker {
	return &PoolChecker{name: name, pool: pool}
}

func (c *PoolChecker) Name() string {
	return c.name
}

// Check is unhealthy for a closed pool and degraded while every session is leased
func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.pool.Stats()
	leased := stats.Sessions - stats.IdleSessions

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"role":            stats.Role,
			"connections":     stats.Connections,
			"max_connections": stats.MaxConnections,
			"sessions":        stats.Sessions,
			"leased_sessions": leased,
			"max_sessions":    stats.MaxSessions,
		},
	}

	switch {
	case stats.Closed:
		result.Status = StatusUnhealthy
		result.Message = "Pool is closed"
	case stats.MaxSessions > 0 && leased >= stats.MaxSessions:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("All %d sessions are leased", stats.MaxSessions)
	default:
		result.Status = StatusHealthy
		result.Message = "Pool has spare sessions"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags a runaway goroutine count
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warning,
		criticalGoroutines: critical,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
