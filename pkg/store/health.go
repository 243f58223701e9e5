package store

import (
	"context"
	"time"
)

// HealthStatus reports database reachability and connection pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	Mode            string `json:"mode"`
	Error           string `json:"error,omitempty"`
	ResponseTimeMS  int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
}

// Health pings the database and returns pool statistics.
func (s *Store) Health(ctx context.Context) *HealthStatus {
	start := time.Now()
	hs := &HealthStatus{Mode: string(s.backend)}

	if err := s.db.PingContext(ctx); err != nil {
		hs.Status = "unhealthy"
		hs.Error = err.Error()
		hs.ResponseTimeMS = time.Since(start).Milliseconds()
		return hs
	}

	stats := s.db.Stats()
	hs.Status = "healthy"
	hs.ResponseTimeMS = time.Since(start).Milliseconds()
	hs.OpenConnections = stats.OpenConnections
	hs.InUse = stats.InUse
	hs.Idle = stats.Idle
	hs.WaitCount = stats.WaitCount
	return hs
}
