package api

import (
	"net/http"
	"runtime"
	"time"
)

// componentHealth is one entry in the system health report.
type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleSystemHealth reports per-component health. Optional components
// that were never configured report "disabled" and do not degrade the
// overall status; a configured component that cannot be reached does.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := make(map[string]componentHealth)
	degraded := false

	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			components["database"] = componentHealth{Status: "error", Detail: err.Error()}
			degraded = true
		} else {
			components["database"] = componentHealth{Status: "ok"}
		}
	} else {
		components["database"] = componentHealth{Status: "unknown"}
	}

	switch {
	case s.mqtt == nil:
		components["mqtt"] = componentHealth{Status: "disabled"}
	case s.mqtt.IsConnected():
		components["mqtt"] = componentHealth{Status: "ok"}
	default:
		components["mqtt"] = componentHealth{Status: "disconnected"}
		degraded = true
	}

	switch {
	case s.influx == nil:
		components["influxdb"] = componentHealth{Status: "disabled"}
	case s.influx.IsConnected():
		components["influxdb"] = componentHealth{Status: "ok"}
	default:
		components["influxdb"] = componentHealth{Status: "disconnected"}
		degraded = true
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

// bytesPerMB converts runtime memory figures for the info payload.
const bytesPerMB = 1024 * 1024

// handleSystemInfo returns runtime and pipeline statistics: uptime, Go
// runtime figures, ingestion counters, fleet totals, and connection
// counts. Intended for dashboards and debugging, not for alerting.
func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime)

	info := map[string]any{
		"version":        s.version,
		"uptime_seconds": int64(uptime.Seconds()),
		"uptime_human":   uptime.Round(time.Second).String(),
		"runtime": map[string]any{
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"alloc_mb":       mem.Alloc / bytesPerMB,
			"total_alloc_mb": mem.TotalAlloc / bytesPerMB,
			"sys_mb":         mem.Sys / bytesPerMB,
			"num_gc":         mem.NumGC,
		},
		"ingest":  s.coordinator.GetStats(),
		"devices": s.registry.GetStats(),
	}

	if s.hub != nil {
		info["websocket_clients"] = s.hub.ClientCount()
	}
	if s.db != nil {
		info["database"] = s.db.Stats()
	}

	writeJSON(w, http.StatusOK, info)
}
