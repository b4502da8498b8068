package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/di"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/queue"
)

// SystemHandlers handles system-wide monitoring and operations endpoints
type SystemHandlers struct {
	container   *di.Container
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(container *di.Container, dataDir string, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		container:   container,
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
	}
}

// SystemStatusResponse represents the system status
type SystemStatusResponse struct {
	Status            string   `json:"status"` // "healthy" or "degraded"
	Uptime            string   `json:"uptime"`
	Warnings          []string `json:"warnings,omitempty"`
	Connections       int      `json:"connections"`
	QueuedJobs        int      `json:"queued_jobs"`
	PendingDeliveries int      `json:"pending_deliveries"`
	Goroutines        int      `json:"goroutines"`
	CPUPercent        float64  `json:"cpu_percent"`
	MemoryPercent     float64  `json:"memory_percent"`
	DiskFreeBytes     uint64   `json:"disk_free_bytes"`
}

// HandleSystemStatus returns the system status
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	response := h.GetSystemStatusSnapshot(r.Context())
	if len(response.Warnings) > 0 {
		h.log.Warn().Strs("warnings", response.Warnings).Msg("System status collected with warnings")
	}
	h.writeJSON(w, response)
}

// GetSystemStatusSnapshot collects the current status. Collection problems
// degrade the status instead of failing it.
func (h *SystemHandlers) GetSystemStatusSnapshot(ctx context.Context) SystemStatusResponse {
	c := h.container
	resp := SystemStatusResponse{
		Status:      "healthy",
		Uptime:      time.Since(h.startupTime).Truncate(time.Second).String(),
		Connections: c.Distributor.Registry().Count(),
		QueuedJobs:  c.QueueManager.Size(),
		Goroutines:  runtime.NumGoroutine(),
	}

	pending, err := c.DeliveryRepo.CountPending(ctx, time.Now())
	if err != nil {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "pending deliveries unavailable")
	}
	resp.PendingDeliveries = pending

	if err := c.CoreDB.QuickCheck(ctx); err != nil {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "core database check failed")
	}

	resp.CPUPercent, resp.MemoryPercent = h.getSystemStats()

	if usage, err := disk.UsageWithContext(ctx, h.dataDir); err == nil {
		resp.DiskFreeBytes = usage.Free
	} else {
		resp.Warnings = append(resp.Warnings, "disk usage unavailable")
	}
	return resp
}

// getSystemStats returns CPU and memory usage percentages
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	// Get CPU percentage (average across all cores, 100ms sample)
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// HandleMetrics returns the process counters
// GET /api/system/metrics
func (h *SystemHandlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.container.Metrics.Snapshot())
}

// JobsStatusResponse lists the scheduled maintenance jobs
type JobsStatusResponse struct {
	Jobs []string `json:"jobs"`
}

// HandleJobsStatus lists the scheduled jobs
// GET /api/system/jobs
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	names := h.container.Scheduler.Scheduled()
	sort.Strings(names)
	h.writeJSON(w, JobsStatusResponse{Jobs: names})
}

func (h *SystemHandlers) jobByName(name string) queue.ScheduledJob {
	jobs := h.container.Jobs
	if jobs == nil {
		return nil
	}
	for _, job := range []queue.ScheduledJob{
		jobs.DeliveryPurge,
		jobs.CacheCleanup,
		jobs.DedupReconcile,
		jobs.SpikeReprocess,
		jobs.DailyMaintenance,
	} {
		if job.Name() == name {
			return job
		}
	}
	return nil
}

// HandleTriggerJob runs a maintenance job immediately
// POST /api/system/jobs/{name}
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job := h.jobByName(name)
	if job == nil {
		h.writeJSONStatus(w, http.StatusNotFound, map[string]string{
			"status":  "error",
			"message": "unknown job " + name,
		})
		return
	}

	h.log.Info().Str("job", name).Msg("Manual job run triggered")
	if err := job.Run(); err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("Manual job run failed")
		h.writeJSONStatus(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	h.writeJSON(w, map[string]string{
		"status":  "success",
		"message": name + " completed",
	})
}

// writeJSON writes a 200 JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, data interface{}) {
	h.writeJSONStatus(w, http.StatusOK, data)
}

func (h *SystemHandlers) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
