package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/aristath/riskdesk/internal/database"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/aristath/riskdesk/internal/reliability"
	"github.com/aristath/riskdesk/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// CacheAdmin is the administrative surface of the risk cache
type CacheAdmin interface {
	Health(ctx context.Context) (riskcache.Health, error)
	Exhausted(ctx context.Context, limit int) ([]riskcache.Entry, error)
	Invalidate(ctx context.Context, subjectType, subjectID string) (int64, error)
	Reset(ctx context.Context, subjectType, subjectID string) (int64, error)
}

// BudgetReporter reports provider call budgets
type BudgetReporter interface {
	Budgets(ctx context.Context) ([]prices.BudgetStatus, error)
}

// BackupLister lists uploaded backups
type BackupLister interface {
	List(ctx context.Context) ([]reliability.BackupInfo, error)
}

// ScheduleLister lists cron entries
type ScheduleLister interface {
	Entries() []scheduler.Entry
}

// AdminHandlers serves the operational endpoints under /api/admin
type AdminHandlers struct {
	cache     CacheAdmin
	budgets   BudgetReporter
	backups   BackupLister
	schedules ScheduleLister
	databases []*database.DB
	dataDir   string
	started   time.Time
	validate  *validator.Validate
	log       zerolog.Logger
}

// AdminDeps groups the collaborators of AdminHandlers. Backups and Schedules may be nil.
type AdminDeps struct {
	Cache     CacheAdmin
	Budgets   BudgetReporter
	Backups   BackupLister
	Schedules ScheduleLister
	Databases []*database.DB
	DataDir   string
}

// NewAdminHandlers creates admin handlers
func NewAdminHandlers(deps AdminDeps, log zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{
		cache:     deps.Cache,
		budgets:   deps.Budgets,
		backups:   deps.Backups,
		schedules: deps.Schedules,
		databases: deps.Databases,
		dataDir:   deps.DataDir,
		started:   time.Now(),
		validate:  validator.New(),
		log:       log.With().Str("handler", "admin").Logger(),
	}
}

// RegisterRoutes registers admin routes (mounted under /api/admin)
func (h *AdminHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/cache", func(r chi.Router) {
		r.Get("/health", h.HandleCacheHealth)
		r.Get("/exhausted", h.HandleCacheExhausted)
		r.Post("/invalidate", h.HandleCacheInvalidate)
		r.Post("/reset", h.HandleCacheReset)
	})
	r.Get("/providers/budgets", h.HandleProviderBudgets)
	r.Get("/system/stats", h.HandleSystemStats)
	r.Get("/system/databases", h.HandleDatabaseStats)
	r.Get("/schedules", h.HandleSchedules)
	r.Get("/backups", h.HandleListBackups)
}

// HandleCacheHealth handles GET /api/admin/cache/health
func (h *AdminHandlers) HandleCacheHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.cache.Health(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read cache health")
		h.writeError(w, http.StatusInternalServerError, "failed to read cache health")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(health))
}

// HandleCacheExhausted handles GET /api/admin/cache/exhausted?limit=
func (h *AdminHandlers) HandleCacheExhausted(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := h.cache.Exhausted(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list exhausted entries")
		h.writeError(w, http.StatusInternalServerError, "failed to list exhausted entries")
		return
	}
	if entries == nil {
		entries = []riskcache.Entry{}
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	}))
}

type subjectRequest struct {
	SubjectType string `json:"subject_type" validate:"omitempty,oneof=security portfolio correlation beta_forecast"`
	SubjectID   string `json:"subject_id"`
	All         bool   `json:"all"`
}

// HandleCacheInvalidate handles POST /api/admin/cache/invalidate
func (h *AdminHandlers) HandleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubject(w, r)
	if !ok {
		return
	}

	n, err := h.cache.Invalidate(r.Context(), req.SubjectType, req.SubjectID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to invalidate cache")
		h.writeError(w, http.StatusInternalServerError, "failed to invalidate cache")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{"invalidated": n}))
}

// HandleCacheReset handles POST /api/admin/cache/reset. Deleting everything
// requires "all": true.
func (h *AdminHandlers) HandleCacheReset(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubject(w, r)
	if !ok {
		return
	}
	if req.SubjectType == "" && req.SubjectID == "" && !req.All {
		h.writeError(w, http.StatusBadRequest, "subject_type or subject_id is required unless all is true")
		return
	}

	n, err := h.cache.Reset(r.Context(), req.SubjectType, req.SubjectID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to reset cache")
		h.writeError(w, http.StatusInternalServerError, "failed to reset cache")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{"deleted": n}))
}

func (h *AdminHandlers) decodeSubject(w http.ResponseWriter, r *http.Request) (subjectRequest, bool) {
	var req subjectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return req, false
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

// HandleProviderBudgets handles GET /api/admin/providers/budgets
func (h *AdminHandlers) HandleProviderBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := h.budgets.Budgets(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read provider budgets")
		h.writeError(w, http.StatusInternalServerError, "failed to read provider budgets")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(budgets))
}

// SystemStats is the host snapshot returned by the system endpoint
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// HandleSystemStats handles GET /api/admin/system/stats
func (h *AdminHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := SystemStats{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}

	// A short sample keeps the endpoint responsive
	if pct, err := cpu.PercentWithContext(r.Context(), 100*time.Millisecond, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	}

	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
	} else {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	if h.dataDir != "" {
		if du, err := disk.UsageWithContext(r.Context(), h.dataDir); err == nil {
			stats.DiskPercent = du.UsedPercent
			stats.DiskFreeGB = float64(du.Free) / 1e9
		} else {
			h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk usage")
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024

	h.writeJSON(w, http.StatusOK, envelope(stats))
}

// DatabaseInfo describes one database file
type DatabaseInfo struct {
	Name          string  `json:"name"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	FreelistCount int64   `json:"freelist_count"`
}

// HandleDatabaseStats handles GET /api/admin/system/databases
func (h *AdminHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	infos := make([]DatabaseInfo, 0, len(h.databases))
	total := 0.0
	for _, db := range h.databases {
		s, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to get database stats")
			continue
		}
		info := DatabaseInfo{
			Name:          db.Name(),
			SizeMB:        float64(s.SizeBytes) / 1024 / 1024,
			WALSizeMB:     float64(s.WALSizeBytes) / 1024 / 1024,
			PageCount:     s.PageCount,
			FreelistCount: s.FreelistCount,
		}
		total += info.SizeMB + info.WALSizeMB
		infos = append(infos, info)
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"databases":     infos,
		"total_size_mb": total,
	}))
}

// HandleSchedules handles GET /api/admin/schedules
func (h *AdminHandlers) HandleSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if h.schedules != nil {
		entries = h.schedules.Entries()
	}
	h.writeJSON(w, http.StatusOK, envelope(entries))
}

// HandleListBackups handles GET /api/admin/backups
func (h *AdminHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		h.writeError(w, http.StatusServiceUnavailable, "backups are not configured")
		return
	}

	backups, err := h.backups.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		h.writeError(w, http.StatusBadGateway, "failed to list backups")
		return
	}
	if backups == nil {
		backups = []reliability.BackupInfo{}
	}
	h.writeJSON(w, http.StatusOK, envelope(backups))
}

func (h *AdminHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data, h.log)
}

func (h *AdminHandlers) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message}, h.log)
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
