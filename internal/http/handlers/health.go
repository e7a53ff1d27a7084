package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/transcodarr/internal/transcode"
	"github.com/jmylchreest/transcodarr/pkg/httpclient"
)

// slowPingThreshold marks the job store as slow.
const slowPingThreshold = 100 * time.Millisecond

// Pinger checks a backend's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats reports job pool occupancy.
type PoolStats interface {
	Stats() transcode.Stats
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version    string
	startTime  time.Time
	clients    *httpclient.Registry
	store      Pinger
	storeName  string
	pool       PoolStats
	stagingDir string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithClients sets the registry whose circuit breakers are reported.
func (h *HealthHandler) WithClients(clients *httpclient.Registry) *HealthHandler {
	h.clients = clients
	return h
}

// WithStore sets the job store checked by the health endpoint.
func (h *HealthHandler) WithStore(name string, store Pinger) *HealthHandler {
	h.storeName = name
	h.store = store
	return h
}

// WithPool sets the job pool reported by the health endpoint.
func (h *HealthHandler) WithPool(pool PoolStats) *HealthHandler {
	h.pool = pool
	return h
}

// WithStagingDir sets the directory whose disk usage is reported.
func (h *HealthHandler) WithStagingDir(dir string) *HealthHandler {
	h.stagingDir = dir
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the health check body. Status is "ok" unless the job
// store is unreachable.
type HealthResponse struct {
	Status          string                            `json:"status"`
	Timestamp       string                            `json:"timestamp"`
	Version         string                            `json:"version"`
	Uptime          string                            `json:"uptime"`
	UptimeSeconds   float64                           `json:"uptime_seconds"`
	CPU             CPUInfo                           `json:"cpu"`
	Memory          MemoryInfo                        `json:"memory"`
	Staging         *DiskInfo                         `json:"staging,omitempty"`
	Jobs            *transcode.Stats                  `json:"jobs,omitempty"`
	Store           StoreHealth                       `json:"store"`
	CircuitBreakers []httpclient.CircuitBreakerStatus `json:"circuit_breakers"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process tree memory usage. Child processes
// are the running transcoders.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	MainProcessMB     float64 `json:"main_process_mb"`
	ChildProcessesMB  float64 `json:"child_processes_mb"`
	ChildProcessCount int     `json:"child_process_count"`
}

// DiskInfo holds usage of the filesystem backing the staging directories.
type DiskInfo struct {
	Path        string  `json:"path"`
	Free        string  `json:"free"`
	Total       string  `json:"total"`
	UsedPercent float64 `json:"used_percent"`
}

// StoreHealth reports the job store.
type StoreHealth struct {
	Backend        string  `json:"backend"`
	Status         string  `json:"status"` // ok, slow, error, unknown
	ResponseTimeMS float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:          "ok",
		Timestamp:       now.UTC().Format(time.RFC3339),
		Version:         h.version,
		Uptime:          uptime.Round(time.Second).String(),
		UptimeSeconds:   uptime.Seconds(),
		CPU:             cpuInfo(),
		Memory:          memoryInfo(),
		Staging:         diskInfo(h.stagingDir),
		Store:           h.storeHealth(ctx),
		CircuitBreakers: []httpclient.CircuitBreakerStatus{},
	}
	if h.clients != nil {
		resp.CircuitBreakers = h.clients.GetCircuitBreakerStatuses()
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		// Client addresses stay off the unauthenticated endpoint.
		stats.Clients = nil
		resp.Jobs = &stats
	}
	if resp.Store.Status == "error" {
		resp.Status = "degraded"
	}

	return &HealthOutput{Body: resp}, nil
}

func (h *HealthHandler) storeHealth(ctx context.Context) StoreHealth {
	health := StoreHealth{Backend: h.storeName, Status: "unknown"}
	if h.store == nil {
		return health
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := h.store.Ping(ctx)
	elapsed := time.Since(start)
	health.ResponseTimeMS = float64(elapsed.Microseconds()) / 1000

	switch {
	case err != nil:
		health.Status = "error"
		health.Error = err.Error()
	case elapsed > slowPingThreshold:
		health.Status = "slow"
	default:
		health.Status = "ok"
	}
	return health
}

func cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func memoryInfo() MemoryInfo {
	var info MemoryInfo
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMemoryMB = toMB(vm.Total)
		info.AvailableMemoryMB = toMB(vm.Available)
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		info.MainProcessMB = toMB(mi.RSS)
	}
	if children, err := proc.Children(); err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if mi, err := child.MemoryInfo(); err == nil && mi != nil {
				info.ChildProcessesMB += toMB(mi.RSS)
			}
		}
	}
	return info
}

func diskInfo(path string) *DiskInfo {
	if path == "" {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil || usage == nil {
		return nil
	}
	return &DiskInfo{
		Path:        path,
		Free:        humanize.IBytes(usage.Free),
		Total:       humanize.IBytes(usage.Total),
		UsedPercent: usage.UsedPercent,
	}
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
