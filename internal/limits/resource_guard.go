package limits

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

// Usage is one resource sample.
type Usage struct {
	CPUPercent float64
	RSSBytes   uint64
	Goroutines int
}

// Sampler reads current resource usage.
type Sampler interface {
	Sample() (Usage, error)
}

// ProcessSampler samples this process through gopsutil, falling back to
// host memory when process stats are unavailable.
type ProcessSampler struct {
	proc *process.Process
}

func NewProcessSampler() *ProcessSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &ProcessSampler{proc: proc}
}

func (s *ProcessSampler) Sample() (Usage, error) {
	usage := Usage{Goroutines: runtime.NumGoroutine()}

	if s.proc == nil {
		vmem, err := mem.VirtualMemory()
		if err != nil {
			return usage, fmt.Errorf("reading host memory: %w", err)
		}
		usage.RSSBytes = vmem.Used
		return usage, nil
	}

	cpu, err := s.proc.Percent(0)
	if err != nil {
		return usage, fmt.Errorf("reading process cpu: %w", err)
	}
	usage.CPUPercent = cpu / float64(runtime.NumCPU())

	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("reading process memory: %w", err)
	}
	usage.RSSBytes = memInfo.RSS

	return usage, nil
}

// ResourceGuardConfig holds the static admission limits. A zero limit
// disables that check.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64
	MemoryLimit        int64
	MaxGoroutines      int
	Logger             zerolog.Logger
}

// ResourceGuard decides whether new connections are admitted, based on the
// configured limits and the most recent resource sample.
type ResourceGuard struct {
	config  ResourceGuardConfig
	sampler Sampler
	logger  zerolog.Logger

	mu   sync.RWMutex
	last Usage
}

func NewResourceGuard(config ResourceGuardConfig, sampler Sampler) *ResourceGuard {
	if sampler == nil {
		sampler = NewProcessSampler()
	}

	rg := &ResourceGuard{
		config:  config,
		sampler: sampler,
		logger:  config.Logger.With().Str("component", "resource_guard").Logger(),
	}

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Int64("memory_limit", config.MemoryLimit).
		Int("max_goroutines", config.MaxGoroutines).
		Msg("ResourceGuard initialized")

	return rg
}

// ShouldAcceptConnection checks, in order: the connection limit, the CPU
// brake, the memory brake and the goroutine limit.
func (rg *ResourceGuard) ShouldAcceptConnection(currentConns int64) (bool, string) {
	rg.mu.RLock()
	usage := rg.last
	rg.mu.RUnlock()

	switch {
	case rg.config.MaxConnections > 0 && currentConns >= int64(rg.config.MaxConnections):
		monitoring.IncrementCapacityRejection("at_max_connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)

	case rg.config.CPURejectThreshold > 0 && usage.CPUPercent > rg.config.CPURejectThreshold:
		monitoring.IncrementCapacityRejection("cpu_overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", usage.CPUPercent, rg.config.CPURejectThreshold)

	case rg.config.MemoryLimit > 0 && int64(usage.RSSBytes) > rg.config.MemoryLimit:
		monitoring.IncrementCapacityRejection("memory_limit")
		return false, "memory limit exceeded"

	case rg.config.MaxGoroutines > 0 && usage.Goroutines > rg.config.MaxGoroutines:
		monitoring.IncrementCapacityRejection("goroutine_limit")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", usage.Goroutines, rg.config.MaxGoroutines)
	}

	return true, "OK"
}

// UpdateResources takes a fresh sample. A failed sample keeps the previous
// one so a flaky reading never opens the gate.
func (rg *ResourceGuard) UpdateResources() Usage {
	usage, err := rg.sampler.Sample()
	if err != nil {
		monitoring.LogError(rg.logger, err, "Failed to sample resource usage", nil)
		rg.mu.RLock()
		defer rg.mu.RUnlock()
		return rg.last
	}

	rg.mu.Lock()
	rg.last = usage
	rg.mu.Unlock()

	monitoring.SetResourceUsage(usage.CPUPercent, usage.RSSBytes, usage.Goroutines)

	rg.logger.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Uint64("memory_mb", usage.RSSBytes/(1024*1024)).
		Int("goroutines", usage.Goroutines).
		Msg("Resource state updated")

	return usage
}

// StartMonitoring samples every interval until ctx is done.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	rg.UpdateResources()

	go func() {
		defer monitoring.RecoverPanic(rg.logger, "resource_guard_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("ResourceGuard monitoring stopped")
				return
			}
		}
	}()

	rg.logger.Info().Dur("interval", interval).Msg("ResourceGuard monitoring started")
}

// Stats returns the limits and latest sample for the health endpoint.
func (rg *ResourceGuard) Stats() map[string]any {
	rg.mu.RLock()
	usage := rg.last
	rg.mu.RUnlock()

	return map[string]any{
		"cpu_percent":          usage.CPUPercent,
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
		"memory_bytes":         usage.RSSBytes,
		"memory_limit_bytes":   rg.config.MemoryLimit,
		"goroutines":           usage.Goroutines,
		"goroutines_limit":     rg.config.MaxGoroutines,
		"max_connections":      rg.config.MaxConnections,
	}
}
