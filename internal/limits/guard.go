package limits

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// GuardConfig holds the static limits enforced at connection-admission
// time.
type GuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent; 0 disables the CPU check
	MemoryLimitBytes   int64   // 0 disables the memory check
}

// ConnectionGuard enforces static resource limits before a new connection
// is accepted: the hard connection cap, plus optional CPU and memory
// emergency brakes.
type ConnectionGuard struct {
	cfg          GuardConfig
	logger       zerolog.Logger
	cpuMonitor   *CPUMonitor
	currentConns *int64
}

// NewConnectionGuard builds a guard tracking currentConns (typically the
// accept loop's live-connection counter).
func NewConnectionGuard(cfg GuardConfig, logger zerolog.Logger, currentConns *int64) *ConnectionGuard {
	return &ConnectionGuard{
		cfg:          cfg,
		logger:       logger,
		cpuMonitor:   NewCPUMonitor(logger),
		currentConns: currentConns,
	}
}

// ShouldAccept reports whether a new connection may be admitted, and if
// not, why.
func (g *ConnectionGuard) ShouldAccept() (accept bool, reason string) {
	current := atomic.LoadInt64(g.currentConns)
	if g.cfg.MaxConnections > 0 && current >= int64(g.cfg.MaxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}

	if g.cfg.CPURejectThreshold > 0 {
		if pct, err := g.cpuMonitor.GetPercent(); err == nil && pct > g.cfg.CPURejectThreshold {
			return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", pct, g.cfg.CPURejectThreshold)
		}
	}

	if g.cfg.MemoryLimitBytes > 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		if alloc := int64(mem.Alloc); alloc > g.cfg.MemoryLimitBytes {
			return false, fmt.Sprintf("memory %dMB > %dMB", alloc/(1024*1024), g.cfg.MemoryLimitBytes/(1024*1024))
		}
	}

	return true, ""
}
