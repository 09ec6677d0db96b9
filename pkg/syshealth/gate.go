package syshealth

import (
	"context"
	"log/slog"
	"math"
	"runtime/debug"
	"runtime/metrics"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/emergent-company/ocrfleet/pkg/logger"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// Reading is one admission decision's inputs.
type Reading struct {
	HeapBytes uint64
	MaxBytes  uint64
	Ratio     float64
}

// MemoryGate decides whether new work may be admitted given current heap use.
// It takes no locks; concurrent callers may race past the threshold together.
type MemoryGate struct {
	cfg *Config
	log *slog.Logger

	maxBytes atomic.Uint64

	// Collection functions for mocking
	readHeap    func() uint64
	getMemLimit func() int64
	getMemStats func(context.Context) (*mem.VirtualMemoryStat, error)
}

// NewMemoryGate creates a gate (uses DefaultConfig if cfg is nil).
func NewMemoryGate(cfg *Config, log *slog.Logger) *MemoryGate {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryGate{
		cfg:         cfg,
		log:         log.With(logger.Scope("syshealth.gate")),
		readHeap:    readHeapObjects,
		getMemLimit: func() int64 { return debug.SetMemoryLimit(-1) },
		getMemStats: mem.VirtualMemoryWithContext,
	}
}

// Admit reports whether heap usage is below the threshold.
func (g *MemoryGate) Admit(ctx context.Context) bool {
	r := g.Read(ctx)
	HeapUtilization.Set(r.Ratio)
	if r.Ratio >= g.cfg.Threshold {
		AdmissionsDeferred.Inc()
		g.log.Warn("admission deferred under memory pressure",
			slog.Uint64("heap_bytes", r.HeapBytes),
			slog.Uint64("max_bytes", r.MaxBytes),
			slog.Float64("ratio", r.Ratio))
		return false
	}
	return true
}

// Read samples heap usage against the resolved ceiling.
func (g *MemoryGate) Read(ctx context.Context) Reading {
	r := Reading{HeapBytes: g.readHeap(), MaxBytes: g.ceiling(ctx)}
	if r.MaxBytes > 0 {
		r.Ratio = float64(r.HeapBytes) / float64(r.MaxBytes)
	}
	return r
}

// ceiling resolves the ceiling once and caches it. Zero means unknown, which always admits.
func (g *MemoryGate) ceiling(ctx context.Context) uint64 {
	if v := g.maxBytes.Load(); v > 0 {
		return v
	}

	var v uint64
	switch limit := g.getMemLimit(); {
	case g.cfg.MaxHeapBytes > 0:
		v = g.cfg.MaxHeapBytes
	case limit > 0 && limit < math.MaxInt64:
		v = uint64(limit)
	default:
		vm, err := g.getMemStats(ctx)
		if err != nil {
			g.log.Warn("failed to read host memory", logger.Error(err))
			return 0
		}
		v = vm.Total
	}

	g.maxBytes.Store(v)
	g.log.Debug("admission ceiling resolved", slog.Uint64("max_bytes", v))
	return v
}

func readHeapObjects() uint64 {
	s := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}
