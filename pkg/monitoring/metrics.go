package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/ratecache"
	"github.com/jdziat/taxsync/pkg/scheduler"
)

// SystemMetrics describes the host process.
type SystemMetrics struct {
	Goroutines        int           `json:"goroutines"`
	HeapAllocBytes    uint64        `json:"heapAllocBytes"`
	MemoryTotal       uint64        `json:"memoryTotal,omitempty"`
	MemoryAvailable   uint64        `json:"memoryAvailable,omitempty"`
	MemoryUsedPercent float64       `json:"memoryUsedPercent,omitempty"`
	Uptime            time.Duration `json:"uptime"`
}

// Metrics is returned by Service.Metrics. Sections of components that are
// not configured or failed to report are omitted.
type Metrics struct {
	Timestamp time.Time         `json:"timestamp"`
	Queues    []*queue.Metrics  `json:"queues,omitempty"`
	Cache     *ratecache.Stats  `json:"cache,omitempty"`
	Audit     *audit.WriteStats `json:"audit,omitempty"`
	Scheduler *scheduler.Status `json:"scheduler,omitempty"`
	System    SystemMetrics     `json:"system"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Metrics collects a point-in-time snapshot of every component.
func (s *Service) Metrics(ctx context.Context) *Metrics {
	m := &Metrics{Timestamp: s.now(), System: s.systemMetrics()}
	fail := func(component string, err error) {
		if m.Errors == nil {
			m.Errors = map[string]string{}
		}
		m.Errors[component] = err.Error()
	}

	if s.broker != nil {
		qctx, cancel := context.WithTimeout(ctx, s.timeout)
		queues, err := s.broker.GetAllQueueMetrics(qctx)
		cancel()
		if err != nil {
			fail("queues", err)
		} else {
			m.Queues = queues
		}
	}
	if s.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		m.Cache = s.cache.GetCacheStats(cctx)
		cancel()
	}
	if s.audit != nil {
		ws := s.audit.Stats()
		m.Audit = &ws
	}
	if s.scheduler != nil {
		st := s.scheduler.GetScheduleStatus()
		m.Scheduler = &st
	}
	return m
}

func (s *Service) systemMetrics() SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sys := SystemMetrics{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		Uptime:         s.now().Sub(s.started),
	}
	if s.memory != nil {
		if total, available, err := s.memory(); err == nil {
			sys.MemoryTotal = total
			sys.MemoryAvailable = available
			sys.MemoryUsedPercent = usedPercent(total, available)
		}
	}
	return sys
}
