// Package health derives the service health report from the live state of
// the worker pool, the session manager and the command queue.
package health

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

type Workers interface {
	Workers() []pool.WorkerInfo
}

type Sessions interface {
	Count() int
	Max() int
}

type Queue interface {
	Len() int
	Max() int
	Dropped() uint64
}

type Signals struct {
	MemoryPressure     models.Signal `json:"memoryPressure"`
	WorkerAvailability models.Signal `json:"workerAvailability"`
	SessionSaturation  models.Signal `json:"sessionSaturation"`
	QueueCongestion    models.Signal `json:"queueCongestion"`
}

// Report is the body of GET /health.
type Report struct {
	Status    models.HealthStatus  `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Uptime    string               `json:"uptime"`
	Workers   []pool.WorkerInfo    `json:"workers"`
	Sessions  models.SessionCounts `json:"sessions"`
	Queue     models.QueueStats    `json:"queue"`
	Signals   Signals              `json:"signals"`
}

type Checker struct {
	workers  Workers
	sessions Sessions
	queue    Queue
	started  time.Time
	// memory returns live heap bytes and the memory limit, zero when the
	// process has none.
	memory func() (used, limit uint64)
	now    func() time.Time
}

func NewChecker(workers Workers, sessions Sessions, queue Queue) *Checker {
	return &Checker{
		workers:  workers,
		sessions: sessions,
		queue:    queue,
		started:  time.Now(),
		memory:   heapUsage,
		now:      time.Now,
	}
}

func (c *Checker) Report() Report {
	now := c.now()
	workers := c.workers.Workers()

	ready := 0
	for _, w := range workers {
		if w.Status == pool.StatusReady {
			ready++
		}
	}

	r := Report{
		Timestamp: now,
		Uptime:    now.Sub(c.started).Round(time.Second).String(),
		Workers:   workers,
		Sessions:  models.SessionCounts{Active: c.sessions.Count(), Max: c.sessions.Max()},
		Queue:     models.QueueStats{Depth: c.queue.Len(), Max: c.queue.Max(), Dropped: c.queue.Dropped()},
	}
	r.Signals = Signals{
		MemoryPressure:     memorySignal(c.memory()),
		WorkerAvailability: workerSignal(ready, len(workers)),
		SessionSaturation:  ratioSignal(r.Sessions.Active, r.Sessions.Max, 0.8, 1.0, "sessions"),
		QueueCongestion:    ratioSignal(r.Queue.Depth, r.Queue.Max, 0.5, 0.9, "queued commands"),
	}
	r.Status = Classify(r.Signals)
	return r
}

// Classify folds the signals into one status. Only losing every worker
// makes the service unhealthy; anything else is at worst degraded.
func Classify(s Signals) models.HealthStatus {
	if s.WorkerAvailability.Level == models.LevelCritical {
		return models.Unhealthy
	}
	for _, sig := range []models.Signal{s.MemoryPressure, s.WorkerAvailability, s.SessionSaturation, s.QueueCongestion} {
		if sig.Level != models.LevelHealthy {
			return models.Degraded
		}
	}
	return models.Healthy
}

func level(v, warn, crit float64) models.SignalLevel {
	switch {
	case v >= crit:
		return models.LevelCritical
	case v >= warn:
		return models.LevelWarning
	}
	return models.LevelHealthy
}

func workerSignal(ready, total int) models.Signal {
	if total == 0 || ready == 0 {
		return models.Signal{Level: models.LevelCritical, Message: fmt.Sprintf("%d of %d workers ready", ready, total)}
	}
	ratio := float64(ready) / float64(total)
	lvl := models.LevelHealthy
	if ratio < 0.5 {
		lvl = models.LevelWarning
	}
	return models.Signal{Level: lvl, Value: ratio, Message: fmt.Sprintf("%d of %d workers ready", ready, total)}
}

func ratioSignal(n, max int, warn, crit float64, what string) models.Signal {
	if max <= 0 {
		return models.Signal{Level: models.LevelHealthy}
	}
	ratio := float64(n) / float64(max)
	return models.Signal{Level: level(ratio, warn, crit), Value: ratio, Message: fmt.Sprintf("%d of %d %s", n, max, what)}
}

func memorySignal(used, limit uint64) models.Signal {
	const mb = 1 << 20
	if limit == 0 {
		return models.Signal{Level: models.LevelHealthy, Message: fmt.Sprintf("%d MB heap, no memory limit set", used/mb)}
	}
	usage := float64(used) / float64(limit)
	return models.Signal{
		Level:   level(usage, 0.8, 0.95),
		Value:   usage,
		Message: fmt.Sprintf("%d of %d MB", used/mb, limit/mb),
	}
}

// heapUsage reads the live heap and GOMEMLIMIT.
func heapUsage() (used, limit uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	if l := debug.SetMemoryLimit(-1); l > 0 && l != math.MaxInt64 {
		limit = uint64(l)
	}
	return ms.HeapAlloc, limit
}
