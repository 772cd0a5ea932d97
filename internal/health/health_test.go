package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

type stubWorkers []pool.WorkerInfo

func (s stubWorkers) Workers() []pool.WorkerInfo { return s }

type stubSessions struct{ count, max int }

func (s stubSessions) Count() int { return s.count }
func (s stubSessions) Max() int   { return s.max }

type stubQueue struct {
	depth, max int
	dropped    uint64
}

func (q stubQueue) Len() int        { return q.depth }
func (q stubQueue) Max() int        { return q.max }
func (q stubQueue) Dropped() uint64 { return q.dropped }

func workers(statuses ...pool.Status) stubWorkers {
	out := make(stubWorkers, len(statuses))
	for i, st := range statuses {
		out[i] = pool.WorkerInfo{ID: string(rune('a' + i)), Status: st}
	}
	return out
}

func TestReport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		workers  stubWorkers
		sessions stubSessions
		queue    stubQueue
		memory   [2]uint64
		want     models.HealthStatus
		check    func(t *testing.T, r Report)
	}{
		{
			name:     "all good",
			workers:  workers(pool.StatusReady, pool.StatusReady, pool.StatusReady),
			sessions: stubSessions{count: 2, max: 10},
			queue:    stubQueue{depth: 3, max: 1000},
			want:     models.Healthy,
		},
		{
			name:     "no ready workers",
			workers:  workers(pool.StatusDead, pool.StatusError, pool.StatusInitializing),
			sessions: stubSessions{count: 0, max: 10},
			queue:    stubQueue{max: 1000},
			want:     models.Unhealthy,
			check: func(t *testing.T, r Report) {
				assert.Equal(t, models.LevelCritical, r.Signals.WorkerAvailability.Level)
				assert.Equal(t, "0 of 3 workers ready", r.Signals.WorkerAvailability.Message)
			},
		},
		{
			name:     "empty pool",
			sessions: stubSessions{max: 10},
			queue:    stubQueue{max: 1000},
			want:     models.Unhealthy,
		},
		{
			name:     "one of three ready",
			workers:  workers(pool.StatusReady, pool.StatusDead, pool.StatusDead),
			sessions: stubSessions{max: 10},
			queue:    stubQueue{max: 1000},
			want:     models.Degraded,
			check: func(t *testing.T, r Report) {
				assert.Equal(t, models.LevelWarning, r.Signals.WorkerAvailability.Level)
			},
		},
		{
			name:     "sessions saturated",
			workers:  workers(pool.StatusReady),
			sessions: stubSessions{count: 10, max: 10},
			queue:    stubQueue{max: 1000},
			want:     models.Degraded,
			check: func(t *testing.T, r Report) {
				assert.Equal(t, models.LevelCritical, r.Signals.SessionSaturation.Level)
				assert.Equal(t, models.SessionCounts{Active: 10, Max: 10}, r.Sessions)
			},
		},
		{
			name:     "queue congested",
			workers:  workers(pool.StatusReady),
			sessions: stubSessions{max: 10},
			queue:    stubQueue{depth: 600, max: 1000, dropped: 4},
			want:     models.Degraded,
			check: func(t *testing.T, r Report) {
				assert.Equal(t, models.LevelWarning, r.Signals.QueueCongestion.Level)
				assert.EqualValues(t, 4, r.Queue.Dropped)
			},
		},
		{
			name:     "memory near limit",
			workers:  workers(pool.StatusReady),
			sessions: stubSessions{max: 10},
			queue:    stubQueue{max: 1000},
			memory:   [2]uint64{97, 100},
			want:     models.Degraded,
			check: func(t *testing.T, r Report) {
				assert.Equal(t, models.LevelCritical, r.Signals.MemoryPressure.Level)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker(tc.workers, tc.sessions, tc.queue)
			c.memory = func() (uint64, uint64) { return tc.memory[0], tc.memory[1] }

			r := c.Report()
			assert.Equal(t, tc.want, r.Status)
			assert.Len(t, r.Workers, len(tc.workers))
			if tc.check != nil {
				tc.check(t, r)
			}
		})
	}
}
