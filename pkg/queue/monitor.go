package queue

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/revback/revback/pkg/contracts"
)

// QueueHealth is one queue's snapshot for the admin queues endpoint.
type QueueHealth struct {
	Name             string  `json:"name"`
	Waiting          int     `json:"waiting"`
	Active           int     `json:"active"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Delayed          int     `json:"delayed"`
	DeadLettered     int     `json:"dead_lettered"`
	ProcessedPerMin  float64 `json:"processed_per_minute"`
	OldestWaitingSec float64 `json:"oldest_waiting_seconds"`
}

// Monitor reads queue state via the asynq inspector.
type Monitor struct {
	inspector *asynq.Inspector
}

// NewMonitor creates a Monitor.
func NewMonitor(redisOpt asynq.RedisConnOpt) *Monitor {
	return &Monitor{inspector: asynq.NewInspector(redisOpt)}
}

// Health returns a snapshot of every named queue.
func (m *Monitor) Health() ([]QueueHealth, error) {
	out := make([]QueueHealth, 0, len(contracts.AllQueues))
	for name := range contracts.AllQueues {
		info, err := m.inspector.GetQueueInfo(name)
		if err != nil {
			// A queue with no traffic yet does not exist in Redis.
			out = append(out, QueueHealth{Name: name})
			continue
		}
		h := QueueHealth{
			Name:         name,
			Waiting:      info.Pending,
			Active:       info.Active,
			Completed:    info.Completed,
			Failed:       info.Failed,
			Delayed:      info.Scheduled + info.Retry,
			DeadLettered: info.Archived,
		}
		if info.ProcessedTotal > 0 {
			// Rough processing rate over the current day's counter.
			elapsed := time.Since(time.Now().Truncate(24 * time.Hour)).Minutes()
			if elapsed > 0 {
				h.ProcessedPerMin = float64(info.Processed) / elapsed
			}
		}
		if oldest, err := m.oldestWaiting(name); err == nil && !oldest.IsZero() {
			h.OldestWaitingSec = time.Since(oldest).Seconds()
		}
		out = append(out, h)
	}
	return out, nil
}

// DeadLetters lists archived (dead-lettered) tasks for a queue.
func (m *Monitor) DeadLetters(queue string, limit int) ([]*asynq.TaskInfo, error) {
	tasks, err := m.inspector.ListArchivedTasks(queue, asynq.PageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("queue: list archived: %w", err)
	}
	return tasks, nil
}

func (m *Monitor) oldestWaiting(queue string) (time.Time, error) {
	tasks, err := m.inspector.ListPendingTasks(queue, asynq.PageSize(1))
	if err != nil || len(tasks) == 0 {
		return time.Time{}, err
	}
	// Pending tasks have no explicit enqueue timestamp on TaskInfo; the
	// next-process-at of the head of the queue is the closest proxy.
	return tasks[0].NextProcessAt, nil
}
