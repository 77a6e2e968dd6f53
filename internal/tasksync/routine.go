package tasksync

import (
	"context"
	"strings"
	"time"
)

// RoutineStats counts completions of a recurring "routine" task.
type RoutineStats struct {
	TaskID          string     `json:"task_id"`
	Completed       int        `json:"completed"`
	Reopened        int        `json:"reopened"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	LastReopenedAt  *time.Time `json:"last_reopened_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (r RoutineStats) CompletionRate() float64 {
	total := r.Completed + r.Reopened
	if total == 0 {
		return 0
	}
	return float64(r.Completed) / float64(total)
}

func (s *Store) RoutineStats(taskID string) (RoutineStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.routines[taskID]
	return stats, ok
}

// RecordRoutineEvent counts one completion (completed=true) or reopen.
func (s *Store) RecordRoutineEvent(ctx context.Context, taskID string, completed bool, at time.Time) (RoutineStats, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return RoutineStats{}, ErrInvalidInput
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.routines[taskID]
	stats.TaskID = taskID
	if completed {
		stats.Completed++
		stats.LastCompletedAt = &at
	} else {
		stats.Reopened++
		stats.LastReopenedAt = &at
	}
	stats.UpdatedAt = s.now().UTC()
	if err := s.backend.SaveRoutineStats(ctx, stats); err != nil {
		return RoutineStats{}, err
	}
	s.routines[taskID] = stats
	return stats, nil
}

// HasLabel reports whether the task carries label, case-insensitively.
func HasLabel(task *Task, label string) bool {
	if task == nil {
		return false
	}
	for _, candidate := range task.Labels {
		if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(label)) {
			return true
		}
	}
	return false
}
