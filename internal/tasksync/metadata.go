package tasksync

import (
	"sort"
	"time"
)

// ProjectMetadata is derived from the task rows of one project. It is
// recomputed after a sync that touched tasks and is not persisted.
type ProjectMetadata struct {
	ProjectID      string    `json:"project_id"`
	ActiveTasks    int       `json:"active_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	OverdueTasks   int       `json:"overdue_tasks"`
	Labels         []string  `json:"labels,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// RecomputeProjectMetadata rebuilds metadata for every live project and
// returns how many projects were computed.
func (s *Store) RecomputeProjectMetadata(now time.Time) int {
	if now.IsZero() {
		now = s.now()
	}
	today := now.UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()
	meta := map[string]*ProjectMetadata{}
	labels := map[string]map[string]struct{}{}
	for id, rec := range s.records[KindProject] {
		if rec.IsDeleted {
			continue
		}
		meta[id] = &ProjectMetadata{ProjectID: id, ComputedAt: now.UTC()}
		labels[id] = map[string]struct{}{}
	}
	for _, rec := range s.records[KindTask] {
		if rec.IsDeleted || rec.Task == nil {
			continue
		}
		entry, ok := meta[rec.Task.ProjectID]
		if !ok {
			continue
		}
		if rec.Task.Checked {
			entry.CompletedTasks++
			continue
		}
		entry.ActiveTasks++
		if rec.Task.Due != nil && len(rec.Task.Due.Date) >= 10 && rec.Task.Due.Date[:10] < today {
			entry.OverdueTasks++
		}
		for _, label := range rec.Task.Labels {
			labels[rec.Task.ProjectID][label] = struct{}{}
		}
	}
	s.projectMeta = make(map[string]ProjectMetadata, len(meta))
	for id, entry := range meta {
		for label := range labels[id] {
			entry.Labels = append(entry.Labels, label)
		}
		sort.Strings(entry.Labels)
		s.projectMeta[id] = *entry
	}
	return len(meta)
}

func (s *Store) ProjectMetadata(projectID string) (ProjectMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.projectMeta[projectID]
	return meta, ok
}
