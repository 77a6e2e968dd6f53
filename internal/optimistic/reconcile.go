package optimistic

import (
	"sort"
	"strings"

	"github.com/agentworkforce/tasksync/internal/tasksync"
)

// ShouldClear reports whether the stored record already reflects u, so the
// pending entry can be dropped without the displayed value changing. A nil
// rec means the entity is not in the store.
func ShouldClear(rec *tasksync.Record, u Update) bool {
	check := &clearCheck{rec: rec}
	u.Accept(check)
	return check.clear
}

type clearCheck struct {
	rec   *tasksync.Record
	clear bool
}

// task returns the stored task, or nil when the entity is gone. Deleted
// entities are never displayed, so any pending edit on them is moot.
func (c *clearCheck) task() (*tasksync.Task, bool) {
	if c.rec == nil || c.rec.Task == nil {
		return nil, false
	}
	if c.rec.IsDeleted {
		c.clear = true
		return nil, false
	}
	return c.rec.Task, true
}

func (c *clearCheck) VisitText(u TextChange) {
	task, ok := c.task()
	if !ok {
		return
	}
	c.clear = (u.Content == nil || task.Content == *u.Content) &&
		(u.Description == nil || task.Description == *u.Description)
}

func (c *clearCheck) VisitPriority(u PriorityChange) {
	if task, ok := c.task(); ok {
		c.clear = task.Priority == u.Priority
	}
}

func (c *clearCheck) VisitProject(u ProjectMove) {
	if task, ok := c.task(); ok {
		c.clear = task.ProjectID == u.ProjectID
	}
}

func (c *clearCheck) VisitLabels(u LabelChange) {
	if task, ok := c.task(); ok {
		c.clear = sameLabels(task.Labels, u.Labels)
	}
}

func (c *clearCheck) VisitDue(u DueChange) {
	if task, ok := c.task(); ok {
		c.clear = sameDue(task.Due, u.Due)
	}
}

func (c *clearCheck) VisitDeadline(u DeadlineChange) {
	task, ok := c.task()
	if !ok {
		return
	}
	switch {
	case task.Deadline == nil || u.Deadline == nil:
		c.clear = task.Deadline == nil && u.Deadline == nil
	default:
		c.clear = task.Deadline.Date == u.Deadline.Date
	}
}

// VisitComplete clears once the task is checked, or when it is no longer in
// the store at all.
func (c *clearCheck) VisitComplete(TaskComplete) {
	if c.rec == nil || c.rec.Task == nil {
		c.clear = true
		return
	}
	if task, ok := c.task(); ok {
		c.clear = task.Checked
	}
}

func (c *clearCheck) VisitHierarchy(u HierarchyMove) {
	task, ok := c.task()
	if !ok {
		return
	}
	c.clear = task.ParentID == u.ParentID && (u.ProjectID == "" || task.ProjectID == u.ProjectID)
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	left := normalizedLabels(a)
	right := normalizedLabels(b)
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

func normalizedLabels(labels []string) []string {
	out := make([]string, len(labels))
	for i, label := range labels {
		out[i] = strings.TrimSpace(label)
	}
	sort.Strings(out)
	return out
}

// sameDue compares the date-bearing fields; the human-readable string is
// rewritten by the remote and is not compared.
func sameDue(stored, proposed *tasksync.Due) bool {
	if stored == nil || proposed == nil {
		return stored == nil && proposed == nil
	}
	return stored.Date == proposed.Date &&
		stored.Timezone == proposed.Timezone &&
		stored.IsRecurring == proposed.IsRecurring
}
