package optimistic

import (
	"github.com/agentworkforce/tasksync/internal/tasksync"
)

// Overlay returns rec with u applied, which is what a reader should see while
// u is pending. rec itself is not modified.
func Overlay(rec tasksync.Record, u Update) tasksync.Record {
	out := rec.Clone()
	if out.Task == nil || u == nil {
		return out
	}
	u.Accept(&overlay{task: out.Task})
	return out
}

// Displayed reads id from the store and applies any pending ledger entry.
func Displayed(store RecordSource, ledger *Ledger, id string) (tasksync.Record, bool) {
	rec, ok := store.Get(tasksync.KindTask, id)
	if !ok {
		return tasksync.Record{}, false
	}
	if u, pending := ledger.Get(id); pending {
		return Overlay(rec, u), true
	}
	return rec, true
}

type overlay struct {
	task *tasksync.Task
}

func (o *overlay) VisitText(u TextChange) {
	if u.Content != nil {
		o.task.Content = *u.Content
	}
	if u.Description != nil {
		o.task.Description = *u.Description
	}
}

func (o *overlay) VisitPriority(u PriorityChange) { o.task.Priority = u.Priority }
func (o *overlay) VisitProject(u ProjectMove)     { o.task.ProjectID = u.ProjectID }

func (o *overlay) VisitLabels(u LabelChange) {
	o.task.Labels = append([]string(nil), u.Labels...)
}

func (o *overlay) VisitDue(u DueChange) { o.task.Due = cloneDue(u.Due) }

func (o *overlay) VisitDeadline(u DeadlineChange) {
	if u.Deadline == nil {
		o.task.Deadline = nil
		return
	}
	d := *u.Deadline
	o.task.Deadline = &d
}

func (o *overlay) VisitComplete(u TaskComplete) {
	o.task.Checked = true
	at := u.CreatedAt()
	o.task.CompletedAt = &at
}

func (o *overlay) VisitHierarchy(u HierarchyMove) {
	o.task.ParentID = u.ParentID
	if u.ProjectID != "" {
		o.task.ProjectID = u.ProjectID
	}
}
