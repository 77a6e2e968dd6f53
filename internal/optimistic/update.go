// Package optimistic holds locally issued task edits that the remote has not
// confirmed yet, and decides when the mirror has caught up with them.
package optimistic

import (
	"time"

	"github.com/agentworkforce/tasksync/internal/tasksync"
)

type Tag string

const (
	TagText      Tag = "text"
	TagPriority  Tag = "priority"
	TagProject   Tag = "project"
	TagLabels    Tag = "labels"
	TagDue       Tag = "due"
	TagDeadline  Tag = "deadline"
	TagComplete  Tag = "complete"
	TagHierarchy Tag = "hierarchy"
)

// Update is one pending edit. The set of variants is closed; Visitor has one
// method per variant so adding one breaks every switch that must handle it.
type Update interface {
	EntityID() string
	Tag() Tag
	CreatedAt() time.Time
	Accept(v Visitor)
	isUpdate()
}

type Visitor interface {
	VisitText(TextChange)
	VisitPriority(PriorityChange)
	VisitProject(ProjectMove)
	VisitLabels(LabelChange)
	VisitDue(DueChange)
	VisitDeadline(DeadlineChange)
	VisitComplete(TaskComplete)
	VisitHierarchy(HierarchyMove)
}

type base struct {
	ID string
	At time.Time
}

func newBase(id string) base {
	return base{ID: id, At: time.Now().UTC()}
}

func (b base) EntityID() string     { return b.ID }
func (b base) CreatedAt() time.Time { return b.At }
func (base) isUpdate()              {}

// TextChange edits content and/or description; nil fields are unchanged.
type TextChange struct {
	base
	Content     *string
	Description *string
}

func NewTextChange(id string, content, description *string) TextChange {
	return TextChange{base: newBase(id), Content: content, Description: description}
}

func (TextChange) Tag() Tag           { return TagText }
func (u TextChange) Accept(v Visitor) { v.VisitText(u) }

type PriorityChange struct {
	base
	Priority int
}

func NewPriorityChange(id string, priority int) PriorityChange {
	return PriorityChange{base: newBase(id), Priority: priority}
}

func (PriorityChange) Tag() Tag           { return TagPriority }
func (u PriorityChange) Accept(v Visitor) { v.VisitPriority(u) }

type ProjectMove struct {
	base
	ProjectID string
}

func NewProjectMove(id, projectID string) ProjectMove {
	return ProjectMove{base: newBase(id), ProjectID: projectID}
}

func (ProjectMove) Tag() Tag           { return TagProject }
func (u ProjectMove) Accept(v Visitor) { v.VisitProject(u) }

type LabelChange struct {
	base
	Labels []string
}

func NewLabelChange(id string, labels []string) LabelChange {
	return LabelChange{base: newBase(id), Labels: append([]string(nil), labels...)}
}

func (LabelChange) Tag() Tag           { return TagLabels }
func (u LabelChange) Accept(v Visitor) { v.VisitLabels(u) }

// DueChange sets the due date; a nil Due removes it.
type DueChange struct {
	base
	Due *tasksync.Due
}

func NewDueChange(id string, due *tasksync.Due) DueChange {
	return DueChange{base: newBase(id), Due: cloneDue(due)}
}

func (DueChange) Tag() Tag           { return TagDue }
func (u DueChange) Accept(v Visitor) { v.VisitDue(u) }

type DeadlineChange struct {
	base
	Deadline *tasksync.Deadline
}

func NewDeadlineChange(id string, deadline *tasksync.Deadline) DeadlineChange {
	var copied *tasksync.Deadline
	if deadline != nil {
		d := *deadline
		copied = &d
	}
	return DeadlineChange{base: newBase(id), Deadline: copied}
}

func (DeadlineChange) Tag() Tag           { return TagDeadline }
func (u DeadlineChange) Accept(v Visitor) { v.VisitDeadline(u) }

type TaskComplete struct {
	base
}

func NewTaskComplete(id string) TaskComplete {
	return TaskComplete{base: newBase(id)}
}

func (TaskComplete) Tag() Tag           { return TagComplete }
func (u TaskComplete) Accept(v Visitor) { v.VisitComplete(u) }

// HierarchyMove re-parents a task. An empty ParentID moves it to the top
// level of ProjectID.
type HierarchyMove struct {
	base
	ParentID  string
	ProjectID string
}

func NewHierarchyMove(id, parentID, projectID string) HierarchyMove {
	return HierarchyMove{base: newBase(id), ParentID: parentID, ProjectID: projectID}
}

func (HierarchyMove) Tag() Tag           { return TagHierarchy }
func (u HierarchyMove) Accept(v Visitor) { v.VisitHierarchy(u) }

func cloneDue(due *tasksync.Due) *tasksync.Due {
	if due == nil {
		return nil
	}
	d := *due
	return &d
}
