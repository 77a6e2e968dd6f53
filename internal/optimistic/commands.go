package optimistic

import (
	"github.com/agentworkforce/tasksync/internal/todoist"
)

// CommandFor maps a pending update to the remote command that performs it.
func CommandFor(u Update) todoist.Command {
	b := &commandBuilder{}
	u.Accept(b)
	return b.cmd
}

type commandBuilder struct {
	cmd todoist.Command
}

func (b *commandBuilder) VisitText(u TextChange) {
	args := map[string]any{"id": u.EntityID()}
	if u.Content != nil {
		args["content"] = *u.Content
	}
	if u.Description != nil {
		args["description"] = *u.Description
	}
	b.cmd = todoist.NewCommand(todoist.CommandItemUpdate, args)
}

func (b *commandBuilder) VisitPriority(u PriorityChange) {
	b.cmd = todoist.NewCommand(todoist.CommandItemUpdate, map[string]any{"id": u.EntityID(), "priority": u.Priority})
}

func (b *commandBuilder) VisitProject(u ProjectMove) {
	b.cmd = todoist.NewCommand(todoist.CommandItemMove, map[string]any{"id": u.EntityID(), "project_id": u.ProjectID})
}

func (b *commandBuilder) VisitLabels(u LabelChange) {
	labels := u.Labels
	if labels == nil {
		labels = []string{}
	}
	b.cmd = todoist.NewCommand(todoist.CommandItemUpdate, map[string]any{"id": u.EntityID(), "labels": labels})
}

func (b *commandBuilder) VisitDue(u DueChange) {
	args := map[string]any{"id": u.EntityID(), "due": nil}
	if u.Due != nil {
		due := map[string]any{"date": u.Due.Date, "is_recurring": u.Due.IsRecurring}
		if u.Due.Timezone != "" {
			due["timezone"] = u.Due.Timezone
		}
		if u.Due.String != "" {
			due["string"] = u.Due.String
		}
		args["due"] = due
	}
	b.cmd = todoist.NewCommand(todoist.CommandItemUpdate, args)
}

func (b *commandBuilder) VisitDeadline(u DeadlineChange) {
	args := map[string]any{"id": u.EntityID(), "deadline": nil}
	if u.Deadline != nil {
		args["deadline"] = map[string]any{"date": u.Deadline.Date}
	}
	b.cmd = todoist.NewCommand(todoist.CommandItemUpdate, args)
}

func (b *commandBuilder) VisitComplete(u TaskComplete) {
	b.cmd = todoist.NewCommand(todoist.CommandItemClose, map[string]any{"id": u.EntityID()})
}

func (b *commandBuilder) VisitHierarchy(u HierarchyMove) {
	args := map[string]any{"id": u.EntityID()}
	switch {
	case u.ParentID != "":
		args["parent_id"] = u.ParentID
	case u.ProjectID != "":
		args["project_id"] = u.ProjectID
	}
	b.cmd = todoist.NewCommand(todoist.CommandItemMove, args)
}
