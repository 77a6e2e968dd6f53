package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/tasksync/internal/optimistic"
	"github.com/agentworkforce/tasksync/internal/tasksync"
)

// taskPatch is the PATCH /v1/tasks/{id} body. A request carries exactly one
// kind of edit, since a task holds at most one pending update. Content and
// description count as one edit.
type taskPatch struct {
	Content     *string         `json:"content"`
	Description *string         `json:"description"`
	Priority    *int            `json:"priority"`
	ProjectID   *string         `json:"project_id"`
	Labels      *[]string       `json:"labels"`
	Due         json.RawMessage `json:"due"`
	Deadline    json.RawMessage `json:"deadline"`
	Complete    bool            `json:"complete"`
	ParentID    *string         `json:"parent_id"`
}

func (p taskPatch) update(taskID string) (optimistic.Update, error) {
	var edits []optimistic.Update
	if p.Content != nil || p.Description != nil {
		if p.Content != nil && strings.TrimSpace(*p.Content) == "" {
			return nil, errors.New("content cannot be empty")
		}
		edits = append(edits, optimistic.NewTextChange(taskID, p.Content, p.Description))
	}
	if p.Priority != nil {
		if *p.Priority < 1 || *p.Priority > 4 {
			return nil, errors.New("priority must be 1-4")
		}
		edits = append(edits, optimistic.NewPriorityChange(taskID, *p.Priority))
	}
	if p.ParentID != nil {
		project := ""
		if p.ProjectID != nil {
			project = *p.ProjectID
		}
		edits = append(edits, optimistic.NewHierarchyMove(taskID, *p.ParentID, project))
	} else if p.ProjectID != nil {
		if strings.TrimSpace(*p.ProjectID) == "" {
			return nil, errors.New("project_id cannot be empty")
		}
		edits = append(edits, optimistic.NewProjectMove(taskID, *p.ProjectID))
	}
	if p.Labels != nil {
		edits = append(edits, optimistic.NewLabelChange(taskID, *p.Labels))
	}
	if len(p.Due) > 0 {
		var due *tasksync.Due
		if err := decodeNullable(p.Due, &due); err != nil {
			return nil, fmt.Errorf("invalid due: %w", err)
		}
		if due != nil && strings.TrimSpace(due.Date) == "" {
			return nil, errors.New("due.date is required")
		}
		edits = append(edits, optimistic.NewDueChange(taskID, due))
	}
	if len(p.Deadline) > 0 {
		var deadline *tasksync.Deadline
		if err := decodeNullable(p.Deadline, &deadline); err != nil {
			return nil, fmt.Errorf("invalid deadline: %w", err)
		}
		edits = append(edits, optimistic.NewDeadlineChange(taskID, deadline))
	}
	if p.Complete {
		edits = append(edits, optimistic.NewTaskComplete(taskID))
	}

	switch len(edits) {
	case 0:
		return nil, errors.New("no edit in request")
	case 1:
		return edits[0], nil
	default:
		return nil, errors.New("one edit per request")
	}
}

// decodeNullable leaves *dst nil for an explicit JSON null.
func decodeNullable[T any](raw json.RawMessage, dst **T) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*dst = nil
		return nil
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	*dst = &value
	return nil
}
