package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/tasksync/internal/tasksync"
	"github.com/agentworkforce/tasksync/internal/todoist"
)

// EventAdapter turns one event family into a store record.
type EventAdapter interface {
	Family() string
	Supports(action string) bool
	Record(event Event, now time.Time) (tasksync.Record, error)
}

func DefaultAdapters() []EventAdapter {
	return []EventAdapter{ItemAdapter{}, ProjectAdapter{}, LabelAdapter{}}
}

type ItemAdapter struct{}

func (ItemAdapter) Family() string { return "item" }

func (ItemAdapter) Supports(action string) bool {
	switch action {
	case "added", "updated", "deleted", "completed", "uncompleted":
		return true
	default:
		return false
	}
}

func (ItemAdapter) Record(event Event, now time.Time) (tasksync.Record, error) {
	var item todoist.Item
	if err := json.Unmarshal(event.EventData, &item); err != nil {
		return tasksync.Record{}, fmt.Errorf("%w: item payload: %v", ErrMalformedEvent, err)
	}
	rec := item.Record(now)
	switch event.Action() {
	case "deleted":
		rec.IsDeleted = true
	case "completed":
		rec.Task.Checked = true
		if rec.Task.CompletedAt == nil {
			at := eventTime(event, now)
			rec.Task.CompletedAt = &at
		}
	case "uncompleted":
		rec.Task.Checked = false
		rec.Task.CompletedAt = nil
	}
	return rec, nil
}

type ProjectAdapter struct{}

func (ProjectAdapter) Family() string { return "project" }

func (ProjectAdapter) Supports(action string) bool {
	switch action {
	case "added", "updated", "deleted", "archived", "unarchived":
		return true
	default:
		return false
	}
}

func (ProjectAdapter) Record(event Event, now time.Time) (tasksync.Record, error) {
	var project todoist.Project
	if err := json.Unmarshal(event.EventData, &project); err != nil {
		return tasksync.Record{}, fmt.Errorf("%w: project payload: %v", ErrMalformedEvent, err)
	}
	rec := project.Record(now)
	switch event.Action() {
	case "deleted":
		rec.IsDeleted = true
	case "archived":
		rec.Project.IsArchived = true
	case "unarchived":
		rec.Project.IsArchived = false
	}
	return rec, nil
}

type LabelAdapter struct{}

func (LabelAdapter) Family() string { return "label" }

func (LabelAdapter) Supports(action string) bool {
	switch action {
	case "added", "updated", "deleted":
		return true
	default:
		return false
	}
}

func (LabelAdapter) Record(event Event, now time.Time) (tasksync.Record, error) {
	var label todoist.Label
	if err := json.Unmarshal(event.EventData, &label); err != nil {
		return tasksync.Record{}, fmt.Errorf("%w: label payload: %v", ErrMalformedEvent, err)
	}
	rec := label.Record(now)
	if event.Action() == "deleted" {
		rec.IsDeleted = true
	}
	return rec, nil
}

func eventTime(event Event, fallback time.Time) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(event.TriggeredAt)); err == nil {
		return ts.UTC()
	}
	return fallback.UTC()
}

func summarize(rec tasksync.Record) string {
	var text string
	switch {
	case rec.Task != nil:
		text = rec.Task.Content
	case rec.Project != nil:
		text = rec.Project.Name
	case rec.Label != nil:
		text = rec.Label.Name
	}
	return truncatePreview(text, 80)
}

func truncatePreview(value string, max int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max]) + "..."
}
