package tasksync

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Kind string

const (
	KindTask     Kind = "task"
	KindProject  Kind = "project"
	KindLabel    Kind = "label"
	KindSection  Kind = "section"
	KindNote     Kind = "note"
	KindReminder Kind = "reminder"
)

var AllKinds = []Kind{KindProject, KindSection, KindLabel, KindTask, KindNote, KindReminder}

// ParseKind accepts both local kind names and the remote resource names
// ("item", "items", "projects", ...).
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "task", "tasks", "item", "items":
		return KindTask, true
	case "project", "projects":
		return KindProject, true
	case "label", "labels":
		return KindLabel, true
	case "section", "sections":
		return KindSection, true
	case "note", "notes":
		return KindNote, true
	case "reminder", "reminders":
		return KindReminder, true
	default:
		return "", false
	}
}

type Due struct {
	Date        string `json:"date"`
	Timezone    string `json:"timezone,omitempty"`
	String      string `json:"string,omitempty"`
	IsRecurring bool   `json:"is_recurring,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

type Deadline struct {
	Date string `json:"date"`
	Lang string `json:"lang,omitempty"`
}

type Task struct {
	ProjectID      string     `json:"project_id"`
	SectionID      string     `json:"section_id,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
	Content        string     `json:"content"`
	Description    string     `json:"description,omitempty"`
	Priority       int        `json:"priority"`
	Labels         []string   `json:"labels,omitempty"`
	Due            *Due       `json:"due,omitempty"`
	Deadline       *Deadline  `json:"deadline,omitempty"`
	Checked        bool       `json:"checked"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ChildOrder     int        `json:"child_order"`
	ResponsibleUID string     `json:"responsible_uid,omitempty"`
	AddedAt        *time.Time `json:"added_at,omitempty"`
}

type Project struct {
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
	ChildOrder int    `json:"child_order"`
	IsArchived bool   `json:"is_archived"`
	IsFavorite bool   `json:"is_favorite,omitempty"`
	ViewStyle  string `json:"view_style,omitempty"`
}

type Label struct {
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	ItemOrder  int    `json:"item_order"`
	IsFavorite bool   `json:"is_favorite,omitempty"`
}

type Section struct {
	Name         string `json:"name"`
	ProjectID    string `json:"project_id"`
	SectionOrder int    `json:"section_order"`
	IsArchived   bool   `json:"is_archived"`
	IsCollapsed  bool   `json:"is_collapsed,omitempty"`
}

type Note struct {
	ItemID    string     `json:"item_id,omitempty"`
	ProjectID string     `json:"project_id,omitempty"`
	Content   string     `json:"content"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
}

type Reminder struct {
	ItemID       string `json:"item_id"`
	Type         string `json:"type,omitempty"`
	Due          *Due   `json:"due,omitempty"`
	MinuteOffset int    `json:"minute_offset,omitempty"`
}

// Record is one stored entity. Exactly one of the kind payloads is set and it
// matches Kind.
type Record struct {
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	SyncVersion int64     `json:"sync_version"`
	IsDeleted   bool      `json:"is_deleted"`
	StoredAt    time.Time `json:"stored_at"`

	Task     *Task     `json:"task,omitempty"`
	Project  *Project  `json:"project,omitempty"`
	Label    *Label    `json:"label,omitempty"`
	Section  *Section  `json:"section,omitempty"`
	Note     *Note     `json:"note,omitempty"`
	Reminder *Reminder `json:"reminder,omitempty"`
}

func (r Record) Checked() bool {
	return r.Task != nil && r.Task.Checked
}

func (r Record) Archived() bool {
	switch {
	case r.Project != nil:
		return r.Project.IsArchived
	case r.Section != nil:
		return r.Section.IsArchived
	default:
		return false
	}
}

func (r Record) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrInvalidInput
	}
	var ok bool
	switch r.Kind {
	case KindTask:
		ok = r.Task != nil
	case KindProject:
		ok = r.Project != nil
	case KindLabel:
		ok = r.Label != nil
	case KindSection:
		ok = r.Section != nil
	case KindNote:
		ok = r.Note != nil
	case KindReminder:
		ok = r.Reminder != nil
	}
	if !ok {
		return ErrInvalidInput
	}
	return nil
}

// Clone returns a deep copy so callers can mutate the result without touching
// the stored row.
func (r Record) Clone() Record {
	out := r
	if r.Task != nil {
		task := *r.Task
		task.Labels = append([]string(nil), r.Task.Labels...)
		if r.Task.Due != nil {
			due := *r.Task.Due
			task.Due = &due
		}
		if r.Task.Deadline != nil {
			deadline := *r.Task.Deadline
			task.Deadline = &deadline
		}
		if r.Task.CompletedAt != nil {
			at := *r.Task.CompletedAt
			task.CompletedAt = &at
		}
		out.Task = &task
	}
	if r.Project != nil {
		project := *r.Project
		out.Project = &project
	}
	if r.Label != nil {
		label := *r.Label
		out.Label = &label
	}
	if r.Section != nil {
		section := *r.Section
		out.Section = &section
	}
	if r.Note != nil {
		note := *r.Note
		out.Note = &note
	}
	if r.Reminder != nil {
		reminder := *r.Reminder
		if r.Reminder.Due != nil {
			due := *r.Reminder.Due
			reminder.Due = &due
		}
		out.Reminder = &reminder
	}
	return out
}

// VersionFromTimestamp derives a sync version from a remote update timestamp,
// falling back to the supplied wall clock when the remote did not send one.
func VersionFromTimestamp(raw string, fallback time.Time) int64 {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000000Z", "2006-01-02T15:04:05Z"} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC().UnixMicro()
			}
		}
	}
	return fallback.UTC().UnixMicro()
}
