package todoist

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentworkforce/tasksync/internal/tasksync"
)

type SyncResponse struct {
	SyncToken     string                     `json:"sync_token"`
	FullSync      bool                       `json:"full_sync"`
	Items         []Item                     `json:"items,omitempty"`
	Projects      []Project                  `json:"projects,omitempty"`
	Labels        []Label                    `json:"labels,omitempty"`
	Sections      []Section                  `json:"sections,omitempty"`
	Notes         []Note                     `json:"notes,omitempty"`
	Reminders     []Reminder                 `json:"reminders,omitempty"`
	TempIDMapping map[string]string          `json:"temp_id_mapping,omitempty"`
	SyncStatus    map[string]json.RawMessage `json:"sync_status,omitempty"`
}

// Records translates every entity in the response, projects first so task
// rows land after the projects they reference.
func (r SyncResponse) Records(now time.Time) []tasksync.Record {
	out := make([]tasksync.Record, 0, len(r.Items)+len(r.Projects)+len(r.Labels)+len(r.Sections)+len(r.Notes)+len(r.Reminders))
	for _, p := range r.Projects {
		out = append(out, p.Record(now))
	}
	for _, s := range r.Sections {
		out = append(out, s.Record(now))
	}
	for _, l := range r.Labels {
		out = append(out, l.Record(now))
	}
	for _, i := range r.Items {
		out = append(out, i.Record(now))
	}
	for _, n := range r.Notes {
		out = append(out, n.Record(now))
	}
	for _, rem := range r.Reminders {
		out = append(out, rem.Record(now))
	}
	return out
}

type Due struct {
	Date        string `json:"date"`
	Timezone    string `json:"timezone,omitempty"`
	String      string `json:"string,omitempty"`
	IsRecurring bool   `json:"is_recurring,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

func (d *Due) local() *tasksync.Due {
	if d == nil {
		return nil
	}
	return &tasksync.Due{Date: d.Date, Timezone: d.Timezone, String: d.String, IsRecurring: d.IsRecurring, Lang: d.Lang}
}

type Deadline struct {
	Date string `json:"date"`
	Lang string `json:"lang,omitempty"`
}

// Item is a task as the remote sends it. SyncID, DayOrder and Collapsed are
// transport fields and are not stored.
type Item struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	ProjectID      string    `json:"project_id"`
	SectionID      *string   `json:"section_id"`
	ParentID       *string   `json:"parent_id"`
	Content        string    `json:"content"`
	Description    string    `json:"description"`
	Priority       int       `json:"priority"`
	Labels         []string  `json:"labels"`
	Due            *Due      `json:"due"`
	Deadline       *Deadline `json:"deadline"`
	Checked        bool      `json:"checked"`
	IsDeleted      bool      `json:"is_deleted"`
	CompletedAt    *string   `json:"completed_at"`
	AddedAt        *string   `json:"added_at"`
	UpdatedAt      *string   `json:"updated_at"`
	ChildOrder     int       `json:"child_order"`
	ResponsibleUID *string   `json:"responsible_uid"`
	SyncID         *string   `json:"sync_id,omitempty"`
	DayOrder       int       `json:"day_order,omitempty"`
	Collapsed      bool      `json:"collapsed,omitempty"`
}

func (i Item) Record(now time.Time) tasksync.Record {
	task := &tasksync.Task{
		ProjectID:      i.ProjectID,
		SectionID:      deref(i.SectionID),
		ParentID:       deref(i.ParentID),
		Content:        i.Content,
		Description:    i.Description,
		Priority:       i.Priority,
		Labels:         append([]string(nil), i.Labels...),
		Due:            i.Due.local(),
		Checked:        i.Checked,
		CompletedAt:    parseTime(i.CompletedAt),
		ChildOrder:     i.ChildOrder,
		ResponsibleUID: deref(i.ResponsibleUID),
		AddedAt:        parseTime(i.AddedAt),
	}
	if i.Deadline != nil {
		task.Deadline = &tasksync.Deadline{Date: i.Deadline.Date, Lang: i.Deadline.Lang}
	}
	if task.Priority == 0 {
		task.Priority = 1
	}
	return tasksync.Record{
		Kind:        tasksync.KindTask,
		ID:          i.ID,
		SyncVersion: tasksync.VersionFromTimestamp(deref(i.UpdatedAt), now),
		IsDeleted:   i.IsDeleted,
		Task:        task,
	}
}

type Project struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	ParentID   *string `json:"parent_id"`
	ChildOrder int     `json:"child_order"`
	IsArchived bool    `json:"is_archived"`
	IsDeleted  bool    `json:"is_deleted"`
	IsFavorite bool    `json:"is_favorite"`
	ViewStyle  string  `json:"view_style,omitempty"`
	UpdatedAt  *string `json:"updated_at"`
}

func (p Project) Record(now time.Time) tasksync.Record {
	return tasksync.Record{
		Kind:        tasksync.KindProject,
		ID:          p.ID,
		SyncVersion: tasksync.VersionFromTimestamp(deref(p.UpdatedAt), now),
		IsDeleted:   p.IsDeleted,
		Project: &tasksync.Project{
			Name:       p.Name,
			Color:      p.Color,
			ParentID:   deref(p.ParentID),
			ChildOrder: p.ChildOrder,
			IsArchived: p.IsArchived,
			IsFavorite: p.IsFavorite,
			ViewStyle:  p.ViewStyle,
		},
	}
}

type Label struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	ItemOrder  int    `json:"item_order"`
	IsDeleted  bool   `json:"is_deleted"`
	IsFavorite bool   `json:"is_favorite"`
}

// Record versions labels by wall clock; the remote does not send an update
// timestamp for them.
func (l Label) Record(now time.Time) tasksync.Record {
	return tasksync.Record{
		Kind:        tasksync.KindLabel,
		ID:          l.ID,
		SyncVersion: tasksync.VersionFromTimestamp("", now),
		IsDeleted:   l.IsDeleted,
		Label: &tasksync.Label{
			Name:       l.Name,
			Color:      l.Color,
			ItemOrder:  l.ItemOrder,
			IsFavorite: l.IsFavorite,
		},
	}
}

type Section struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	ProjectID    string  `json:"project_id"`
	SectionOrder int     `json:"section_order"`
	IsArchived   bool    `json:"is_archived"`
	IsDeleted    bool    `json:"is_deleted"`
	IsCollapsed  bool    `json:"is_collapsed"`
	UpdatedAt    *string `json:"updated_at"`
}

func (s Section) Record(now time.Time) tasksync.Record {
	return tasksync.Record{
		Kind:        tasksync.KindSection,
		ID:          s.ID,
		SyncVersion: tasksync.VersionFromTimestamp(deref(s.UpdatedAt), now),
		IsDeleted:   s.IsDeleted,
		Section: &tasksync.Section{
			Name:         s.Name,
			ProjectID:    s.ProjectID,
			SectionOrder: s.SectionOrder,
			IsArchived:   s.IsArchived,
			IsCollapsed:  s.IsCollapsed,
		},
	}
}

type Note struct {
	ID        string  `json:"id"`
	ItemID    string  `json:"item_id,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
	Content   string  `json:"content"`
	PostedAt  *string `json:"posted_at"`
	IsDeleted bool    `json:"is_deleted"`
}

func (n Note) Record(now time.Time) tasksync.Record {
	return tasksync.Record{
		Kind:        tasksync.KindNote,
		ID:          n.ID,
		SyncVersion: tasksync.VersionFromTimestamp("", now),
		IsDeleted:   n.IsDeleted,
		Note: &tasksync.Note{
			ItemID:    n.ItemID,
			ProjectID: n.ProjectID,
			Content:   n.Content,
			PostedAt:  parseTime(n.PostedAt),
		},
	}
}

type Reminder struct {
	ID           string `json:"id"`
	ItemID       string `json:"item_id"`
	Type         string `json:"type"`
	Due          *Due   `json:"due"`
	MinuteOffset int    `json:"minute_offset"`
	IsDeleted    bool   `json:"is_deleted"`
}

func (r Reminder) Record(now time.Time) tasksync.Record {
	return tasksync.Record{
		Kind:        tasksync.KindReminder,
		ID:          r.ID,
		SyncVersion: tasksync.VersionFromTimestamp("", now),
		IsDeleted:   r.IsDeleted,
		Reminder: &tasksync.Reminder{
			ItemID:       r.ItemID,
			Type:         r.Type,
			Due:          r.Due.local(),
			MinuteOffset: r.MinuteOffset,
		},
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func parseTime(value *string) *time.Time {
	raw := deref(value)
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	ts = ts.UTC()
	return &ts
}
