// Package cursorfilter decides whether a task belongs to a list view, so a
// selection cursor can move as soon as an optimistic edit lands.
package cursorfilter

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/tasksync/internal/tasksync"
)

type QueryType string

const (
	QueryProject  QueryType = "project"
	QueryPriority QueryType = "priority"
	QueryLabel    QueryType = "label"
	QueryToday    QueryType = "today"
	QueryUpcoming QueryType = "upcoming"
	QueryOverdue  QueryType = "overdue"
)

const DefaultUpcomingDays = 7

const dateLayout = "2006-01-02"

// Query describes one list view. Time-range queries are evaluated in the
// viewer's zone, given as an offset east of UTC, at instant Now.
type Query struct {
	Type         QueryType
	ProjectID    string
	Priority     int
	Label        string
	TZOffset     time.Duration
	Now          time.Time
	UpcomingDays int
}

func ParseQueryType(raw string) (QueryType, error) {
	switch t := QueryType(strings.ToLower(strings.TrimSpace(raw))); t {
	case QueryProject, QueryPriority, QueryLabel, QueryToday, QueryUpcoming, QueryOverdue:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown view %q", tasksync.ErrInvalidInput, raw)
	}
}

func (q Query) Validate() error {
	switch q.Type {
	case QueryProject:
		if strings.TrimSpace(q.ProjectID) == "" {
			return fmt.Errorf("%w: project view requires a project id", tasksync.ErrInvalidInput)
		}
	case QueryPriority:
		if q.Priority < 1 || q.Priority > 4 {
			return fmt.Errorf("%w: priority must be 1-4", tasksync.ErrInvalidInput)
		}
	case QueryLabel:
		if strings.TrimSpace(q.Label) == "" {
			return fmt.Errorf("%w: label view requires a label", tasksync.ErrInvalidInput)
		}
	case QueryToday, QueryUpcoming, QueryOverdue:
		if q.TZOffset < -14*time.Hour || q.TZOffset > 14*time.Hour {
			return fmt.Errorf("%w: timezone offset out of range", tasksync.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown view %q", tasksync.ErrInvalidInput, q.Type)
	}
	return nil
}

// Matches reports whether rec, with any optimistic overlay already applied,
// belongs to the view. Checked, deleted and non-task records never match.
func Matches(q Query, rec tasksync.Record) bool {
	if rec.Kind != tasksync.KindTask || rec.Task == nil || rec.IsDeleted || rec.Task.Checked {
		return false
	}
	task := rec.Task
	switch q.Type {
	case QueryProject:
		return task.ProjectID == q.ProjectID
	case QueryPriority:
		return task.Priority == q.Priority
	case QueryLabel:
		return tasksync.HasLabel(task, q.Label)
	case QueryToday, QueryUpcoming, QueryOverdue:
		return matchesRange(q, task.Due)
	default:
		return false
	}
}

func Filter(q Query, records []tasksync.Record) []tasksync.Record {
	out := make([]tasksync.Record, 0, len(records))
	for _, rec := range records {
		if Matches(q, rec) {
			out = append(out, rec)
		}
	}
	return out
}

func matchesRange(q Query, due *tasksync.Due) bool {
	if due == nil {
		return false
	}
	zone := time.FixedZone("viewer", int(q.TZOffset/time.Second))
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(zone)
	today := now.Format(dateLayout)

	day, at, timed, ok := dueIn(due.Date, zone)
	if !ok {
		return false
	}
	switch q.Type {
	case QueryToday:
		return day == today
	case QueryOverdue:
		if timed && day == today {
			return at.Before(now)
		}
		return day < today
	case QueryUpcoming:
		days := q.UpcomingDays
		if days <= 0 {
			days = DefaultUpcomingDays
		}
		end := now.AddDate(0, 0, days).Format(dateLayout)
		return day >= today && day < end
	}
	return false
}

// dueIn resolves a due date to a calendar day in zone. Three shapes occur:
// a bare date, a floating local time (no zone, read as viewer-local) and a
// UTC instant ending in Z.
func dueIn(raw string, zone *time.Location) (day string, at time.Time, timed bool, ok bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", time.Time{}, false, false
	case len(raw) == len(dateLayout):
		if _, err := time.Parse(dateLayout, raw); err != nil {
			return "", time.Time{}, false, false
		}
		return raw, time.Time{}, false, true
	case strings.HasSuffix(raw, "Z"):
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", time.Time{}, false, false
		}
		local := parsed.In(zone)
		return local.Format(dateLayout), local, true, true
	default:
		parsed, err := time.ParseInLocation("2006-01-02T15:04:05", raw, zone)
		if err != nil {
			return "", time.Time{}, false, false
		}
		return parsed.Format(dateLayout), parsed, true, true
	}
}
