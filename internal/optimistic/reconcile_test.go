package optimistic

import (
	"testing"

	"github.com/agentworkforce/tasksync/internal/tasksync"
)

func strPtr(s string) *string { return &s }

func storedTask(id string, mutate func(*tasksync.Task)) *tasksync.Record {
	task := &tasksync.Task{ProjectID: "p1", Content: "Write report", Priority: 1}
	if mutate != nil {
		mutate(task)
	}
	return &tasksync.Record{Kind: tasksync.KindTask, ID: id, SyncVersion: 1, Task: task}
}

func TestShouldClearTextRequiresEveryProposedField(t *testing.T) {
	u := NewTextChange("t1", strPtr("Ship it"), strPtr("details"))

	partial := storedTask("t1", func(task *tasksync.Task) { task.Content = "Ship it" })
	if ShouldClear(partial, u) {
		t.Fatalf("expected pending description to keep the entry")
	}
	full := storedTask("t1", func(task *tasksync.Task) {
		task.Content = "Ship it"
		task.Description = "details"
	})
	if !ShouldClear(full, u) {
		t.Fatalf("expected entry to clear once both fields match")
	}

	contentOnly := NewTextChange("t1", strPtr("Ship it"), nil)
	if !ShouldClear(partial, contentOnly) {
		t.Fatalf("expected absent description not to be compared")
	}
}

func TestShouldClearLabelsIgnoresOrder(t *testing.T) {
	rec := storedTask("t1", func(task *tasksync.Task) { task.Labels = []string{"work", "home"} })
	if !ShouldClear(rec, NewLabelChange("t1", []string{"home", "work"})) {
		t.Fatalf("expected label sets to match regardless of order")
	}
	if ShouldClear(rec, NewLabelChange("t1", []string{"home"})) {
		t.Fatalf("expected differing label sets not to clear")
	}
	if rec.Task.Labels[0] != "work" {
		t.Fatalf("expected stored labels to be left untouched, got %v", rec.Task.Labels)
	}
}

func TestShouldClearDueAndDeadline(t *testing.T) {
	rec := storedTask("t1", func(task *tasksync.Task) {
		task.Due = &tasksync.Due{Date: "2025-01-15", String: "Jan 15"}
		task.Deadline = &tasksync.Deadline{Date: "2025-02-01"}
	})
	if !ShouldClear(rec, NewDueChange("t1", &tasksync.Due{Date: "2025-01-15", String: "tomorrow"})) {
		t.Fatalf("expected due to clear when date fields match")
	}
	if ShouldClear(rec, NewDueChange("t1", &tasksync.Due{Date: "2025-01-15", IsRecurring: true})) {
		t.Fatalf("expected recurrence difference to keep the entry")
	}
	if ShouldClear(rec, NewDueChange("t1", nil)) {
		t.Fatalf("expected due removal to stay pending while store has a due date")
	}
	if !ShouldClear(rec, NewDeadlineChange("t1", &tasksync.Deadline{Date: "2025-02-01"})) {
		t.Fatalf("expected deadline to clear")
	}
	if !ShouldClear(storedTask("t1", nil), NewDeadlineChange("t1", nil)) {
		t.Fatalf("expected cleared deadline to match absent deadline")
	}
}

func TestShouldClearScalarFields(t *testing.T) {
	rec := storedTask("t1", func(task *tasksync.Task) {
		task.Priority = 4
		task.ProjectID = "p2"
		task.ParentID = "t0"
	})
	if !ShouldClear(rec, NewPriorityChange("t1", 4)) || ShouldClear(rec, NewPriorityChange("t1", 3)) {
		t.Fatalf("unexpected priority reconciliation")
	}
	if !ShouldClear(rec, NewProjectMove("t1", "p2")) || ShouldClear(rec, NewProjectMove("t1", "p1")) {
		t.Fatalf("unexpected project reconciliation")
	}
	if !ShouldClear(rec, NewHierarchyMove("t1", "t0", "")) {
		t.Fatalf("expected hierarchy move to clear on matching parent")
	}
	if ShouldClear(rec, NewHierarchyMove("t1", "", "p2")) {
		t.Fatalf("expected move to top level to stay pending while parent is set")
	}
}

func TestShouldClearCompletion(t *testing.T) {
	u := NewTaskComplete("t1")
	if ShouldClear(storedTask("t1", nil), u) {
		t.Fatalf("expected unchecked task to keep completion pending")
	}
	if !ShouldClear(storedTask("t1", func(task *tasksync.Task) { task.Checked = true }), u) {
		t.Fatalf("expected checked task to clear completion")
	}
	if !ShouldClear(nil, u) {
		t.Fatalf("expected missing task to abandon completion")
	}
}

func TestShouldClearDeletedRecordAbandonsAnyEntry(t *testing.T) {
	rec := storedTask("t1", nil)
	rec.IsDeleted = true
	if !ShouldClear(rec, NewPriorityChange("t1", 4)) {
		t.Fatalf("expected deleted task to clear pending edits")
	}
	if ShouldClear(nil, NewPriorityChange("t1", 4)) {
		t.Fatalf("expected not-yet-synced task to keep pending edits")
	}
}

func TestOverlayDoesNotMutateStoredRecord(t *testing.T) {
	rec := *storedTask("t1", func(task *tasksync.Task) { task.Labels = []string{"home"} })
	shown := Overlay(rec, NewLabelChange("t1", []string{"work"}))
	if shown.Task.Labels[0] != "work" || rec.Task.Labels[0] != "home" {
		t.Fatalf("expected overlay copy, got shown=%v stored=%v", shown.Task.Labels, rec.Task.Labels)
	}

	done := Overlay(rec, NewTaskComplete("t1"))
	if !done.Task.Checked || done.Task.CompletedAt == nil {
		t.Fatalf("expected completion overlay to set checked and completed_at")
	}
	moved := Overlay(rec, NewHierarchyMove("t1", "t9", ""))
	if moved.Task.ParentID != "t9" || moved.Task.ProjectID != "p1" {
		t.Fatalf("unexpected hierarchy overlay %+v", moved.Task)
	}
}

func TestCommandForMapsEveryVariant(t *testing.T) {
	cases := []struct {
		update  Update
		command string
		key     string
	}{
		{NewTextChange("t1", strPtr("a"), nil), "item_update", "content"},
		{NewPriorityChange("t1", 4), "item_update", "priority"},
		{NewProjectMove("t1", "p2"), "item_move", "project_id"},
		{NewLabelChange("t1", nil), "item_update", "labels"},
		{NewDueChange("t1", nil), "item_update", "due"},
		{NewDeadlineChange("t1", &tasksync.Deadline{Date: "2025-02-01"}), "item_update", "deadline"},
		{NewTaskComplete("t1"), "item_close", "id"},
		{NewHierarchyMove("t1", "t0", ""), "item_move", "parent_id"},
	}
	for _, tc := range cases {
		cmd := CommandFor(tc.update)
		if cmd.Type != tc.command {
			t.Fatalf("%s: expected %s, got %s", tc.update.Tag(), tc.command, cmd.Type)
		}
		if cmd.UUID == "" {
			t.Fatalf("%s: expected command uuid", tc.update.Tag())
		}
		if cmd.Args["id"] != "t1" {
			t.Fatalf("%s: expected id arg, got %#v", tc.update.Tag(), cmd.Args)
		}
		if _, ok := cmd.Args[tc.key]; !ok {
			t.Fatalf("%s: expected %q arg, got %#v", tc.update.Tag(), tc.key, cmd.Args)
		}
	}
	if _, ok := CommandFor(NewTextChange("t1", strPtr("a"), nil)).Args["description"]; ok {
		t.Fatalf("expected unchanged description to be omitted")
	}
}
