package tasksync

import "testing"

func taskRecord(id string, version int64, content string) Record {
	return Record{
		Kind:        KindTask,
		ID:          id,
		SyncVersion: version,
		Task:        &Task{ProjectID: "p1", Content: content, Priority: 1},
	}
}

func TestMergeAppliesWhenNoExistingRecord(t *testing.T) {
	if got := Merge(nil, taskRecord("t1", 1, "a"), MergeOptions{}); got != DecisionApply {
		t.Fatalf("expected apply for new record, got %s", got)
	}
}

func TestMergeLastWriterWinsByVersion(t *testing.T) {
	existing := taskRecord("t1", 5, "stored")
	cases := []struct {
		name     string
		incoming int64
		want     Decision
	}{
		{"newer", 6, DecisionApply},
		{"equal", 5, DecisionSkip},
		{"older", 4, DecisionSkip},
	}
	for _, tc := range cases {
		got := Merge(&existing, taskRecord("t1", tc.incoming, "incoming"), MergeOptions{})
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestMergeForceOverridesVersion(t *testing.T) {
	existing := taskRecord("t1", 9, "stored")
	if got := Merge(&existing, taskRecord("t1", 3, "forced"), MergeOptions{Force: true}); got != DecisionApply {
		t.Fatalf("expected forced apply, got %s", got)
	}
}

func TestMergeIsOrderIndependent(t *testing.T) {
	a := taskRecord("t1", 10, "a")
	b := taskRecord("t1", 20, "b")

	apply := func(first, second Record) Record {
		state := first
		if Merge(&state, second, MergeOptions{}) == DecisionApply {
			state = second
		}
		return state
	}
	if got := apply(a, b); got.Task.Content != "b" {
		t.Fatalf("a then b: expected b to win, got %q", got.Task.Content)
	}
	if got := apply(b, a); got.Task.Content != "b" {
		t.Fatalf("b then a: expected b to win, got %q", got.Task.Content)
	}
}
