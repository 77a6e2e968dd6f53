package tasksync

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingBackend struct {
	*InMemoryBackend
	failRecords bool
}

func (b *failingBackend) SaveRecord(ctx context.Context, rec Record) error {
	if b.failRecords {
		return errors.New("disk full")
	}
	return b.InMemoryBackend.SaveRecord(ctx, rec)
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestStoreApplySkipsStaleWrite(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if _, err := store.Apply(ctx, taskRecord("t1", 10, "fresh"), ApplyOptions{Source: SourceSync}); err != nil {
		t.Fatalf("apply fresh: %v", err)
	}
	result, err := store.Apply(ctx, taskRecord("t1", 5, "stale"), ApplyOptions{Source: SourceWebhook})
	if err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if result.Applied() {
		t.Fatalf("expected stale write to be skipped")
	}
	got, _ := store.Get(KindTask, "t1")
	if got.Task.Content != "fresh" || got.SyncVersion != 10 {
		t.Fatalf("unexpected stored record: %+v", got.Task)
	}
}

func TestStoreForcedApplyKeepsVersionMonotonic(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, _ = store.Apply(ctx, taskRecord("t1", 10, "stored"), ApplyOptions{})
	result, err := store.Apply(ctx, taskRecord("t1", 7, "reassigned"), ApplyOptions{Force: true})
	if err != nil {
		t.Fatalf("forced apply: %v", err)
	}
	if !result.Applied() {
		t.Fatalf("expected forced write to apply")
	}
	got, _ := store.Get(KindTask, "t1")
	if got.Task.Content != "reassigned" {
		t.Fatalf("expected forced content, got %q", got.Task.Content)
	}
	if got.SyncVersion != 10 {
		t.Fatalf("expected version to stay at 10, got %d", got.SyncVersion)
	}
}

func TestStoreApplyRejectsMismatchedPayload(t *testing.T) {
	store := NewStore()
	_, err := store.Apply(context.Background(), Record{Kind: KindProject, ID: "p1", Task: &Task{}}, ApplyOptions{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStoreApplyPersistenceFailureLeavesMirrorUnchanged(t *testing.T) {
	backend := &failingBackend{InMemoryBackend: NewInMemoryBackend()}
	store, err := NewStoreWithOptions(context.Background(), StoreOptions{Backend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	_, _ = store.Apply(ctx, taskRecord("t1", 1, "before"), ApplyOptions{})

	backend.failRecords = true
	if _, err := store.Apply(ctx, taskRecord("t1", 2, "after"), ApplyOptions{}); err == nil {
		t.Fatalf("expected persistence error")
	}
	got, _ := store.Get(KindTask, "t1")
	if got.Task.Content != "before" {
		t.Fatalf("expected mirror unchanged, got %q", got.Task.Content)
	}
}

func TestStoreSubscribeReceivesAppliedChangesOnly(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	var changes []Change
	unsubscribe := store.Subscribe(func(change Change) {
		changes = append(changes, change)
	})
	_, _ = store.Apply(ctx, taskRecord("t1", 2, "a"), ApplyOptions{Source: SourceWebhook})
	_, _ = store.Apply(ctx, taskRecord("t1", 1, "stale"), ApplyOptions{Source: SourceSync})
	unsubscribe()
	_, _ = store.Apply(ctx, taskRecord("t1", 3, "after unsubscribe"), ApplyOptions{})

	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Source != SourceWebhook || changes[0].ID != "t1" {
		t.Fatalf("unexpected change: %+v", changes[0])
	}
}

func TestStoreSubscriberPanicDoesNotBreakWrite(t *testing.T) {
	store := NewStore()
	store.Subscribe(func(Change) { panic("boom") })
	if _, err := store.Apply(context.Background(), taskRecord("t1", 1, "a"), ApplyOptions{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := store.Get(KindTask, "t1"); !ok {
		t.Fatalf("expected record stored")
	}
}

func TestStoreListHidesDeletedAndFiltersProject(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	a := taskRecord("a", 1, "a")
	a.Task.ChildOrder = 2
	b := taskRecord("b", 1, "b")
	b.Task.ChildOrder = 1
	c := taskRecord("c", 1, "c")
	c.IsDeleted = true
	d := taskRecord("d", 1, "d")
	d.Task.ProjectID = "p2"
	for _, rec := range []Record{a, b, c, d} {
		if _, err := store.Apply(ctx, rec, ApplyOptions{}); err != nil {
			t.Fatalf("apply %s: %v", rec.ID, err)
		}
	}
	got := store.List(KindTask, ListOptions{ProjectID: "p1"})
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("unexpected list order: %+v", got)
	}
	all := store.List(KindTask, ListOptions{IncludeDeleted: true})
	if len(all) != 4 {
		t.Fatalf("expected 4 records including deleted, got %d", len(all))
	}
	if counts := store.Counts(); counts[KindTask] != 3 {
		t.Fatalf("expected 3 live tasks, got %d", counts[KindTask])
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := NewStore()
	rec := taskRecord("t1", 1, "a")
	rec.Task.Labels = []string{"x"}
	_, _ = store.Apply(context.Background(), rec, ApplyOptions{})
	got, _ := store.Get(KindTask, "t1")
	got.Task.Labels[0] = "mutated"
	again, _ := store.Get(KindTask, "t1")
	if again.Task.Labels[0] != "x" {
		t.Fatalf("store row mutated through returned copy")
	}
}

func TestSyncStateLifecycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewStoreWithOptions(context.Background(), StoreOptions{Now: fixedClock(now)})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, ok := store.SyncState(""); ok {
		t.Fatalf("expected no sync state before initialize")
	}
	state, err := store.InitializeSyncState(ctx, "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if state.Service != DefaultService || !state.NeedsFullSync() {
		t.Fatalf("unexpected initial state: %+v", state)
	}
	if _, err := store.AdvanceSyncState(ctx, "", "tok-1", SyncModeFull); err != nil {
		t.Fatalf("advance: %v", err)
	}
	again, err := store.InitializeSyncState(ctx, DefaultService)
	if err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if again.LastSyncToken != "tok-1" {
		t.Fatalf("initialize must not reset an existing row, got %q", again.LastSyncToken)
	}
	if again.LastFullSync == nil || again.LastIncrementalSync != nil {
		t.Fatalf("expected only full sync timestamp, got %+v", again)
	}
	state, _ = store.AdvanceSyncState(ctx, "", "tok-2", SyncModeIncremental)
	if state.LastIncrementalSync == nil || !state.LastIncrementalSync.Equal(now) {
		t.Fatalf("expected incremental timestamp, got %+v", state)
	}
	if _, err := store.AdvanceSyncState(ctx, "", " ", SyncModeIncremental); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty token, got %v", err)
	}
	state, _ = store.ResetSyncState(ctx, "")
	if !state.NeedsFullSync() {
		t.Fatalf("expected reset to force full sync")
	}
}

func TestRecordDeliveryNeverDowngradesProcessedRow(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if err := store.RecordDelivery(ctx, Delivery{DeliveryID: "d1", Status: DeliveryFailed, Error: "bad signature"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if got, _ := store.Delivery("d1"); got.Processed() {
		t.Fatalf("failed row must not count as processed")
	}
	if err := store.RecordDelivery(ctx, Delivery{DeliveryID: "d1", Status: DeliverySuccess}); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := store.RecordDelivery(ctx, Delivery{DeliveryID: "d1", Status: DeliveryFailed}); err != nil {
		t.Fatalf("record late failure: %v", err)
	}
	got, _ := store.Delivery("d1")
	if got.Status != DeliverySuccess {
		t.Fatalf("expected success to stick, got %s", got.Status)
	}
	if err := store.RecordDelivery(ctx, Delivery{Status: DeliverySuccess}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without id, got %v", err)
	}
}

func TestDeliveriesNewestFirstWithFilter(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = store.RecordDelivery(ctx, Delivery{DeliveryID: "old", Status: DeliverySuccess, ReceivedAt: base})
	_ = store.RecordDelivery(ctx, Delivery{DeliveryID: "new", Status: DeliverySuccess, ReceivedAt: base.Add(time.Minute)})
	_ = store.RecordDelivery(ctx, Delivery{DeliveryID: "bad", Status: DeliveryFailed, ReceivedAt: base.Add(2 * time.Minute)})

	got := store.Deliveries(DeliveryFilter{Status: DeliverySuccess})
	if len(got) != 2 || got[0].DeliveryID != "new" {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if limited := store.Deliveries(DeliveryFilter{Limit: 1}); len(limited) != 1 || limited[0].DeliveryID != "bad" {
		t.Fatalf("unexpected limited deliveries: %+v", limited)
	}
}

func TestRoutineStatsCompletionRate(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	at := time.Date(2025, 2, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := store.RecordRoutineEvent(ctx, "t1", true, at); err != nil {
			t.Fatalf("record completion: %v", err)
		}
	}
	stats, err := store.RecordRoutineEvent(ctx, "t1", false, at)
	if err != nil {
		t.Fatalf("record reopen: %v", err)
	}
	if stats.Completed != 3 || stats.Reopened != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if rate := stats.CompletionRate(); rate != 0.75 {
		t.Fatalf("expected rate 0.75, got %v", rate)
	}
	if (RoutineStats{}).CompletionRate() != 0 {
		t.Fatalf("empty stats should have zero rate")
	}
}

func TestRecomputeProjectMetadata(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, _ = store.Apply(ctx, Record{Kind: KindProject, ID: "p1", SyncVersion: 1, Project: &Project{Name: "Home"}}, ApplyOptions{})
	active := taskRecord("a", 1, "active")
	active.Task.Labels = []string{"home", "errand"}
	active.Task.Due = &Due{Date: "2025-01-01"}
	done := taskRecord("b", 1, "done")
	done.Task.Checked = true
	orphan := taskRecord("c", 1, "orphan")
	orphan.Task.ProjectID = "missing"
	for _, rec := range []Record{active, done, orphan} {
		_, _ = store.Apply(ctx, rec, ApplyOptions{})
	}

	now := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	if n := store.RecomputeProjectMetadata(now); n != 1 {
		t.Fatalf("expected 1 project computed, got %d", n)
	}
	meta, ok := store.ProjectMetadata("p1")
	if !ok {
		t.Fatalf("expected metadata for p1")
	}
	if meta.ActiveTasks != 1 || meta.CompletedTasks != 1 || meta.OverdueTasks != 1 {
		t.Fatalf("unexpected counts: %+v", meta)
	}
	if len(meta.Labels) != 2 || meta.Labels[0] != "errand" {
		t.Fatalf("unexpected labels: %v", meta.Labels)
	}
}
