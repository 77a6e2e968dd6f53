package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Snapshot is everything a backend holds, as loaded at startup.
type Snapshot struct {
	Records    []Record       `json:"records,omitempty"`
	SyncStates []SyncState    `json:"sync_states,omitempty"`
	Deliveries []Delivery     `json:"deliveries,omitempty"`
	Routines   []RoutineStats `json:"routines,omitempty"`
}

// Backend persists store rows. The Store keeps an authoritative in-memory
// copy and writes through on every change; a failed write leaves the
// in-memory copy untouched.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	SaveRecord(ctx context.Context, rec Record) error
	SaveSyncState(ctx context.Context, state SyncState) error
	SaveDelivery(ctx context.Context, delivery Delivery) error
	SaveRoutineStats(ctx context.Context, stats RoutineStats) error
	Close() error
}

type recordKey struct {
	kind Kind
	id   string
}

// snapshotRows is the keyed form both the memory and file backends keep.
type snapshotRows struct {
	records    map[recordKey]Record
	syncStates map[string]SyncState
	deliveries map[string]Delivery
	routines   map[string]RoutineStats
}

func newSnapshotRows() *snapshotRows {
	return &snapshotRows{
		records:    map[recordKey]Record{},
		syncStates: map[string]SyncState{},
		deliveries: map[string]Delivery{},
		routines:   map[string]RoutineStats{},
	}
}

func (r *snapshotRows) fill(snapshot *Snapshot) {
	if snapshot == nil {
		return
	}
	for _, rec := range snapshot.Records {
		r.records[recordKey{rec.Kind, rec.ID}] = rec
	}
	for _, state := range snapshot.SyncStates {
		r.syncStates[state.Service] = state
	}
	for _, delivery := range snapshot.Deliveries {
		r.deliveries[delivery.DeliveryID] = delivery
	}
	for _, stats := range snapshot.Routines {
		r.routines[stats.TaskID] = stats
	}
}

func (r *snapshotRows) snapshot() *Snapshot {
	out := &Snapshot{}
	for _, rec := range r.records {
		out.Records = append(out.Records, rec.Clone())
	}
	sort.Slice(out.Records, func(i, j int) bool {
		if out.Records[i].Kind != out.Records[j].Kind {
			return out.Records[i].Kind < out.Records[j].Kind
		}
		return out.Records[i].ID < out.Records[j].ID
	})
	for _, state := range r.syncStates {
		out.SyncStates = append(out.SyncStates, state)
	}
	sort.Slice(out.SyncStates, func(i, j int) bool { return out.SyncStates[i].Service < out.SyncStates[j].Service })
	for _, delivery := range r.deliveries {
		out.Deliveries = append(out.Deliveries, delivery)
	}
	sort.Slice(out.Deliveries, func(i, j int) bool { return out.Deliveries[i].DeliveryID < out.Deliveries[j].DeliveryID })
	for _, stats := range r.routines {
		out.Routines = append(out.Routines, stats)
	}
	sort.Slice(out.Routines, func(i, j int) bool { return out.Routines[i].TaskID < out.Routines[j].TaskID })
	return out
}

type InMemoryBackend struct {
	mu   sync.Mutex
	rows *snapshotRows
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{rows: newSnapshotRows()}
}

func (b *InMemoryBackend) Load(context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows.snapshot(), nil
}

func (b *InMemoryBackend) SaveRecord(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows.records[recordKey{rec.Kind, rec.ID}] = rec.Clone()
	return nil
}

func (b *InMemoryBackend) SaveSyncState(_ context.Context, state SyncState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows.syncStates[state.Service] = state
	return nil
}

func (b *InMemoryBackend) SaveDelivery(_ context.Context, delivery Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows.deliveries[delivery.DeliveryID] = delivery
	return nil
}

func (b *InMemoryBackend) SaveRoutineStats(_ context.Context, stats RoutineStats) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows.routines[stats.TaskID] = stats
	return nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}

// JSONFileBackend keeps the whole snapshot in one JSON document and rewrites
// it atomically (write to .tmp, then rename) on every save.
type JSONFileBackend struct {
	Path string

	mu     sync.Mutex
	rows   *snapshotRows
	loaded bool
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return b.rows.snapshot(), nil
}

func (b *JSONFileBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	b.rows = newSnapshotRows()
	if b.Path == "" {
		b.loaded = true
		return nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	b.rows.fill(&snapshot)
	b.loaded = true
	return nil
}

func (b *JSONFileBackend) mutate(apply func(rows *snapshotRows)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	next := newSnapshotRows()
	next.fill(b.rows.snapshot())
	apply(next)
	if err := b.writeLocked(next.snapshot()); err != nil {
		return err
	}
	b.rows = next
	return nil
}

func (b *JSONFileBackend) writeLocked(snapshot *Snapshot) error {
	if b.Path == "" {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *JSONFileBackend) SaveRecord(_ context.Context, rec Record) error {
	return b.mutate(func(rows *snapshotRows) {
		rows.records[recordKey{rec.Kind, rec.ID}] = rec.Clone()
	})
}

func (b *JSONFileBackend) SaveSyncState(_ context.Context, state SyncState) error {
	return b.mutate(func(rows *snapshotRows) {
		rows.syncStates[state.Service] = state
	})
}

func (b *JSONFileBackend) SaveDelivery(_ context.Context, delivery Delivery) error {
	return b.mutate(func(rows *snapshotRows) {
		rows.deliveries[delivery.DeliveryID] = delivery
	})
}

func (b *JSONFileBackend) SaveRoutineStats(_ context.Context, stats RoutineStats) error {
	return b.mutate(func(rows *snapshotRows) {
		rows.routines[stats.TaskID] = stats
	})
}

func (b *JSONFileBackend) Close() error {
	return nil
}
