package tasksync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tasksync/internal/logging"
)

// Source names the path a write came in through.
type Source string

const (
	SourceSync    Source = "sync"
	SourceWebhook Source = "webhook"
	SourceCommand Source = "command"
)

// Change is delivered to subscribers after a write is applied.
type Change struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Record Record `json:"record"`
	Source Source `json:"source"`
}

type ApplyOptions struct {
	Force  bool
	Source Source
}

type ApplyResult struct {
	Decision Decision
	Record   Record
}

func (r ApplyResult) Applied() bool {
	return r.Decision == DecisionApply
}

type ListOptions struct {
	IncludeDeleted bool
	ProjectID      string
}

type StoreOptions struct {
	Backend Backend
	Logger  *logging.Logger
	Now     func() time.Time
}

// Store is the local mirror. Reads come from memory; every write goes through
// the backend first so a persistence failure leaves the mirror unchanged.
type Store struct {
	mu          sync.RWMutex
	records     map[Kind]map[string]Record
	syncStates  map[string]SyncState
	deliveries  map[string]Delivery
	routines    map[string]RoutineStats
	projectMeta map[string]ProjectMetadata

	backend Backend
	logger  *logging.Logger
	now     func() time.Time

	subMu       sync.RWMutex
	subscribers map[uint64]func(Change)
	nextSubID   uint64

	closeOnce sync.Once
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(context.Background(), StoreOptions{})
	return store
}

func NewStoreWithOptions(ctx context.Context, opts StoreOptions) (*Store, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Store{
		records:     map[Kind]map[string]Record{},
		syncStates:  map[string]SyncState{},
		deliveries:  map[string]Delivery{},
		routines:    map[string]RoutineStats{},
		projectMeta: map[string]ProjectMetadata{},
		backend:     backend,
		logger:      logger,
		now:         now,
		subscribers: map[uint64]func(Change){},
	}
	for _, kind := range AllKinds {
		s.records[kind] = map[string]Record{}
	}
	snapshot, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	if snapshot != nil {
		for _, rec := range snapshot.Records {
			if _, ok := s.records[rec.Kind]; !ok {
				continue
			}
			s.records[rec.Kind][rec.ID] = rec
		}
		for _, state := range snapshot.SyncStates {
			s.syncStates[state.Service] = state
		}
		for _, delivery := range snapshot.Deliveries {
			s.deliveries[delivery.DeliveryID] = delivery
		}
		for _, stats := range snapshot.Routines {
			s.routines[stats.TaskID] = stats
		}
	}
	return s, nil
}

// Apply merges incoming into the mirror. A forced write that carries an older
// version keeps the stored version so versions never move backwards.
func (s *Store) Apply(ctx context.Context, incoming Record, opts ApplyOptions) (ApplyResult, error) {
	incoming.ID = strings.TrimSpace(incoming.ID)
	if err := incoming.validate(); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %s record %q", err, incoming.Kind, incoming.ID)
	}

	s.mu.Lock()
	var existing *Record
	if current, ok := s.records[incoming.Kind][incoming.ID]; ok {
		existing = &current
	}
	decision := Merge(existing, incoming, MergeOptions{Force: opts.Force})
	if decision == DecisionSkip {
		s.mu.Unlock()
		return ApplyResult{Decision: decision, Record: existing.Clone()}, nil
	}
	next := incoming.Clone()
	if existing != nil && existing.SyncVersion > next.SyncVersion {
		next.SyncVersion = existing.SyncVersion
	}
	next.StoredAt = s.now().UTC()
	if err := s.backend.SaveRecord(ctx, next); err != nil {
		s.mu.Unlock()
		return ApplyResult{}, fmt.Errorf("persist %s %s: %w", next.Kind, next.ID, err)
	}
	s.records[next.Kind][next.ID] = next
	s.mu.Unlock()

	s.publish(Change{Kind: next.Kind, ID: next.ID, Record: next.Clone(), Source: opts.Source})
	return ApplyResult{Decision: decision, Record: next.Clone()}, nil
}

func (s *Store) Get(kind Kind, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[kind][id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// List returns records of kind in display order. Deleted rows are left out
// unless asked for.
func (s *Store) List(kind Kind, opts ListOptions) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records[kind]))
	for _, rec := range s.records[kind] {
		if rec.IsDeleted && !opts.IncludeDeleted {
			continue
		}
		if opts.ProjectID != "" && projectOf(rec) != opts.ProjectID {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		oi, oj := orderOf(out[i]), orderOf(out[j])
		if oi != oj {
			return oi < oj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Tasks() []Record {
	return s.List(KindTask, ListOptions{})
}

func (s *Store) Counts() map[Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Kind]int, len(s.records))
	for kind, rows := range s.records {
		for _, rec := range rows {
			if !rec.IsDeleted {
				out[kind]++
			}
		}
	}
	return out
}

// Subscribe registers fn for every applied write and returns a func that
// removes it. fn runs synchronously on the writer's goroutine.
func (s *Store) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = fn
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(change Change) {
	s.subMu.RLock()
	subs := make([]func(Change), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		s.notify(fn, change)
	}
}

func (s *Store) notify(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store subscriber panicked", "kind", change.Kind, "id", change.ID, "panic", fmt.Sprint(r))
		}
	}()
	fn(change)
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.backend.Close()
	})
	return err
}

func projectOf(rec Record) string {
	switch {
	case rec.Task != nil:
		return rec.Task.ProjectID
	case rec.Section != nil:
		return rec.Section.ProjectID
	case rec.Note != nil:
		return rec.Note.ProjectID
	case rec.Project != nil:
		return rec.ID
	default:
		return ""
	}
}

func orderOf(rec Record) int {
	switch {
	case rec.Task != nil:
		return rec.Task.ChildOrder
	case rec.Project != nil:
		return rec.Project.ChildOrder
	case rec.Section != nil:
		return rec.Section.SectionOrder
	case rec.Label != nil:
		return rec.Label.ItemOrder
	default:
		return 0
	}
}
