package optimistic

import (
	"sync"

	"github.com/agentworkforce/tasksync/internal/tasksync"
)

// RecordSource is the read and subscribe surface of the entity store.
type RecordSource interface {
	Get(kind tasksync.Kind, id string) (tasksync.Record, bool)
	Subscribe(fn func(tasksync.Change)) func()
}

// Watcher clears ledger entries for watched entities once the store holds
// the value the entry proposes. It is re-evaluated whenever the store record
// or the ledger entry for a watched id changes; nothing is polled.
type Watcher struct {
	store  RecordSource
	ledger *Ledger

	mu      sync.Mutex
	watched map[string]int
	stop    []func()
}

func NewWatcher(store RecordSource, ledger *Ledger) *Watcher {
	w := &Watcher{store: store, ledger: ledger, watched: map[string]int{}}
	w.stop = append(w.stop,
		store.Subscribe(func(change tasksync.Change) {
			if change.Kind == tasksync.KindTask {
				w.evaluateIfWatched(change.ID)
			}
		}),
		ledger.Subscribe(w.evaluateIfWatched),
	)
	return w
}

// Watch marks id as displayed and evaluates it once. The returned func
// releases this watch; ids are reference counted.
func (w *Watcher) Watch(id string) func() {
	w.mu.Lock()
	w.watched[id]++
	w.mu.Unlock()
	w.Evaluate(id)
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			if w.watched[id] <= 1 {
				delete(w.watched, id)
			} else {
				w.watched[id]--
			}
			w.mu.Unlock()
		})
	}
}

// WatchAll watches every id that currently has a pending entry.
func (w *Watcher) WatchAll() func() {
	ids := w.ledger.EntityIDs()
	releases := make([]func(), 0, len(ids))
	for _, id := range ids {
		releases = append(releases, w.Watch(id))
	}
	return func() {
		for _, release := range releases {
			release()
		}
	}
}

// Evaluate removes the pending entry for id if the store has caught up and
// reports whether it did.
func (w *Watcher) Evaluate(id string) bool {
	u, seq, ok := w.ledger.Lookup(id)
	if !ok {
		return false
	}
	var current *tasksync.Record
	if rec, found := w.store.Get(tasksync.KindTask, id); found {
		current = &rec
	}
	if !ShouldClear(current, u) {
		return false
	}
	// The entry may have been replaced since Lookup; only clear the one checked.
	return w.ledger.RemoveIfCurrent(id, seq)
}

func (w *Watcher) Watching(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[id] > 0
}

func (w *Watcher) Close() {
	w.mu.Lock()
	stop := w.stop
	w.stop = nil
	w.mu.Unlock()
	for _, fn := range stop {
		fn()
	}
}

func (w *Watcher) evaluateIfWatched(id string) {
	if w.Watching(id) {
		w.Evaluate(id)
	}
}
