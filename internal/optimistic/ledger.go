package optimistic

import (
	"sync"
)

type entry struct {
	update Update
	seq    uint64
}

// Ledger holds at most one pending update per entity. Writes are synchronous
// and visible to readers as soon as Add returns.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[string]entry
	nextSeq   uint64
	observers map[uint64]func(entityID string)
	nextObs   uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		entries:   map[string]entry{},
		observers: map[uint64]func(entityID string){},
	}
}

// Add stores u, replacing whatever was pending for the same entity, and
// returns a sequence number identifying this entry.
func (l *Ledger) Add(u Update) uint64 {
	l.mu.Lock()
	l.nextSeq++
	seq := l.nextSeq
	l.entries[u.EntityID()] = entry{update: u, seq: seq}
	l.mu.Unlock()
	l.notify(u.EntityID())
	return seq
}

func (l *Ledger) Get(entityID string) (Update, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[entityID]
	if !ok {
		return nil, false
	}
	return e.update, true
}

func (l *Ledger) Lookup(entityID string) (Update, uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[entityID]
	if !ok {
		return nil, 0, false
	}
	return e.update, e.seq, true
}

func (l *Ledger) Remove(entityID string) bool {
	l.mu.Lock()
	_, ok := l.entries[entityID]
	delete(l.entries, entityID)
	l.mu.Unlock()
	if ok {
		l.notify(entityID)
	}
	return ok
}

// RemoveIfCurrent drops the entry only if it is still the one numbered seq,
// so a rollback never discards a newer edit to the same entity.
func (l *Ledger) RemoveIfCurrent(entityID string, seq uint64) bool {
	l.mu.Lock()
	e, ok := l.entries[entityID]
	if ok && e.seq == seq {
		delete(l.entries, entityID)
	} else {
		ok = false
	}
	l.mu.Unlock()
	if ok {
		l.notify(entityID)
	}
	return ok
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) EntityIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.entries))
	for id := range l.entries {
		out = append(out, id)
	}
	return out
}

// Subscribe calls fn with the entity id after every change. fn runs on the
// writer's goroutine, after the ledger lock is released.
func (l *Ledger) Subscribe(fn func(entityID string)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextObs++
	id := l.nextObs
	l.observers[id] = fn
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.observers, id)
			l.mu.Unlock()
		})
	}
}

func (l *Ledger) notify(entityID string) {
	l.mu.RLock()
	observers := make([]func(string), 0, len(l.observers))
	for _, fn := range l.observers {
		observers = append(observers, fn)
	}
	l.mu.RUnlock()
	for _, fn := range observers {
		fn(entityID)
	}
}
