package importer

import (
	"context"
	"strconv"
	"sync"
)

// Locker serialises imports per dataset. The zero value is ready to use.
type Locker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// Lock blocks until the dataset is free or ctx ends. Callers holding a
// dataset name resolve it first (Pipeline.ResolveDataset) so that one dataset
// has one lock. The returned func releases the lock and may be called more
// than once.
func (l *Locker) Lock(ctx context.Context, studyID string, datasetID int) (func(), error) {
	slot := l.slot(studyID + "|" + strconv.Itoa(datasetID))
	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Locker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[string]chan struct{})
	}
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}
