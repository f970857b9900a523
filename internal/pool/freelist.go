package pool

import (
	"time"

	"github.com/atelier-dev/workspace-node/internal/models"
)

// pooledUnit wraps a warm unit with pool bookkeeping.
type pooledUnit struct {
	unit     models.ComputeUnit
	warmedAt time.Time
}

// freeList is a FIFO of warm units: the oldest-warmed unit is handed out
// first, which bounds how long any single unit can sit idle and surfaces
// backend staleness early. Only the Manager touches it, under its lock.
type freeList struct {
	items []*pooledUnit
}

func (f *freeList) pushBack(u *pooledUnit) {
	f.items = append(f.items, u)
}

func (f *freeList) popFront() *pooledUnit {
	if len(f.items) == 0 {
		return nil
	}
	front := f.items[0]
	f.items[0] = nil
	f.items = f.items[1:]
	return front
}

func (f *freeList) len() int {
	return len(f.items)
}

// drain empties the list and returns everything that was in it.
func (f *freeList) drain() []*pooledUnit {
	drained := f.items
	f.items = nil
	return drained
}

func (f *freeList) contains(id models.UnitID) bool {
	for _, item := range f.items {
		if item.unit.ID == id {
			return true
		}
	}
	return false
}
