// Package registry tracks which price feeds each connected client wants and
// derives the single upstream subscription from them.
package registry

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"hermesgw/logger"
	"hermesgw/models"
)

// Handle identifies one registered subscription set. Handles are never reused.
type Handle uuid.UUID

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// Registry is safe for concurrent use by any number of connection handlers
// and the upstream connector.
type Registry struct {
	mu    sync.Mutex
	sets  map[Handle]models.SubscriptionSet
	refs  map[models.FeedID]int
	dirty atomic.Bool
	log   *logger.Log
}

func New() *Registry {
	return &Registry{
		sets: make(map[Handle]models.SubscriptionSet),
		refs: make(map[models.FeedID]int),
		log:  logger.GetLogger(),
	}
}

// Add registers set and marks the union dirty. Empty sets and identifiers
// already requested by other clients are accepted.
func (r *Registry) Add(set models.SubscriptionSet) Handle {
	h := Handle(uuid.New())

	r.mu.Lock()
	r.sets[h] = set
	for _, id := range set.IDs() {
		r.refs[id]++
	}
	r.mu.Unlock()

	r.dirty.Store(true)
	return h
}

// Remove drops the set registered under h. Removing an unknown handle is
// logged and otherwise ignored; the dirty flag is only touched on success.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	set, ok := r.sets[h]
	if ok {
		delete(r.sets, h)
		for _, id := range set.IDs() {
			if r.refs[id] <= 1 {
				delete(r.refs, id)
			} else {
				r.refs[id]--
			}
		}
	}
	remaining := len(r.sets)
	r.mu.Unlock()

	if !ok {
		r.log.WithComponent("registry").WithFields(logger.Fields{
			"handle":     h.String(),
			"registered": remaining,
		}).Warn("remove of unregistered subscription set ignored")
		return false
	}

	r.dirty.Store(true)
	return true
}

// Union returns every identifier requested by at least one client, once,
// in ascending byte order.
func (r *Registry) Union() []models.FeedID {
	r.mu.Lock()
	ids := make([]models.FeedID, 0, len(r.refs))
	for id := range r.refs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// Contains reports whether any registered client still needs id.
func (r *Registry) Contains(id models.FeedID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[id] > 0
}

// IsEmpty is true when no subscription set is registered. A registered
// empty set still counts.
func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// Len is the number of registered subscription sets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// FeedCount is the size of the union.
func (r *Registry) FeedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// ConsumeDirty reports whether the union may have changed since the last
// call and clears the flag.
func (r *Registry) ConsumeDirty() bool {
	return r.dirty.Swap(false)
}
