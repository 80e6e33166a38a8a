package transfer

import (
	"sort"
	"sync"
	"time"
)

// DefaultRetiredTTL is how long a finished id is remembered.
const DefaultRetiredTTL = 10 * time.Minute

// Registry holds the active transfers of one endpoint. Finished ids are
// kept as tombstones so late messages for them can be recognised and
// ignored. Only the Engine mutates it.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*Transfer
	retired map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry creates an empty registry. A non-positive ttl uses DefaultRetiredTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultRetiredTTL
	}
	return &Registry{
		active:  make(map[string]*Transfer),
		retired: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *Registry) add(t *Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[t.ID]; ok {
		return ErrDuplicateTransfer
	}
	if _, ok := r.retired[t.ID]; ok {
		return ErrDuplicateTransfer
	}
	r.active[t.ID] = t
	return nil
}

// retire removes id from the active set and tombstones it.
func (r *Registry) retire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
	now := r.now()
	r.retired[id] = now
	for k, at := range r.retired {
		if now.Sub(at) > r.ttl {
			delete(r.retired, k)
		}
	}
}

// Get returns the active transfer with the given id.
func (r *Registry) Get(id string) (*Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.active[id]
	return t, ok
}

// Retired reports whether id belonged to a transfer that has finished.
func (r *Registry) Retired(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.retired[id]
	return ok && r.now().Sub(at) <= r.ttl
}

// Len returns the number of active transfers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// List returns snapshots of the active transfers, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	transfers := make([]*Transfer, 0, len(r.active))
	for _, t := range r.active {
		transfers = append(transfers, t)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// forPeer returns the active transfers exchanged with peer.
func (r *Registry) forPeer(peer string) []*Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Transfer
	for _, t := range r.active {
		if t.Peer == peer {
			out = append(out, t)
		}
	}
	return out
}
