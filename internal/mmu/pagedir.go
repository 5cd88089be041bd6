package mmu

import (
	"sync"
	"sync/atomic"
)

// PageDir is one address space's page directory. Entries are created lazily
// by Lookup; a PTE, once created, stays at a stable address for the life of
// the directory so other subsystems may hold pointers into it.
type PageDir struct {
	mu    sync.Mutex
	pages map[int64]*PTE

	// invalidations stands in for TLB shootdown; tests observe it.
	invalidations atomic.Int64
}

func NewPageDir() *PageDir {
	return &PageDir{pages: make(map[int64]*PTE)}
}

// Lookup returns the PTE for the page containing v, creating it when create
// is set. Returns nil when the entry does not exist and create is false.
func (pd *PageDir) Lookup(v VAddr, create bool) *PTE {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	no := PgNo(v)
	pte, ok := pd.pages[no]
	if !ok && create {
		pte = &PTE{}
		pd.pages[no] = pte
	}
	return pte
}

// Invalidate flushes the simulated TLB for this directory.
func (pd *PageDir) Invalidate() {
	pd.invalidations.Add(1)
}

func (pd *PageDir) Invalidations() int64 {
	return pd.invalidations.Load()
}

// Entries reports how many PTEs exist in the directory.
func (pd *PageDir) Entries() int {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return len(pd.pages)
}
