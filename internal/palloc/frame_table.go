package palloc

import (
	"sync"

	"github.com/tuannm99/novamem/internal/mmu"
	"github.com/tuannm99/novamem/internal/suppl"
)

// frameRef is a frame's back-reference to the mapping that occupies it.
// Exactly one of the fields is set on a bound frame: pte for kernel pages and
// plain user pages, spte for pages of a memory-mapped file region. The zero
// value means the frame is free.
//
// The original encoded this as a raw pointer compared against the
// kernel/user split; the tagged form carries the same information without
// the pointer-range trick.
type frameRef struct {
	pte  *mmu.PTE
	spte *suppl.SPTE
}

func (r frameRef) free() bool { return r.pte == nil && r.spte == nil }

// pteOf resolves the back-reference to the occupying page table entry.
func (r frameRef) pteOf() *mmu.PTE {
	if r.spte != nil {
		return r.spte.PTE
	}
	return r.pte
}

// frame is one physical frame's metadata. mu serializes eviction steps on
// this frame against concurrent evictors and fault handlers; while it is
// held the identity of ref is stable.
type frame struct {
	ref frameRef
	mu  sync.Mutex
}

const frameTableErr = -1

// frameEntryBytes is the bookkeeping footprint charged per frame when the
// table's own storage is carved out of the pool.
const frameEntryBytes = 64

func frameTableSize(pageCnt int64) int64 { return pageCnt * frameEntryBytes }

// frameTable records the occupancy of every frame in one pool plus the
// clock hand for eviction. Mutable only under the pool lock, except for a
// bound frame's ref during the window where an evictor holds the frame lock
// after dropping the pool lock.
type frameTable struct {
	frames   []frame
	pageCnt  int
	clockCur int
}

func newFrameTable(pageCnt int) frameTable {
	return frameTable{frames: make([]frame, pageCnt), pageCnt: pageCnt}
}

// scan returns the index of the first run of cnt consecutive free frames at
// or after start, frameTableErr if there is none.
func (ft *frameTable) scan(start, cnt int) int {
	if cnt <= 0 || cnt > ft.pageCnt {
		return frameTableErr
	}
	run := 0
	for i := start; i < ft.pageCnt; i++ {
		if !ft.frames[i].ref.free() {
			run = 0
			continue
		}
		run++
		if run == cnt {
			return i - cnt + 1
		}
	}
	return frameTableErr
}

// setRun binds cnt frames starting at idx to the page directory entries for
// successive kernel virtual addresses starting at kva. Kernel allocation
// path; caller holds the pool lock.
func (ft *frameTable) setRun(idx, cnt int, pd *mmu.PageDir, kva mmu.VAddr) {
	for k := 0; k < cnt; k++ {
		v := kva + mmu.VAddr(k*mmu.PgSize)
		pte := pd.Lookup(v, true)
		pte.SetAddr(mmu.Vtop(v))
		pte.Set(mmu.BitP | mmu.BitW)
		ft.frames[idx+k].ref = frameRef{pte: pte}
	}
}

// changePagedir re-points every bound frame at the corresponding entry of a
// rebuilt page directory. base is the pool's first page.
func (ft *frameTable) changePagedir(pd *mmu.PageDir, base mmu.VAddr) {
	for i := range ft.frames {
		if ft.frames[i].ref.free() {
			continue
		}
		v := base + mmu.VAddr(i*mmu.PgSize)
		pte := pd.Lookup(v, true)
		pte.SetAddr(mmu.Vtop(v))
		pte.Set(mmu.BitP | mmu.BitW)
		ft.frames[i].ref = frameRef{pte: pte}
	}
}
