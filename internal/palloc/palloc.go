// Package palloc hands out page-size chunks of the simulated physical
// memory. RAM is divided into two pools, kernel and user: the kernel pool
// exists so the kernel keeps memory for its own operations even while user
// processes are swapping hard. When the user pool runs dry the allocator
// evicts a resident user page to swap or to its backing file and reuses the
// frame; the kernel pool is never evicted from.
package palloc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tuannm99/novamem/internal/alias/util"
	"github.com/tuannm99/novamem/internal/kthread"
	"github.com/tuannm99/novamem/internal/mmu"
	"github.com/tuannm99/novamem/internal/swap"
)

var logDebugPrefix = "palloc: "

var (
	// ErrNoFreeFrames is returned when a pool has no free run of the
	// requested length. For the user pool this triggers eviction.
	ErrNoFreeFrames = errors.New("palloc: no free frames available")

	// ErrNoEvictable is returned when the clock made two full laps without
	// finding an unpinned victim. Callers are expected to retry.
	ErrNoEvictable = errors.New("palloc: no evictable frame (all pinned)")
)

// Flags steer an allocation request.
type Flags uint8

const (
	// User allocates from the user pool; otherwise the kernel pool.
	User Flags = 1 << iota
	// Zero fills the returned pages with zeros.
	Zero
	// Assert panics instead of returning an error on failure.
	Assert
	// Mmap records the binding through the page's supplemental entry, for
	// pages of a memory-mapped file region.
	Mmap
)

// Which names a pool.
type Which int

const (
	KernelPool Which = iota
	UserPool
)

// poisonByte fills freed pages in debug mode so use-after-free reads are
// recognizable.
const poisonByte = 0xCC

// pool is one partition of physical memory.
type pool struct {
	mu   sync.Mutex // guards ft scans, bindings and clock advancement
	ft   frameTable
	base mmu.VAddr // first usable page, past the frame table region
	name string
}

func (p *pool) initPool(base mmu.VAddr, pageCnt int64, name string) error {
	ftPages := util.DivRoundUp(frameTableSize(pageCnt), mmu.PgSize)
	if ftPages >= pageCnt {
		return fmt.Errorf("palloc: not enough memory in %s for frame table", name)
	}
	pageCnt -= ftPages

	p.ft = newFrameTable(int(pageCnt))
	p.base = base + mmu.VAddr(ftPages*mmu.PgSize)
	p.name = name

	slog.Info(logDebugPrefix+"pool initialized", "name", name, "pages", pageCnt)
	return nil
}

func (p *pool) increaseClock() {
	p.ft.clockCur = (p.ft.clockCur + 1) % p.ft.pageCnt
}

// contains reports whether kva was allocated from this pool.
func (p *pool) contains(kva mmu.VAddr) bool {
	no := mmu.PgNo(kva)
	start := mmu.PgNo(p.base)
	return no >= start && no < start+int64(p.ft.pageCnt)
}

func (p *pool) pageAddr(idx int) mmu.VAddr {
	return p.base + mmu.VAddr(idx*mmu.PgSize)
}

// Subsystem is the whole page allocator: both pools, the memory they carve
// up, and the flush coordination state shared with page fault handling.
type Subsystem struct {
	ram       *mmu.RAM
	kernelPD  *mmu.PageDir
	swapTable *swap.Table

	kernel pool
	user   pool

	swapFlushMu   sync.Mutex
	swapFlushCond *sync.Cond
	fileFlushMu   sync.Mutex
	fileFlushCond *sync.Cond

	debug bool
}

// Init partitions ram into the two pools: kernel pool in the low half, user
// pool in the high half capped at userPageLimit pages. Each pool gives up
// the leading pages that hold its own frame table.
func Init(ram *mmu.RAM, kernelPD *mmu.PageDir, st *swap.Table, userPageLimit int64, debug bool) (*Subsystem, error) {
	freePages := int64(ram.Pages())
	userPages := freePages / 2
	if userPages > userPageLimit {
		userPages = userPageLimit
	}
	kernelPages := freePages - userPages

	s := &Subsystem{
		ram:       ram,
		kernelPD:  kernelPD,
		swapTable: st,
		debug:     debug,
	}
	s.swapFlushCond = sync.NewCond(&s.swapFlushMu)
	s.fileFlushCond = sync.NewCond(&s.fileFlushMu)

	if err := s.kernel.initPool(ram.Base(), kernelPages, "kernel pool"); err != nil {
		return nil, err
	}
	userBase := ram.Base() + mmu.VAddr(kernelPages*mmu.PgSize)
	if err := s.user.initPool(userBase, userPages, "user pool"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subsystem) poolFor(flags Flags) *pool {
	if flags&User != 0 {
		return &s.user
	}
	return &s.kernel
}

// GetMultiple obtains a run of pageCnt contiguous free pages and returns the
// kernel virtual address of the first one. User allocations must request a
// single page and name the user virtual address it will map; the page table
// entry for it is created if needed, pinned, and bound to the frame. Kernel
// allocations take upage == mmu.NoAddr and bind every frame to the kernel
// page directory. On failure returns ErrNoFreeFrames, or panics when Assert
// is set. cur may be nil for kernel allocations.
func (s *Subsystem) GetMultiple(cur *kthread.Thread, flags Flags, pageCnt int, upage mmu.VAddr) (mmu.VAddr, error) {
	pool := s.poolFor(flags)

	if pageCnt == 0 {
		return mmu.NoAddr, nil
	}

	pool.mu.Lock()
	idx := pool.ft.scan(0, pageCnt)
	if idx != frameTableErr {
		if flags&User != 0 {
			s.bindUserFrame(cur, pool, idx, flags, pageCnt, upage)
		} else {
			if upage != mmu.NoAddr {
				panic("palloc: kernel allocation takes no user page")
			}
			pool.ft.setRun(idx, pageCnt, s.kernelPD, pool.pageAddr(idx))
		}
	}
	pool.mu.Unlock()

	if idx == frameTableErr {
		if flags&Assert != 0 {
			panic("palloc: out of pages")
		}
		return mmu.NoAddr, ErrNoFreeFrames
	}

	pages := pool.pageAddr(idx)
	if flags&Zero != 0 {
		s.zeroPages(pages, pageCnt)
	}
	slog.Debug(logDebugPrefix+"allocated run",
		"pool", pool.name, "idx", idx, "pages", pageCnt)
	return pages, nil
}

// bindUserFrame links a just-claimed user frame to the caller's mapping.
// Caller holds the pool lock.
func (s *Subsystem) bindUserFrame(cur *kthread.Thread, pool *pool, idx int, flags Flags, pageCnt int, upage mmu.VAddr) {
	if pageCnt != 1 {
		panic("palloc: user allocations are one page at a time")
	}
	if !mmu.IsUser(upage) || mmu.PgOfs(upage) != 0 {
		panic(fmt.Sprintf("palloc: bad user page address %#x", int64(upage)))
	}

	fr := &pool.ft.frames[idx]
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if flags&Mmap != 0 {
		pte := cur.Pagedir.Lookup(upage, false)
		if pte == nil {
			panic("palloc: mmap allocation for unmapped page")
		}
		if !pte.Mapped() {
			panic("palloc: mmap allocation but PTE is not file mapped")
		}
		pte.Set(mmu.BitI)
		spte := cur.SupplPT.Get(pte)
		if spte == nil {
			panic("palloc: file mapped page without supplemental entry")
		}
		fr.ref = frameRef{spte: spte}
	} else {
		pte := cur.Pagedir.Lookup(upage, true)
		pte.Set(mmu.BitI)
		fr.ref = frameRef{pte: pte}
	}
}

// GetPage obtains a single free page. When the user pool is exhausted it
// pages a victim out and reuses its frame; kernel exhaustion is fatal.
func (s *Subsystem) GetPage(cur *kthread.Thread, flags Flags, upage mmu.VAddr) (mmu.VAddr, error) {
	if upage != mmu.NoAddr && mmu.PgOfs(upage) != 0 {
		panic(fmt.Sprintf("palloc: unaligned user page address %#x", int64(upage)))
	}

	kva, err := s.GetMultiple(cur, flags, 1, upage)
	if err == nil {
		return kva, nil
	}
	if !errors.Is(err, ErrNoFreeFrames) {
		return mmu.NoAddr, err
	}
	if flags&User == 0 {
		panic("palloc: out of kernel memory pages")
	}
	return s.pageOutThenGetPage(cur, &s.user, flags, upage)
}

// FreeMultiple releases pageCnt pages starting at kva back to their pool.
// A NoAddr address or zero count is a no-op; freeing a page no pool owns or
// a page that is already free is fatal.
func (s *Subsystem) FreeMultiple(kva mmu.VAddr, pageCnt int) {
	if kva == mmu.NoAddr || pageCnt == 0 {
		return
	}
	if mmu.PgOfs(kva) != 0 {
		panic(fmt.Sprintf("palloc: free of unaligned address %#x", int64(kva)))
	}

	var p *pool
	switch {
	case s.kernel.contains(kva):
		p = &s.kernel
	case s.user.contains(kva):
		p = &s.user
	default:
		panic(fmt.Sprintf("palloc: free of address %#x outside any pool", int64(kva)))
	}

	pageIdx := int(mmu.PgNo(kva) - mmu.PgNo(p.base))

	if s.debug {
		s.poisonPages(kva, pageCnt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < pageCnt; i++ {
		if p.ft.frames[pageIdx+i].ref.free() {
			panic(fmt.Sprintf("palloc: double free of frame %d in %s", pageIdx+i, p.name))
		}
		p.ft.frames[pageIdx+i].ref = frameRef{}
	}
	slog.Debug(logDebugPrefix+"freed run", "pool", p.name, "idx", pageIdx, "pages", pageCnt)
}

// FreePage releases the single page at kva.
func (s *Subsystem) FreePage(kva mmu.VAddr) {
	s.FreeMultiple(kva, 1)
}

// PoolOf classifies a kernel virtual address by owning pool.
func (s *Subsystem) PoolOf(kva mmu.VAddr) (Which, bool) {
	switch {
	case s.kernel.contains(kva):
		return KernelPool, true
	case s.user.contains(kva):
		return UserPool, true
	}
	return 0, false
}

// KernelPoolChangePD re-points every bound kernel-pool frame at the matching
// entry of a rebuilt kernel page directory.
func (s *Subsystem) KernelPoolChangePD(pd *mmu.PageDir) {
	s.kernel.mu.Lock()
	defer s.kernel.mu.Unlock()
	s.kernelPD = pd
	s.kernel.ft.changePagedir(pd, s.kernel.base)
}

// UserFrameLockFor returns the per-frame lock guarding the physical frame a
// resident user PTE names. Fault handlers take it before touching a frame
// that may be under eviction.
func (s *Subsystem) UserFrameLockFor(pte *mmu.PTE) *sync.Mutex {
	if pte.Addr() == 0 {
		panic("palloc: frame lock lookup on PTE without a frame")
	}
	kva := mmu.Ptov(pte.Addr())
	if !s.user.contains(kva) {
		panic(fmt.Sprintf("palloc: PTE frame %#x not in user pool", pte.Addr()))
	}
	idx := int(mmu.PgNo(kva) - mmu.PgNo(s.user.base))
	return &s.user.ft.frames[idx].mu
}

// WaitWhileFlushing blocks until no eviction is writing pte's contents out.
// Once it returns, the entry's present bit and high-bit meaning are
// authoritative (resident again, a swap slot, or file backed).
func (s *Subsystem) WaitWhileFlushing(pte *mmu.PTE) {
	mu, cond := &s.swapFlushMu, s.swapFlushCond
	if pte.Mapped() {
		mu, cond = &s.fileFlushMu, s.fileFlushCond
	}
	mu.Lock()
	for pte.Flushing() {
		cond.Wait()
	}
	mu.Unlock()
}

// PageBytes exposes the PgSize slice behind an allocated page.
func (s *Subsystem) PageBytes(kva mmu.VAddr) []byte {
	return s.ram.Page(kva)
}

// FreePages counts the free frames of a pool; used by drivers and tests.
func (s *Subsystem) FreePages(w Which) int {
	pool := &s.kernel
	if w == UserPool {
		pool = &s.user
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	n := 0
	for i := range pool.ft.frames {
		if pool.ft.frames[i].ref.free() {
			n++
		}
	}
	return n
}

// PoolPages reports a pool's usable page count.
func (s *Subsystem) PoolPages(w Which) int {
	if w == UserPool {
		return s.user.ft.pageCnt
	}
	return s.kernel.ft.pageCnt
}

// PoolBase reports the kernel virtual address of a pool's first usable page.
func (s *Subsystem) PoolBase(w Which) mmu.VAddr {
	if w == UserPool {
		return s.user.base
	}
	return s.kernel.base
}

func (s *Subsystem) zeroPages(kva mmu.VAddr, pageCnt int) {
	for k := 0; k < pageCnt; k++ {
		b := s.ram.Page(kva + mmu.VAddr(k*mmu.PgSize))
		for i := range b {
			b[i] = 0
		}
	}
}

func (s *Subsystem) poisonPages(kva mmu.VAddr, pageCnt int) {
	for k := 0; k < pageCnt; k++ {
		b := s.ram.Page(kva + mmu.VAddr(k*mmu.PgSize))
		for i := range b {
			b[i] = poisonByte
		}
	}
}
