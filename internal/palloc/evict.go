package palloc

import (
	"fmt"
	"log/slog"

	"github.com/tuannm99/novamem/internal/kthread"
	"github.com/tuannm99/novamem/internal/mmu"
	"github.com/tuannm99/novamem/internal/suppl"
)

// pageOutThenGetPage evicts a page from pool and returns the reclaimed
// frame's kernel virtual address, already bound to the caller's mapping.
//
// Victim selection is clock second-chance under the pool lock: free frames
// are taken as-is, frames whose lock another evictor holds are skipped,
// pinned frames are skipped, accessed frames lose their accessed bit and
// get a second chance. A victim's frame lock stays held across the flush so
// fault handlers racing the write-out serialize on it; the pool lock is
// released first so the rest of the pool keeps allocating.
func (s *Subsystem) pageOutThenGetPage(cur *kthread.Thread, pool *pool, flags Flags, upage mmu.VAddr) (mmu.VAddr, error) {
	pteNew := cur.Pagedir.Lookup(upage, true)

	// Pin before the entry is linked from any frame: not yet visible to
	// other evictors, so no lock is needed, and the reclaimed frame cannot
	// be re-chosen as a victim before the caller populates it.
	wasPinned := pteNew.Pinned()
	pteNew.Set(mmu.BitI)

	var refNew frameRef
	if pteNew.Mapped() {
		spte := cur.SupplPT.Get(pteNew)
		if spte == nil {
			panic("palloc: file mapped page without supplemental entry")
		}
		if flags&Mmap != 0 {
			refNew = frameRef{spte: spte}
		} else {
			refNew = frameRef{pte: pteNew}
		}
	} else {
		refNew = frameRef{pte: pteNew}
	}

	pool.mu.Lock()
	skipped := 0
	for {
		// Two full laps with no victim means every candidate is pinned or
		// lock-contended; give up instead of spinning under the pool lock.
		if skipped >= 2*pool.ft.pageCnt {
			pool.mu.Unlock()
			if !wasPinned {
				pteNew.Clear(mmu.BitI)
			}
			if flags&Assert != 0 {
				panic("palloc: no evictable frame in " + pool.name)
			}
			return mmu.NoAddr, ErrNoEvictable
		}

		clockCur := pool.ft.clockCur
		fr := &pool.ft.frames[clockCur]
		page := pool.pageAddr(clockCur)

		// A frame freed since our failed scan shows up here; take it.
		if fr.ref.free() {
			fr.ref = refNew
			pool.increaseClock()
			pool.mu.Unlock()
			if flags&Zero != 0 {
				s.zeroPages(page, 1)
			}
			return page, nil
		}

		pteOld := fr.ref.pteOf()
		spteOld := fr.ref.spte
		if spteOld != nil && !pteOld.Mapped() {
			panic("palloc: SPTE-bound frame whose PTE is not file mapped")
		}

		// Another evictor owns this frame; skip without waiting.
		if !fr.mu.TryLock() {
			pool.increaseClock()
			skipped++
			continue
		}

		if pteOld.Pinned() {
			pool.increaseClock()
			fr.mu.Unlock()
			skipped++
			continue
		}

		if !pteOld.Present() {
			panic("palloc: bound frame with non-present PTE")
		}
		if mmu.Ptov(pteOld.Addr()) != page {
			panic(fmt.Sprintf("palloc: frame %#x bound to PTE naming %#x",
				int64(page), pteOld.Addr()))
		}

		if pteOld.Accessed() {
			pteOld.Clear(mmu.BitA)
			cur.Pagedir.Invalidate()
			pool.increaseClock()
			fr.mu.Unlock()
			skipped++
			continue
		}

		// Victim found. Install the new binding, then flush the old page
		// with only the frame lock held.
		fr.ref = refNew
		pool.increaseClock()
		pool.mu.Unlock()

		slog.Debug(logDebugPrefix+"evicting frame",
			"pool", pool.name, "idx", clockCur, "mapped", pteOld.Mapped())

		if pteOld.Mapped() {
			s.flushToFile(cur, pteOld, spteOld, page)
		} else {
			s.flushToSwap(cur, pteOld, page)
		}
		fr.mu.Unlock()

		if flags&Zero != 0 {
			s.zeroPages(page, 1)
		}
		return page, nil
	}
}

// flushToFile writes a file-backed victim out. Contents go back to the file
// only for a dirty mmap region; code pages are reread from the executable
// on the next fault, so nothing is written for them.
func (s *Subsystem) flushToFile(cur *kthread.Thread, pteOld *mmu.PTE, spteOld *suppl.SPTE, page mmu.VAddr) {
	s.fileFlushMu.Lock()
	pteOld.Set(mmu.BitF | mmu.BitA)
	pteOld.Clear(mmu.BitP)
	cur.Pagedir.Invalidate()
	s.fileFlushMu.Unlock()

	spte := spteOld
	if spte == nil {
		spte = cur.SupplPT.Get(pteOld)
	}
	if spte == nil {
		panic("palloc: flushing file mapped page without supplemental entry")
	}

	// Data pages become plain memory pages once loaded and must never land
	// in the file flush path.
	if spte.Flags&(suppl.Code|suppl.Mmap) == 0 {
		panic("palloc: file flush of non-code, non-mmap page")
	}
	if spte.Flags&suppl.Mmap != 0 && pteOld.Dirty() {
		if spte.Flags&^suppl.Mmap != 0 {
			panic("palloc: dirty write-back of page that is not mmap-only")
		}
		if err := spte.File.WriteBackAt(s.ram.Page(page), spte.BytesRead, spte.Offset); err != nil {
			panic(fmt.Sprintf("palloc: mmap write-back failed: %v", err))
		}
	}

	s.fileFlushMu.Lock()
	pteOld.Clear(mmu.BitF)
	s.fileFlushCond.Broadcast()
	s.fileFlushMu.Unlock()
}

// flushToSwap writes an anonymous victim to a fresh swap slot and leaves the
// slot index in the PTE's high bits.
func (s *Subsystem) flushToSwap(cur *kthread.Thread, pteOld *mmu.PTE, page mmu.VAddr) {
	s.swapFlushMu.Lock()
	pteOld.Set(mmu.BitF | mmu.BitA)
	pteOld.Clear(mmu.BitP)
	cur.Pagedir.Invalidate()
	slot, err := s.swapTable.Allocate()
	if err != nil {
		s.swapFlushMu.Unlock()
		panic("palloc: swap device full")
	}
	pteOld.SetSwapSlot(slot)
	s.swapFlushMu.Unlock()

	if err := s.swapTable.Write(slot, s.ram.Page(page)); err != nil {
		panic(fmt.Sprintf("palloc: swap write failed: %v", err))
	}

	s.swapFlushMu.Lock()
	pteOld.Clear(mmu.BitF)
	s.swapFlushCond.Broadcast()
	s.swapFlushMu.Unlock()
}
