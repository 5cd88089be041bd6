// Package pagefault resolves not-present faults on user pages: it waits out
// any in-flight eviction of the entry, claims a frame from the user pool and
// restores the page's contents from swap or from its backing file.
package pagefault

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuannm99/novamem/internal/kthread"
	"github.com/tuannm99/novamem/internal/mmu"
	"github.com/tuannm99/novamem/internal/palloc"
	"github.com/tuannm99/novamem/internal/suppl"
	"github.com/tuannm99/novamem/internal/swap"
)

var logDebugPrefix = "pagefault: "

var (
	// ErrNoMapping is returned for a fault on an address the process never
	// mapped; the caller decides whether that kills the process.
	ErrNoMapping = errors.New("pagefault: no mapping for faulting address")
)

// Handler wires the fault path to the allocator and the swap device.
type Handler struct {
	PS   *palloc.Subsystem
	Swap *swap.Table
}

// HandleFault brings the page containing upage back into memory. Returns
// nil if the page is resident when the handler is done, including the
// benign race where another thread restored it first.
func (h *Handler) HandleFault(cur *kthread.Thread, upage mmu.VAddr) error {
	upage = mmu.PgRoundDown(upage)

	pte := cur.Pagedir.Lookup(upage, false)
	if pte == nil {
		return ErrNoMapping
	}
	if pte.Present() {
		return nil
	}

	// An evictor may be mid-flush; once F clears, the entry's high bits
	// are authoritative.
	h.PS.WaitWhileFlushing(pte)
	if pte.Present() {
		return nil
	}

	if pte.Mapped() {
		return h.faultInFromFile(cur, pte, upage)
	}
	return h.faultInFromSwap(cur, pte, upage)
}

func (h *Handler) faultInFromFile(cur *kthread.Thread, pte *mmu.PTE, upage mmu.VAddr) error {
	spte := cur.SupplPT.Get(pte)
	if spte == nil {
		return fmt.Errorf("pagefault: file mapped page %#x has no supplemental entry", int64(upage))
	}

	flags := palloc.User
	if spte.Flags&suppl.Mmap != 0 {
		flags |= palloc.Mmap
	}
	kva, err := h.PS.GetPage(cur, flags, upage)
	if err != nil {
		return fmt.Errorf("pagefault: claim frame: %w", err)
	}

	if err := spte.File.ReadAt(h.PS.PageBytes(kva), spte.BytesRead, spte.Offset); err != nil {
		return fmt.Errorf("pagefault: read backing file: %w", err)
	}

	h.install(cur, pte, kva)
	slog.Debug(logDebugPrefix+"restored from file", "upage", int64(upage))
	return nil
}

func (h *Handler) faultInFromSwap(cur *kthread.Thread, pte *mmu.PTE, upage mmu.VAddr) error {
	slot := pte.SwapSlot()

	kva, err := h.PS.GetPage(cur, palloc.User, upage)
	if err != nil {
		return fmt.Errorf("pagefault: claim frame: %w", err)
	}

	if err := h.Swap.Read(slot, h.PS.PageBytes(kva)); err != nil {
		return fmt.Errorf("pagefault: read swap slot %d: %w", slot, err)
	}
	h.Swap.Free(slot)

	h.install(cur, pte, kva)
	slog.Debug(logDebugPrefix+"restored from swap", "upage", int64(upage), "slot", slot)
	return nil
}

// install makes the entry resident again and drops the allocation pin.
func (h *Handler) install(cur *kthread.Thread, pte *mmu.PTE, kva mmu.VAddr) {
	pte.SetAddr(mmu.Vtop(kva))
	pte.Clear(mmu.BitD)
	pte.Set(mmu.BitP | mmu.BitW | mmu.BitU | mmu.BitA)
	pte.Clear(mmu.BitI)
	cur.Pagedir.Invalidate()
}
