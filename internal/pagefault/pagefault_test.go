package pagefault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novamem/internal/kthread"
	"github.com/tuannm99/novamem/internal/mmu"
	"github.com/tuannm99/novamem/internal/palloc"
	"github.com/tuannm99/novamem/internal/suppl"
	"github.com/tuannm99/novamem/internal/swap"
)

// newTestHandler builds an allocator whose user pool has userFrames usable
// frames, plus the fault handler over it.
func newTestHandler(t *testing.T, userFrames int64) (*Handler, *kthread.Thread) {
	t.Helper()

	st, err := swap.Create(filepath.Join(t.TempDir(), "swap.nswp"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ps, err := palloc.Init(mmu.NewRAM(64), mmu.NewPageDir(), st, userFrames+1, true)
	require.NoError(t, err)

	return &Handler{PS: ps, Swap: st}, kthread.New("proc")
}

func upageAt(i int) mmu.VAddr { return mmu.VAddr(int64(i) * mmu.PgSize) }

// residentPage allocates, maps and dirties one anonymous user page.
func residentPage(t *testing.T, h *Handler, cur *kthread.Thread, i int, pattern byte) *mmu.PTE {
	t.Helper()

	kva, err := h.PS.GetPage(cur, palloc.User|palloc.Zero, upageAt(i))
	require.NoError(t, err)
	pte := cur.Pagedir.Lookup(upageAt(i), false)
	pte.SetAddr(mmu.Vtop(kva))
	pte.Set(mmu.BitP | mmu.BitW | mmu.BitU)
	h.PS.PageBytes(kva)[0] = pattern
	pte.Set(mmu.BitA | mmu.BitD)
	pte.Clear(mmu.BitI)
	return pte
}

func TestHandleFault_NoMapping(t *testing.T) {
	h, cur := newTestHandler(t, 2)
	require.ErrorIs(t, h.HandleFault(cur, upageAt(0)), ErrNoMapping)
}

func TestHandleFault_AlreadyResident(t *testing.T) {
	h, cur := newTestHandler(t, 2)
	pte := residentPage(t, h, cur, 0, 0x11)

	require.NoError(t, h.HandleFault(cur, upageAt(0)))
	require.True(t, pte.Present())
}

func TestHandleFault_SwapRoundTrip(t *testing.T) {
	h, cur := newTestHandler(t, 2)
	st := h.Swap

	pte0 := residentPage(t, h, cur, 0, 0x51)
	residentPage(t, h, cur, 1, 0x52)

	// Pool is full; a third page forces page 0 out to swap.
	pte0.Clear(mmu.BitA)
	residentPage(t, h, cur, 2, 0x53)
	require.False(t, pte0.Present())
	require.Equal(t, int64(1), st.InUse())

	// Faulting it back evicts page 1 to make room, then releases page 0's
	// slot: one slot stays in use.
	require.NoError(t, h.HandleFault(cur, upageAt(0)))
	require.True(t, pte0.Present())
	require.False(t, pte0.Pinned())
	kva := mmu.Ptov(pte0.Addr())
	require.Equal(t, byte(0x51), h.PS.PageBytes(kva)[0])
	require.Equal(t, int64(1), st.InUse())
}

func TestHandleFault_MmapReadsFromFileNotSwap(t *testing.T) {
	h, cur := newTestHandler(t, 2)
	st := h.Swap

	// Build the mapped region's backing file by hand.
	path := filepath.Join(t.TempDir(), "region.dat")
	f, err := suppl.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(f.Release)

	const bytesRead = 300
	seed := make([]byte, bytesRead)
	for i := range seed {
		seed[i] = byte(0xC0 | i&0xF)
	}
	require.NoError(t, f.WriteBackAt(seed, bytesRead, 0))

	pte := cur.Pagedir.Lookup(upageAt(0), true)
	pte.Set(mmu.BitM)
	cur.SupplPT.Put(&suppl.SPTE{
		PTE:       pte,
		Flags:     suppl.Mmap,
		File:      f,
		Offset:    0,
		BytesRead: bytesRead,
	})

	require.NoError(t, h.HandleFault(cur, upageAt(0)))

	require.True(t, pte.Present())
	require.True(t, pte.Mapped())
	require.False(t, pte.Pinned())
	require.Equal(t, int64(0), st.InUse(), "file faults must not touch swap")

	page := h.PS.PageBytes(mmu.Ptov(pte.Addr()))
	require.Equal(t, seed, page[:bytesRead])
	for i := bytesRead; i < len(page); i++ {
		require.Zero(t, page[i])
	}
}

func TestHandleFault_EvictThenFaultCycle(t *testing.T) {
	h, cur := newTestHandler(t, 2)

	// Two pages fit; cycling through four for several rounds exercises
	// evict → fault-in → evict again with patterns intact.
	patterns := map[int]byte{0: 0xA0, 1: 0xA1, 2: 0xA2, 3: 0xA3}
	for i := 0; i < 4; i++ {
		// From the third page on the pool is full and GetPage makes room
		// by evicting.
		residentPage(t, h, cur, i, patterns[i])
	}

	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			pte := cur.Pagedir.Lookup(upageAt(i), false)
			if !pte.Present() {
				require.NoError(t, h.HandleFault(cur, upageAt(i)))
			}
			kva := mmu.Ptov(pte.Addr())
			require.Equal(t, patterns[i], h.PS.PageBytes(kva)[0], "page %d round %d", i, round)
			pte.Clear(mmu.BitA)
		}
	}
}
