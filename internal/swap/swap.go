// Package swap is the file-backed swap device. Evicted anonymous pages are
// written to fixed-size slots; a checksummed superblock makes a swap file
// recognizable across runs.
package swap

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tuannm99/novamem/internal/alias/bx"
	"github.com/tuannm99/novamem/internal/mmu"
)

var logDebugPrefix = "swap: "

var (
	ErrSwapFull = errors.New("swap: no free slot available")
	ErrBadMagic = errors.New("swap: bad magic")
	ErrBadCRC   = errors.New("swap: bad superblock crc")
	ErrBadSlot  = errors.New("swap: slot out of range")
)

const (
	magicU32   uint32 = 0x5057534E // "NSWP"
	versionU16        = 1

	// Slot 0 starts one page in so payload stays page aligned.
	headerSize = mmu.PgSize

	// superblock: magic(4) ver(2) rsv(2) slots(8) crc(4)
	sbLen = 4 + 2 + 2 + 8 + 4
)

// Table is one swap device. Slot state is kept in memory; slot contents live
// in the file at headerSize + slot*PgSize.
type Table struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	used  []bool
	inUse int64
}

// Create makes a fresh swap file with cnt slots, truncating any previous one.
func Create(path string, cnt int64) (*Table, error) {
	if cnt <= 0 {
		return nil, fmt.Errorf("swap: slot count must be positive, got %d", cnt)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("swap: create %s: %w", path, err)
	}

	sb := make([]byte, sbLen)
	bx.PutU32At(sb, 0, magicU32)
	bx.PutU16At(sb, 4, versionU16)
	bx.PutU16At(sb, 6, 0)
	bx.PutU64At(sb, 8, uint64(cnt))
	bx.PutU32At(sb, 16, crc32.ChecksumIEEE(sb[:16]))

	if _, err := f.WriteAt(sb, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("swap: write superblock: %w", err)
	}

	slog.Debug(logDebugPrefix+"created", "path", path, "slots", cnt)
	return &Table{f: f, path: path, used: make([]bool, cnt)}, nil
}

// Open validates an existing swap file's superblock. All slots start free;
// slot occupancy is not persisted, page table entries own that state.
func Open(path string) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("swap: open %s: %w", path, err)
	}

	sb := make([]byte, sbLen)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, sbLen), sb); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("swap: read superblock: %w", err)
	}
	if bx.U32At(sb, 0) != magicU32 {
		_ = f.Close()
		return nil, ErrBadMagic
	}
	if bx.U16At(sb, 4) != versionU16 {
		_ = f.Close()
		return nil, fmt.Errorf("swap: unsupported version %d", bx.U16At(sb, 4))
	}
	if bx.U32At(sb, 16) != crc32.ChecksumIEEE(sb[:16]) {
		_ = f.Close()
		return nil, ErrBadCRC
	}
	cnt := int64(bx.U64At(sb, 8))

	return &Table{f: f, path: path, used: make([]bool, cnt)}, nil
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

func (t *Table) Slots() int64 { return int64(len(t.used)) }

func (t *Table) InUse() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUse
}

// Allocate claims the first free slot.
func (t *Table) Allocate() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, u := range t.used {
		if !u {
			t.used[i] = true
			t.inUse++
			slog.Debug(logDebugPrefix+"allocated slot", "slot", i, "inUse", t.inUse)
			return int64(i), nil
		}
	}
	return -1, ErrSwapFull
}

// Free releases a slot. Freeing a free slot is an invariant violation.
func (t *Table) Free(slot int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot < 0 || slot >= int64(len(t.used)) {
		panic(fmt.Sprintf("swap: free of slot %d out of range", slot))
	}
	if !t.used[slot] {
		panic(fmt.Sprintf("swap: double free of slot %d", slot))
	}
	t.used[slot] = false
	t.inUse--
}

func (t *Table) slotOffset(slot int64) (int64, error) {
	if slot < 0 || slot >= int64(len(t.used)) {
		return 0, ErrBadSlot
	}
	return headerSize + slot*mmu.PgSize, nil
}

// Write stores one page into slot. page must be exactly PgSize bytes.
func (t *Table) Write(slot int64, page []byte) error {
	if len(page) != mmu.PgSize {
		return fmt.Errorf("swap: page must be exactly %d bytes", mmu.PgSize)
	}
	off, err := t.slotOffset(slot)
	if err != nil {
		return err
	}
	n, err := t.f.WriteAt(page, off)
	if err != nil {
		return fmt.Errorf("swap: write slot %d: %w", slot, err)
	}
	if n != mmu.PgSize {
		return io.ErrShortWrite
	}
	return nil
}

// Read loads one page from slot into page, zero-filling past EOF so a slot
// that was allocated but never fully written reads as zeros.
func (t *Table) Read(slot int64, page []byte) error {
	if len(page) != mmu.PgSize {
		return fmt.Errorf("swap: page must be exactly %d bytes", mmu.PgSize)
	}
	off, err := t.slotOffset(slot)
	if err != nil {
		return err
	}
	n, err := t.f.ReadAt(page, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("swap: read slot %d: %w", slot, err)
	}
	for i := n; i < mmu.PgSize; i++ {
		page[i] = 0
	}
	return nil
}
