// Package suppl is the supplemental page table: per-user-page metadata that
// describes where a non-resident or file-backed page gets its contents.
package suppl

import (
	"io"
	"os"
	"sync"

	"github.com/tuannm99/novamem/internal/alias/util"
	locking "github.com/tuannm99/novamem/internal/lock"
	"github.com/tuannm99/novamem/internal/mmu"
)

type Flags uint8

const (
	// Code marks a page loaded from an executable's code segment.
	Code Flags = 1 << iota
	// Mmap marks a page belonging to a memory-mapped file region.
	Mmap
)

// SPTE describes one user page's backing store.
type SPTE struct {
	PTE       *mmu.PTE
	Flags     Flags
	File      *File
	Offset    int64
	BytesRead int64 // bytes that come from the file; the tail is zeroed
}

// Table holds a process's supplemental entries, keyed by the owning PTE.
type Table struct {
	mu      sync.Mutex
	entries map[*mmu.PTE]*SPTE
}

func NewTable() *Table {
	return &Table{entries: make(map[*mmu.PTE]*SPTE)}
}

// Get resolves a PTE to its supplemental entry, nil if there is none.
func (t *Table) Get(pte *mmu.PTE) *SPTE {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[pte]
}

func (t *Table) Put(s *SPTE) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[s.PTE] = s
}

func (t *Table) Remove(pte *mmu.PTE) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pte)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// File is a refcounted file handle shared by every SPTE of one mapped
// region. The fd is closed when the last reference is released.
type File struct {
	f  *os.File
	rc *locking.RefCount
}

func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, rc: locking.NewRefCount()}, nil
}

func (f *File) Retain() { f.rc.Inc() }

func (f *File) Release() {
	if f.rc.Dec() {
		util.CloseFileFunc(f.f)
	}
}

// WriteBackAt writes the first n bytes of page at offset off. This is the
// mmap dirty write-back path.
func (f *File) WriteBackAt(page []byte, n, off int64) error {
	_, err := f.f.WriteAt(page[:n], off)
	return err
}

// ReadAt fills the first n bytes of page from offset off and zeroes the
// rest. A read short of n (EOF) is also zero-filled.
func (f *File) ReadAt(page []byte, n, off int64) error {
	got, err := f.f.ReadAt(page[:n], off)
	if err != nil && err != io.EOF {
		return err
	}
	for i := got; i < len(page); i++ {
		page[i] = 0
	}
	return nil
}
