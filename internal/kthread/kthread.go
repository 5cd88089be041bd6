// Package kthread carries the slice of thread state the memory subsystem
// needs from its caller: the address space and its supplemental page table.
package kthread

import (
	"github.com/tuannm99/novamem/internal/mmu"
	"github.com/tuannm99/novamem/internal/suppl"
)

// Thread is the calling kernel thread. The original reads a thread-local
// current(); here the caller passes itself explicitly.
type Thread struct {
	Name    string
	Pagedir *mmu.PageDir
	SupplPT *suppl.Table
}

func New(name string) *Thread {
	return &Thread{
		Name:    name,
		Pagedir: mmu.NewPageDir(),
		SupplPT: suppl.NewTable(),
	}
}
