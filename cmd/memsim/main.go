// memsim boots the paged memory subsystem from a yaml config and drives it
// through an allocation/eviction/fault-back workload, logging what the
// allocator did. Useful for eyeballing eviction behavior under pressure.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/tuannm99/novamem/internal"
	"github.com/tuannm99/novamem/internal/kthread"
	"github.com/tuannm99/novamem/internal/mmu"
	"github.com/tuannm99/novamem/internal/pagefault"
	"github.com/tuannm99/novamem/internal/palloc"
	"github.com/tuannm99/novamem/internal/swap"
)

func main() {
	var cfgPath string
	var workers int
	flag.StringVar(&cfgPath, "config", "novamem.yaml", "Path to novamem yaml config")
	flag.IntVar(&workers, "workers", 4, "Concurrent allocator threads")
	flag.Parse()

	cfg, err := internal.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Workload size override, pages touched per worker.
	pagesPerWorker := 64
	if v := os.Getenv("NOVAMEM_PAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("NOVAMEM_PAGES: %v", err)
		}
		pagesPerWorker = n
	}

	if cfg.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Swap.Path), 0o755); err != nil {
		log.Fatalf("create swap dir: %v", err)
	}
	st, err := swap.Create(cfg.Swap.Path, cfg.Swap.Slots)
	if err != nil {
		log.Fatalf("create swap: %v", err)
	}
	defer func() { _ = st.Close() }()

	ram := mmu.NewRAM(cfg.Memory.RAMPages)
	kernelPD := mmu.NewPageDir()
	ps, err := palloc.Init(ram, kernelPD, st, cfg.Memory.UserPageLimit, cfg.Debug)
	if err != nil {
		log.Fatalf("init allocator: %v", err)
	}
	handler := &pagefault.Handler{PS: ps, Swap: st}

	slog.Info("memsim booted",
		"kernelPages", ps.PoolPages(palloc.KernelPool),
		"userPages", ps.PoolPages(palloc.UserPool),
		"swapSlots", st.Slots())

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			runWorker(ps, handler, w, pagesPerWorker)
		}(w)
	}
	wg.Wait()

	slog.Info("memsim done",
		"userFreePages", ps.FreePages(palloc.UserPool),
		"swapInUse", st.InUse())
}

// runWorker plays one process: map pages, touch them with a pattern, let
// pool pressure evict, then fault everything back and verify.
func runWorker(ps *palloc.Subsystem, handler *pagefault.Handler, id, pages int) {
	cur := kthread.New(fmt.Sprintf("worker-%d", id))

	for i := 0; i < pages; i++ {
		upage := mmu.VAddr(int64(i) * mmu.PgSize)
		var kva mmu.VAddr
		for {
			var err error
			kva, err = ps.GetPage(cur, palloc.User|palloc.Zero, upage)
			if err == nil {
				break
			}
			if !errors.Is(err, palloc.ErrNoEvictable) {
				slog.Error("get page", "worker", id, "page", i, "err", err)
				return
			}
			// Every candidate was pinned for a moment; another worker will
			// unpin soon.
			runtime.Gosched()
		}
		pte := cur.Pagedir.Lookup(upage, false)
		pte.SetAddr(mmu.Vtop(kva))
		pte.Set(mmu.BitP | mmu.BitW | mmu.BitU)

		ps.PageBytes(kva)[0] = byte(id<<4 | i&0xF)
		pte.Set(mmu.BitA | mmu.BitD)
		pte.Clear(mmu.BitI)
	}

	verified := 0
	for i := 0; i < pages; i++ {
		upage := mmu.VAddr(int64(i) * mmu.PgSize)
		pte := cur.Pagedir.Lookup(upage, false)
		for {
			if !pte.Present() {
				if err := handler.HandleFault(cur, upage); err != nil {
					if errors.Is(err, palloc.ErrNoEvictable) {
						runtime.Gosched()
						continue
					}
					slog.Error("fault back", "worker", id, "page", i, "err", err)
					return
				}
			}
			// Pin while reading so concurrent workers cannot evict the
			// page out from under the check.
			pte.Set(mmu.BitI)
			ps.WaitWhileFlushing(pte)
			if !pte.Present() {
				pte.Clear(mmu.BitI)
				continue
			}
			kva := mmu.Ptov(pte.Addr())
			if ps.PageBytes(kva)[0] == byte(id<<4|i&0xF) {
				verified++
			}
			pte.Clear(mmu.BitI)
			break
		}
	}
	slog.Info("worker finished", "worker", id, "pages", pages, "verified", verified)
}
