package main

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/joshuapare/vmkit/cmd/vmoctl/logger"
	"github.com/joshuapare/vmkit/vmo"
	"github.com/joshuapare/vmkit/vmo/pagesource"
	"github.com/joshuapare/vmkit/vmo/phys"
	"github.com/joshuapare/vmkit/vmo/store"
	"github.com/spf13/cobra"
)

var (
	pagerTouch    int64
	pagerFlush    bool
	pagerLogFlag  bool
	pagerPoolSize int
)

func init() {
	cmd := newPagerCmd()
	cmd.Flags().Int64Var(&pagerTouch, "touch", -1, "Write one byte at this offset to dirty a page")
	cmd.Flags().BoolVar(&pagerFlush, "flush", false, "Write dirty pages back to the file")
	cmd.Flags().IntVar(&pagerPoolSize, "pool", 4096, "Frame pool capacity in pages")
	cmd.Flags().BoolVar(&pagerLogFlag, "log", false, "Write a structured log of pager traffic")
	rootCmd.AddCommand(cmd)
}

func newPagerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pager <file>",
		Short: "Serve a file through a pager-backed object",
		Long: `The pager command backs an object with the given file: page content is
faulted in on demand by an in-process pager, reads go through the object, and
dirty pages made with --touch can be flushed back with --flush.

Example:
  vmoctl pager data.bin
  vmoctl pager data.bin --touch 4096 --flush`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPager(args[0])
		},
	}
	return cmd
}

// filePager resolves page requests from a file, the minimal user pager.
type filePager struct {
	file     *os.File
	object   *vmo.Object
	provider *pagesource.Pager
	alloc    *phys.Allocator
}

func (p *filePager) serve(ctx context.Context) {
	pageSize := uint64(vmo.PageSize)
	buf := make([]byte, pageSize)
	for {
		pr, err := p.provider.NextRequest(ctx)
		if err != nil {
			return
		}
		logger.L.Info("pager request",
			slog.String("type", pr.Type.String()),
			slog.Uint64("offset", pr.Offset),
			slog.Uint64("length", pr.Length))
		switch pr.Type {
		case pagesource.ReadRequest:
			list := store.NewSpliceList(pr.Offset)
			failed := false
			for off := pr.Offset; off < pr.Offset+pr.Length; off += pageSize {
				clear(buf)
				// A short tail read zero-pads the final page.
				if _, err := p.file.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
					failed = true
					break
				}
				if err := list.AppendBytes(p.alloc, buf); err != nil {
					failed = true
					break
				}
			}
			if failed {
				list.Drain(p.alloc)
				_ = p.object.FailPageRequests(pr.Offset, pr.Length)
				continue
			}
			if err := p.object.SupplyPages(ctx, pr.Offset, pr.Length, list); err != nil {
				list.Drain(p.alloc)
			}
		case pagesource.DirtyRequest:
			_ = p.object.DirtyPages(ctx, pr.Offset, pr.Length)
		}
	}
}

func fileSize(f *os.File) int64 {
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

func runPager(path string) error {
	if err := logger.Init(logger.Options{Enabled: pagerLogFlag}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	flags := os.O_RDONLY
	if pagerFlush {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	pageSize := uint64(vmo.PageSize)
	size := uint64(fileSize(f))
	objSize := (size + pageSize - 1) / pageSize * pageSize
	if objSize == 0 {
		return fmt.Errorf("file is empty")
	}

	alloc := phys.NewAllocator(phys.Options{CapacityPages: pagerPoolSize})
	defer alloc.Close()
	provider := pagesource.NewPager(pagesource.PagerOptions{PreservesContent: true})
	o, err := vmo.NewExternal(alloc, provider, objSize, vmo.Options{Name: path})
	if err != nil {
		return fmt.Errorf("creating object: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fp := &filePager{file: f, object: o, provider: provider, alloc: alloc}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fp.serve(ctx)
	}()
	defer func() {
		o.Destroy() // closes the provider, ending the service loop
		cancel()
		<-done
	}()

	// Fault the whole file in through the object and checksum it.
	data := make([]byte, size)
	if err := o.Read(ctx, 0, data); err != nil {
		return fmt.Errorf("reading through the object: %w", err)
	}
	sum := crc32.ChecksumIEEE(data)
	printInfo("Read %d bytes through the pager, crc32 %08x\n", size, sum)
	printVerbose("Committed after the read: %d bytes\n", o.AttributedMemory(0, objSize))

	if pagerTouch >= 0 {
		if uint64(pagerTouch) >= size {
			return fmt.Errorf("touch offset %d past end of file (%d)", pagerTouch, size)
		}
		old := []byte{0}
		if err := o.Read(ctx, uint64(pagerTouch), old); err != nil {
			return fmt.Errorf("reading touch byte: %w", err)
		}
		if err := o.Write(ctx, uint64(pagerTouch), []byte{old[0] ^ 0xff}); err != nil {
			return fmt.Errorf("touching byte: %w", err)
		}
		printInfo("Touched byte at offset %d\n", pagerTouch)
	}

	var dirty []recordRange
	if err := o.EnumerateDirtyRanges(0, objSize, func(offset, length uint64) bool {
		dirty = append(dirty, recordRange{offset, length})
		return true
	}); err != nil {
		return fmt.Errorf("enumerating dirty ranges: %w", err)
	}
	for _, r := range dirty {
		printInfo("Dirty range: [%d, +%d)\n", r.Offset, r.Length)
	}
	if len(dirty) == 0 {
		printInfo("No dirty ranges\n")
	}

	if pagerFlush {
		for _, r := range dirty {
			chunk := make([]byte, r.Length)
			if err := o.Read(ctx, r.Offset, chunk); err != nil {
				return fmt.Errorf("reading dirty range: %w", err)
			}
			if err := o.WritebackBegin(r.Offset, r.Length); err != nil {
				return fmt.Errorf("writeback begin: %w", err)
			}
			end := r.Offset + r.Length
			if end > size {
				end = size // never grow the file past its real length
			}
			if _, err := f.WriteAt(chunk[:end-r.Offset], int64(r.Offset)); err != nil {
				return fmt.Errorf("writing back: %w", err)
			}
			if err := o.WritebackEnd(r.Offset, r.Length); err != nil {
				return fmt.Errorf("writeback end: %w", err)
			}
			printInfo("Flushed [%d, +%d)\n", r.Offset, end-r.Offset)
		}
	}

	if jsonOut {
		return printJSON(map[string]interface{}{
			"bytes":     size,
			"crc32":     fmt.Sprintf("%08x", sum),
			"committed": o.AttributedMemory(0, objSize),
			"dirty":     dirty,
		})
	}
	return nil
}

type recordRange struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}
