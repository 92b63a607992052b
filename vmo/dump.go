package vmo

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/vmkit/internal/align"
)

// DumpTree writes a diagnostic listing of every live object: ID, kind,
// name, size, committed and pinned page counts, and parentage. This is
// what a stalled page-request wait prints before timing out.
func DumpTree(w io.Writer, reason string) {
	p := message.NewPrinter(language.English)
	if reason != "" {
		p.Fprintf(w, "vmo dump: %s\n", reason)
	}
	for _, o := range AllObjects() {
		o.dump(p, w)
	}
}

func (o *Object) kindString() string {
	switch {
	case o.isSlice:
		return "slice"
	case o.isReference:
		return "reference"
	case o.contiguous:
		return "contiguous"
	case o.discardable:
		return "discardable"
	default:
		return "paged"
	}
}

func (o *Object) dump(p *message.Printer, w io.Writer) {
	o.hier.lock()
	defer o.hier.unlock()
	if o.store == nil {
		p.Fprintf(w, "  [%d] %s %q destroyed\n", o.id, o.kindString(), o.name)
		return
	}
	size := o.sizeLocked()
	var parentID uint64
	if o.parent != nil {
		parentID = o.parent.id
	}
	p.Fprintf(w, "  [%d] %s %q size %d bytes (%d pages), %d bytes committed, %d pages pinned, parent [%d], policy %s\n",
		o.id, o.kindString(), o.name,
		size, align.PageCount(size),
		o.store.AttributedMemory(o.base, size),
		o.store.PinnedPages(),
		parentID, o.policy)
}
