package sorted

import (
	"container/heap"

	"github.com/hashicorp/go-multierror"
)

// MergeOptions controls a MergeIterator.
type MergeOptions struct {
	// Ascending selects the output order; every source must iterate the same way.
	Ascending bool
	// KeepTombstones emits winning tombstones instead of hiding them.
	KeepTombstones bool
	// OnClose runs after all sources are closed, typically to release
	// references that pinned them.
	OnClose func() error
}

// MergeIterator is a k-way merge over sources ranked newest first. For a key
// present in several sources only the newest entry is emitted.
type MergeIterator struct {
	cmp     Comparator
	opts    MergeOptions
	sources []Iterator
	h       mergeHeap

	started bool
	closed  bool
	key     []byte
	value   []byte
	tomb    bool
	err     error
}

type mergeItem struct {
	it   Iterator
	rank int
}

type mergeHeap struct {
	items     []*mergeItem
	cmp       Comparator
	ascending bool
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	c := h.cmp(h.items[i].it.Key(), h.items[j].it.Key())
	if !h.ascending {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	return h.items[i].rank > h.items[j].rank
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// NewMergeIterator merges sources, given newest first. The iterator owns the
// sources and closes them on Close.
func NewMergeIterator(cmp Comparator, sources []Iterator, opts MergeOptions) *MergeIterator {
	if cmp == nil {
		cmp = Bytewise
	}
	return &MergeIterator{
		cmp:     cmp,
		opts:    opts,
		sources: sources,
		h:       mergeHeap{cmp: cmp, ascending: opts.Ascending},
	}
}

func (m *MergeIterator) init() bool {
	m.started = true
	for i, it := range m.sources {
		if it.Next() {
			m.h.items = append(m.h.items, &mergeItem{it: it, rank: len(m.sources) - i})
			continue
		}
		if err := it.Err(); err != nil {
			m.err = err
			return false
		}
	}
	heap.Init(&m.h)
	return true
}

// advance moves item forward and restores heap order. The item is expected at
// the heap root.
func (m *MergeIterator) advance(item *mergeItem) bool {
	if item.it.Next() {
		heap.Fix(&m.h, 0)
		return true
	}
	heap.Pop(&m.h)
	if err := item.it.Err(); err != nil {
		m.err = err
		return false
	}
	return true
}

func (m *MergeIterator) Next() bool {
	if m.closed || m.err != nil {
		return false
	}
	if !m.started && !m.init() {
		return false
	}

	for m.h.Len() > 0 {
		top := m.h.items[0]
		m.key = top.it.Key()
		m.value = top.it.Value()
		m.tomb = top.it.Tombstone()

		if !m.advance(top) {
			return false
		}
		// drop shadowed copies of the same key from older sources
		for m.h.Len() > 0 && m.cmp(m.h.items[0].it.Key(), m.key) == 0 {
			if !m.advance(m.h.items[0]) {
				return false
			}
		}

		if m.tomb && !m.opts.KeepTombstones {
			continue
		}
		return true
	}
	return false
}

func (m *MergeIterator) Key() []byte     { return m.key }
func (m *MergeIterator) Value() []byte   { return m.value }
func (m *MergeIterator) Tombstone() bool { return m.tomb }
func (m *MergeIterator) Err() error      { return m.err }

// Close closes every source and then runs OnClose. It is safe to call twice.
func (m *MergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var result *multierror.Error
	for _, it := range m.sources {
		if err := it.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if m.opts.OnClose != nil {
		if err := m.opts.OnClose(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
