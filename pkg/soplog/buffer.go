package soplog

import (
	"bytes"

	"github.com/google/btree"

	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
)

const btreeDegree = 32

// buffer is a sorted in-memory run of writes. The live buffer is mutated
// under Set.mu; once swapped out for a flush it is never mutated again.
type buffer struct {
	tree *btree.BTreeG[sorted.Entry]
	cmp  sorted.Comparator
	size int64

	// assigned at swap
	path     string
	sequence uint64
	epoch    uint64
	metadata sorted.Metadata
}

func newBuffer(cmp sorted.Comparator) *buffer {
	return &buffer{
		tree: btree.NewG(btreeDegree, func(a, b sorted.Entry) bool {
			return cmp(a.Key, b.Key) < 0
		}),
		cmp: cmp,
	}
}

// put stores a copy of e, replacing any previous entry for the key.
func (b *buffer) put(e sorted.Entry) {
	c := sorted.Entry{Key: bytes.Clone(e.Key), Tombstone: e.Tombstone}
	if !e.Tombstone {
		c.Value = bytes.Clone(e.Value)
		if c.Value == nil {
			c.Value = []byte{}
		}
	}
	if old, replaced := b.tree.ReplaceOrInsert(c); replaced {
		b.size -= old.Size()
	}
	b.size += c.Size()
}

// putIfAbsent stores e unless the key already has a newer entry.
func (b *buffer) putIfAbsent(e sorted.Entry) {
	if _, ok := b.tree.Get(sorted.Entry{Key: e.Key}); ok {
		return
	}
	b.put(e)
}

func (b *buffer) get(key []byte) (sorted.Entry, bool) {
	return b.tree.Get(sorted.Entry{Key: key})
}

func (b *buffer) len() int { return b.tree.Len() }

func (b *buffer) empty() bool { return b.tree.Len() == 0 }

// entries returns every entry in ascending order.
func (b *buffer) entries() []sorted.Entry {
	out := make([]sorted.Entry, 0, b.tree.Len())
	b.tree.Ascend(func(e sorted.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// scanChunk is how many entries a tree iterator copies out per refill.
const scanChunk = 64

// scanTree iterates the entries of tree inside [from, to]. The tree must not
// be mutated while the iterator is open: pass a clone of the live buffer.
func scanTree(tree *btree.BTreeG[sorted.Entry], cmp sorted.Comparator, from, to sorted.Bound, ascending bool) sorted.Iterator {
	return &treeIterator{tree: tree, cmp: cmp, from: from, to: to, ascending: ascending}
}

// treeIterator walks a btree a chunk at a time, resuming each refill from
// the last key it handed out.
type treeIterator struct {
	tree      *btree.BTreeG[sorted.Entry]
	cmp       sorted.Comparator
	from, to  sorted.Bound
	ascending bool

	chunk   []sorted.Entry
	pos     int
	last    []byte
	resumed bool
	done    bool
}

func (it *treeIterator) Next() bool {
	if it.pos+1 < len(it.chunk) {
		it.pos++
		return true
	}
	if it.done {
		it.chunk = it.chunk[:0]
		return false
	}
	it.fill()
	it.pos = 0
	return len(it.chunk) > 0
}

func (it *treeIterator) fill() {
	it.chunk = it.chunk[:0]
	visit := func(e sorted.Entry) bool {
		if it.resumed && it.cmp(e.Key, it.last) == 0 {
			return true
		}
		lower, upper := it.from.AboveLower(it.cmp, e.Key), it.to.BelowUpper(it.cmp, e.Key)
		if (it.ascending && !upper) || (!it.ascending && !lower) {
			it.done = true
			return false
		}
		if lower && upper {
			it.chunk = append(it.chunk, e)
		}
		return len(it.chunk) < scanChunk
	}

	switch {
	case it.resumed && it.ascending:
		it.tree.AscendGreaterOrEqual(sorted.Entry{Key: it.last}, visit)
	case it.resumed:
		it.tree.DescendLessOrEqual(sorted.Entry{Key: it.last}, visit)
	case it.ascending && it.from.IsSet():
		it.tree.AscendGreaterOrEqual(sorted.Entry{Key: it.from.Key()}, visit)
	case it.ascending:
		it.tree.Ascend(visit)
	case it.to.IsSet():
		it.tree.DescendLessOrEqual(sorted.Entry{Key: it.to.Key()}, visit)
	default:
		it.tree.Descend(visit)
	}

	if len(it.chunk) < scanChunk {
		it.done = true
	}
	if n := len(it.chunk); n > 0 {
		it.last, it.resumed = it.chunk[n-1].Key, true
	}
}

func (it *treeIterator) Key() []byte     { return it.chunk[it.pos].Key }
func (it *treeIterator) Value() []byte   { return it.chunk[it.pos].Value }
func (it *treeIterator) Tombstone() bool { return it.chunk[it.pos].Tombstone }
func (it *treeIterator) Err() error      { return nil }

func (it *treeIterator) Close() error {
	it.chunk, it.done = nil, true
	return nil
}

// stats summarises the buffer for Set.Statistics.
func (b *buffer) stats() sorted.Statistics {
	var s sorted.Statistics
	var keyBytes, valueBytes int64
	b.tree.Ascend(func(e sorted.Entry) bool {
		if s.FirstKey == nil {
			s.FirstKey = e.Key
		}
		s.LastKey = e.Key
		if e.Tombstone {
			s.Tombstones++
		} else {
			s.KeyCount++
			keyBytes += int64(len(e.Key))
			valueBytes += int64(len(e.Value))
		}
		return true
	})
	s.Size = b.size
	if s.KeyCount > 0 {
		s.AvgKeySize = float64(keyBytes) / float64(s.KeyCount)
		s.AvgValueSize = float64(valueBytes) / float64(s.KeyCount)
	}
	return s
}
