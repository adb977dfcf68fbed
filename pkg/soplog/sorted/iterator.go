package sorted

// Iterator walks entries in comparator order.
//
// Key and Value return slices that stay valid after Next and Close.
type Iterator interface {
	// Next advances to the next entry. It returns false at the end or on error.
	Next() bool
	Key() []byte
	Value() []byte
	// Tombstone reports whether the current entry is a deletion marker.
	Tombstone() bool
	Err() error
	Close() error
}

// SliceIterator iterates a pre-sorted slice of entries.
type SliceIterator struct {
	entries   []Entry
	pos       int
	ascending bool
	started   bool
}

// NewSliceIterator iterates entries, which must be in ascending order.
func NewSliceIterator(entries []Entry, ascending bool) *SliceIterator {
	it := &SliceIterator{entries: entries, ascending: ascending}
	if !ascending {
		it.pos = len(entries)
	} else {
		it.pos = -1
	}
	return it
}

func (it *SliceIterator) Next() bool {
	if it.ascending {
		if it.pos < len(it.entries) {
			it.pos++
		}
		return it.pos < len(it.entries)
	}
	if it.pos >= 0 {
		it.pos--
	}
	return it.pos >= 0
}

func (it *SliceIterator) Key() []byte     { return it.entries[it.pos].Key }
func (it *SliceIterator) Value() []byte   { return it.entries[it.pos].Value }
func (it *SliceIterator) Tombstone() bool { return it.entries[it.pos].Tombstone }
func (it *SliceIterator) Err() error      { return nil }
func (it *SliceIterator) Close() error    { return nil }

type emptyIterator struct{}

// Empty returns an iterator with no entries.
func Empty() Iterator { return emptyIterator{} }

func (emptyIterator) Next() bool      { return false }
func (emptyIterator) Key() []byte     { return nil }
func (emptyIterator) Value() []byte   { return nil }
func (emptyIterator) Tombstone() bool { return false }
func (emptyIterator) Err() error      { return nil }
func (emptyIterator) Close() error    { return nil }

type errIterator struct{ err error }

// Failed returns an iterator that yields nothing and reports err.
func Failed(err error) Iterator { return errIterator{err: err} }

func (errIterator) Next() bool      { return false }
func (errIterator) Key() []byte     { return nil }
func (errIterator) Value() []byte   { return nil }
func (errIterator) Tombstone() bool { return false }
func (e errIterator) Err() error    { return e.err }
func (errIterator) Close() error    { return nil }

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]Entry, error) {
	var out []Entry
	for it.Next() {
		out = append(out, Entry{Key: it.Key(), Value: it.Value(), Tombstone: it.Tombstone()})
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}
