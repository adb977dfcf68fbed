package sorted

// Source is the primitive a sorted reader must provide. Every convenience scan
// on Reader is expressed through ScanRange.
type Source interface {
	// MightContain returns false only when key is certainly absent.
	MightContain(key []byte) (bool, error)
	// Read returns the value for key. A missing or deleted key yields found=false.
	Read(key []byte) (value []byte, found bool, err error)
	// ScanRange iterates keys between from and to in the requested direction,
	// restricted to data whose metadata passes filter.
	ScanRange(from, to Bound, ascending bool, filter MetadataFilter) (Iterator, error)
	Statistics() (Statistics, error)
	Close() error
}

// Reader derives the scan forms from a Source. Direction and filter are fixed
// per Reader; WithAscending and WithFilter return siblings over the same Source.
type Reader struct {
	src       Source
	ascending bool
	filter    MetadataFilter
}

// NewReader returns an ascending, unfiltered reader over src.
func NewReader(src Source) *Reader {
	return &Reader{src: src, ascending: true}
}

// Source returns the underlying primitive.
func (r *Reader) Source() Source { return r.src }

// Ascending reports the scan direction.
func (r *Reader) Ascending() bool { return r.ascending }

// Filter returns the metadata filter, nil when unfiltered.
func (r *Reader) Filter() MetadataFilter { return r.filter }

// WithAscending returns a reader over the same source scanning in the given
// direction. The current filter is kept.
func (r *Reader) WithAscending(ascending bool) *Reader {
	return &Reader{src: r.src, ascending: ascending, filter: r.filter}
}

// WithFilter returns a reader over the same source applying filter to every
// scan. The current direction is kept.
func (r *Reader) WithFilter(filter MetadataFilter) *Reader {
	return &Reader{src: r.src, ascending: r.ascending, filter: filter}
}

func (r *Reader) MightContain(key []byte) (bool, error) { return r.src.MightContain(key) }

func (r *Reader) Read(key []byte) ([]byte, bool, error) { return r.src.Read(key) }

func (r *Reader) Statistics() (Statistics, error) { return r.src.Statistics() }

func (r *Reader) Close() error { return r.src.Close() }

// Between scans with explicit bounds on both ends.
func (r *Reader) Between(from []byte, fromInclusive bool, to []byte, toInclusive bool) (Iterator, error) {
	return r.ScanRange(bound(from, fromInclusive), bound(to, toInclusive))
}

// ScanRange scans between two bounds using this reader's direction and filter.
func (r *Reader) ScanRange(from, to Bound) (Iterator, error) {
	return r.src.ScanRange(from, to, r.ascending, r.filter)
}

// Scan iterates every key.
func (r *Reader) Scan() (Iterator, error) {
	return r.ScanRange(Unbounded(), Unbounded())
}

// Head iterates from the first key through to.
func (r *Reader) Head(to []byte, inclusive bool) (Iterator, error) {
	return r.ScanRange(Unbounded(), bound(to, inclusive))
}

// Tail iterates from from through the last key.
func (r *Reader) Tail(from []byte, inclusive bool) (Iterator, error) {
	return r.ScanRange(bound(from, inclusive), Unbounded())
}

// Range iterates [from, to).
func (r *Reader) Range(from, to []byte) (Iterator, error) {
	return r.ScanRange(Inclusive(from), Exclusive(to))
}

// Equal iterates the single key equalTo, if present.
func (r *Reader) Equal(equalTo []byte) (Iterator, error) {
	return r.ScanRange(Inclusive(equalTo), Inclusive(equalTo))
}

func bound(key []byte, inclusive bool) Bound {
	if inclusive {
		return Inclusive(key)
	}
	return Exclusive(key)
}
