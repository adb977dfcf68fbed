package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/internal/filters"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

// Reader gives read access to one immutable segment file. It is safe for
// concurrent use. Close must only be called once no scan still uses it; the
// compactor guarantees this through tracked references.
type Reader struct {
	path string
	file *utils.MappedFile
	cmp  sorted.Comparator

	footer   *Footer
	index    []blockHandle
	metadata sorted.Metadata
	bloom    *filters.BloomFilter
	stats    sorted.Statistics

	sequence   uint64
	generation int
	parents    []string

	closeOnce     sync.Once
	closed        atomic.Bool
	deleteOnClose atomic.Bool
	closeErr      error

	logger common.Logger
}

func openReader(path string, cmp sorted.Comparator, verify bool, logger common.Logger) (*Reader, error) {
	file, err := utils.OpenMapped(path)
	if err != nil {
		return nil, common.NewIOError("open segment", path, err)
	}
	r := &Reader{path: path, file: file, cmp: cmp, logger: logger}
	if err := r.load(verify); err != nil {
		file.Close()
		return nil, fmt.Errorf("load segment %s: %w", filepath.Base(path), err)
	}
	return r, nil
}

func (r *Reader) load(verify bool) error {
	size := r.file.Size()
	if size < headerSize+footerSize {
		return fmt.Errorf("%w: file is %d bytes", common.ErrCorrupt, size)
	}

	head, err := r.file.Slice(0, headerSize)
	if err != nil {
		return common.NewIOError("read header", r.path, err)
	}
	hdr, err := ReadCommonHeader(head)
	if err != nil {
		return err
	}
	if err := ValidateHeader(hdr, common.MagicSegment, common.VersionSegment); err != nil {
		return err
	}

	tail, err := r.file.Slice(size-footerSize, footerSize)
	if err != nil {
		return common.NewIOError("read footer", r.path, err)
	}
	if r.footer, err = unmarshalFooter(tail); err != nil {
		return err
	}
	if verify {
		if err := r.Verify(); err != nil {
			return err
		}
	}

	indexData, err := r.readBlock(r.footer.IndexOffset, r.footer.IndexLength)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if r.index, err = decodeIndex(indexData); err != nil {
		return err
	}

	metaData, err := r.readBlock(r.footer.MetaOffset, r.footer.MetaLength)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if r.metadata, err = decodeMetadata(metaData); err != nil {
		return err
	}

	if bf, ok := r.metadata[sorted.MetadataBloomFilter]; ok {
		if r.bloom, err = filters.UnmarshalBloomFilter(bf); err != nil {
			// Without a filter every lookup falls through to the index.
			r.logger.Warn("ignoring unreadable bloom filter", "path", r.path, "error", err.Error())
			r.bloom = nil
		}
	}
	if raw, ok := r.metadata[sorted.MetadataStatistics]; ok {
		if r.stats, err = decodeStatistics(raw); err != nil {
			return err
		}
	}
	r.stats.FirstKey = r.metadata[sorted.MetadataMinKey]
	r.stats.LastKey = r.metadata[sorted.MetadataMaxKey]
	r.stats.Size = size

	r.sequence = DecodeUint64(r.metadata[sorted.MetadataSequence])
	r.generation = int(DecodeUint64(r.metadata[sorted.MetadataGeneration]))
	if raw, ok := r.metadata[sorted.MetadataParents]; ok {
		if r.parents, err = DecodeNames(raw); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) readBlock(offset, length uint64) ([]byte, error) {
	framed, err := r.file.Slice(int64(offset), int64(length))
	if err != nil {
		return nil, common.NewIOError("read block", r.path, err)
	}
	return unframeBlock(framed)
}

func (r *Reader) loadBlock(i int) ([]sorted.Entry, error) {
	if r.closed.Load() {
		return nil, common.ErrAlreadyReleased
	}
	h := r.index[i]
	data, err := r.readBlock(h.offset, h.length)
	if err != nil {
		return nil, fmt.Errorf("segment %s block %d: %w", filepath.Base(r.path), i, err)
	}
	return decodeEntries(data, int(h.entries))
}

// Verify recomputes the BLAKE3 digest of the file body.
func (r *Reader) Verify() error {
	sum, err := utils.ComputeBLAKE3Range(r.path, r.file.Size()-footerSize)
	if err != nil {
		return common.NewIOError("digest segment", r.path, err)
	}
	if sum != r.footer.Digest {
		return fmt.Errorf("%w: %s", common.ErrChecksumMismatch, filepath.Base(r.path))
	}
	return nil
}

// Path returns the segment file path.
func (r *Reader) Path() string { return r.path }

// Name returns the segment file name.
func (r *Reader) Name() string { return filepath.Base(r.path) }

// Sequence returns the creation-order identity used for newest-wins merging.
func (r *Reader) Sequence() uint64 { return r.sequence }

// Generation returns how many compactions produced this segment.
func (r *Reader) Generation() int { return r.generation }

// Parents returns the file names this segment superseded.
func (r *Reader) Parents() []string { return r.parents }

// Metadata returns the segment metadata. Callers must not modify it.
func (r *Reader) Metadata() sorted.Metadata { return r.metadata }

// Digest returns the hex BLAKE3 digest recorded in the footer.
func (r *Reader) Digest() string { return fmt.Sprintf("%x", r.footer.Digest[:]) }

// EntryCount returns the number of entries including tombstones.
func (r *Reader) EntryCount() uint64 { return r.footer.EntryCount }

// Statistics returns key counts and size.
func (r *Reader) Statistics() (sorted.Statistics, error) { return r.stats, nil }

// MightContain never returns false for a key the segment holds, including
// tombstoned keys.
func (r *Reader) MightContain(key []byte) (bool, error) {
	if len(r.index) == 0 {
		return false, nil
	}
	if r.cmp(key, r.stats.FirstKey) < 0 || r.cmp(key, r.stats.LastKey) > 0 {
		return false, nil
	}
	if r.bloom == nil {
		return true, nil
	}
	return r.bloom.Contains(key), nil
}

// Lookup finds key and reports whether it is a tombstone.
func (r *Reader) Lookup(key []byte) (value []byte, tombstone bool, found bool, err error) {
	if ok, err := r.MightContain(key); err != nil || !ok {
		return nil, false, false, err
	}
	i := sort.Search(len(r.index), func(i int) bool {
		return r.cmp(r.index[i].lastKey, key) >= 0
	})
	if i == len(r.index) || r.cmp(r.index[i].firstKey, key) > 0 {
		return nil, false, false, nil
	}
	entries, err := r.loadBlock(i)
	if err != nil {
		return nil, false, false, err
	}
	j := sort.Search(len(entries), func(j int) bool {
		return r.cmp(entries[j].Key, key) >= 0
	})
	if j == len(entries) || r.cmp(entries[j].Key, key) != 0 {
		return nil, false, false, nil
	}
	e := entries[j]
	return e.Value, e.Tombstone, true, nil
}

// Read returns the live value for key.
func (r *Reader) Read(key []byte) ([]byte, bool, error) {
	v, tomb, found, err := r.Lookup(key)
	if err != nil || !found || tomb {
		return nil, false, err
	}
	return v, true, nil
}

// ScanRange iterates keys between from and to. A segment whose metadata is
// rejected by filter yields nothing.
func (r *Reader) ScanRange(from, to sorted.Bound, ascending bool, filter sorted.MetadataFilter) (sorted.Iterator, error) {
	if r.closed.Load() {
		return nil, common.ErrAlreadyReleased
	}
	if !filter.Accept(r.metadata) || len(r.index) == 0 {
		return sorted.Empty(), nil
	}
	if !sorted.Overlaps(r.cmp, from, to, r.stats.FirstKey, r.stats.LastKey) {
		return sorted.Empty(), nil
	}

	it := &scanIterator{r: r, from: from, to: to, ascending: ascending}
	if ascending {
		it.block = 0
		if from.IsSet() {
			it.block = sort.Search(len(r.index), func(i int) bool {
				return r.cmp(r.index[i].lastKey, from.Key()) >= 0
			})
		}
	} else {
		it.block = len(r.index) - 1
		if to.IsSet() {
			it.block = sort.Search(len(r.index), func(i int) bool {
				return r.cmp(r.index[i].firstKey, to.Key()) > 0
			}) - 1
		}
	}
	return it, nil
}

// MarkForDeletion makes Close remove the file.
func (r *Reader) MarkForDeletion() { r.deleteOnClose.Store(true) }

// Close unmaps the file and, if marked, deletes it.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err := r.file.Close()
		if r.deleteOnClose.Load() {
			if rerr := os.Remove(r.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				err = errors.Join(err, rerr)
			} else {
				r.logger.Debug("segment deleted", "path", r.path)
			}
		}
		r.closeErr = common.NewIOError("close segment", r.path, err)
	})
	return r.closeErr
}

type scanIterator struct {
	r         *Reader
	from, to  sorted.Bound
	ascending bool

	block   int
	loaded  bool
	entries []sorted.Entry
	pos     int

	cur  sorted.Entry
	done bool
	err  error
}

func (it *scanIterator) nextBlock() bool {
	if it.loaded {
		if it.ascending {
			it.block++
		} else {
			it.block--
		}
	}
	if it.block < 0 || it.block >= len(it.r.index) {
		return false
	}
	entries, err := it.r.loadBlock(it.block)
	if err != nil {
		it.err = err
		return false
	}
	cmp := it.r.cmp
	if !it.loaded {
		// position inside the first block
		if it.ascending {
			it.pos = 0
			if it.from.IsSet() {
				it.pos = sort.Search(len(entries), func(i int) bool {
					return cmp(entries[i].Key, it.from.Key()) >= 0
				})
			}
		} else {
			it.pos = len(entries) - 1
			if it.to.IsSet() {
				it.pos = sort.Search(len(entries), func(i int) bool {
					return cmp(entries[i].Key, it.to.Key()) > 0
				}) - 1
			}
		}
	} else if it.ascending {
		it.pos = 0
	} else {
		it.pos = len(entries) - 1
	}
	it.loaded = true
	it.entries = entries
	return true
}

func (it *scanIterator) Next() bool {
	cmp := it.r.cmp
	for !it.done {
		if !it.loaded || it.pos < 0 || it.pos >= len(it.entries) {
			if !it.nextBlock() {
				it.done = true
				return false
			}
			continue
		}

		e := it.entries[it.pos]
		if it.ascending {
			it.pos++
			if !it.from.AboveLower(cmp, e.Key) {
				continue
			}
			if !it.to.BelowUpper(cmp, e.Key) {
				it.done = true
				return false
			}
		} else {
			it.pos--
			if !it.to.BelowUpper(cmp, e.Key) {
				continue
			}
			if !it.from.AboveLower(cmp, e.Key) {
				it.done = true
				return false
			}
		}
		it.cur = e
		return true
	}
	return false
}

func (it *scanIterator) Key() []byte     { return it.cur.Key }
func (it *scanIterator) Value() []byte   { return it.cur.Value }
func (it *scanIterator) Tombstone() bool { return it.cur.Tombstone }
func (it *scanIterator) Err() error      { return it.err }

func (it *scanIterator) Close() error {
	it.done = true
	it.entries = nil
	return nil
}

// ReadAll returns every entry of the segment in key order, tombstones included.
func (r *Reader) ReadAll() ([]sorted.Entry, error) {
	it, err := r.ScanRange(sorted.Unbounded(), sorted.Unbounded(), true, nil)
	if err != nil {
		return nil, err
	}
	return sorted.Collect(it)
}
