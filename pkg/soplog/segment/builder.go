package segment

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/internal/filters"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

// Info describes a segment file written by a Builder.
type Info struct {
	Path       string
	Sequence   uint64
	Generation int
	Entries    uint64
	Size       int64
	Digest     string
}

// Builder creates one immutable segment file from key/value entries.
type Builder struct {
	path       string
	sequence   uint64
	generation int

	cmp         sorted.Comparator
	blockSize   int
	compression Compression
	bloomFPR    float64

	entries  []sorted.Entry
	metadata sorted.Metadata
	parents  []string

	dropTombstones bool
	finished       bool

	logger common.Logger
}

// Add copies an entry into the builder. Entries may arrive in any order.
func (b *Builder) Add(e sorted.Entry) error {
	if b.finished {
		return fmt.Errorf("builder for %s already finished", filepath.Base(b.path))
	}
	if len(e.Key) == 0 {
		return common.ErrEmptyKey
	}
	if len(e.Key) > common.MaxKeySize {
		return common.ErrKeyTooLarge
	}
	if len(e.Value) > common.MaxValueSize {
		return common.ErrValueTooLarge
	}

	c := sorted.Entry{Key: bytes.Clone(e.Key), Tombstone: e.Tombstone}
	if !e.Tombstone {
		c.Value = bytes.Clone(e.Value)
		if c.Value == nil {
			c.Value = []byte{}
		}
	}
	b.entries = append(b.entries, c)
	return nil
}

// AddAll drains it into the builder, keeping tombstones. The iterator is
// not closed.
func (b *Builder) AddAll(it sorted.Iterator) error {
	for it.Next() {
		if err := b.Add(sorted.Entry{Key: it.Key(), Value: it.Value(), Tombstone: it.Tombstone()}); err != nil {
			return err
		}
	}
	return it.Err()
}

// SetMetadata attaches caller metadata. Keys the engine writes itself win.
func (b *Builder) SetMetadata(md sorted.Metadata) { b.metadata = md.Clone() }

// SetParents records the files this segment supersedes.
func (b *Builder) SetParents(names []string) { b.parents = slices.Clone(names) }

// DropTombstones omits deletion markers from the output.
func (b *Builder) DropTombstones() { b.dropTombstones = true }

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.entries) }

// Path returns the destination file.
func (b *Builder) Path() string { return b.path }

// Finish sorts the entries and writes the segment atomically. For duplicate
// keys within the batch the first entry added is kept.
func (b *Builder) Finish() (*Info, error) {
	if b.finished {
		return nil, fmt.Errorf("builder for %s already finished", filepath.Base(b.path))
	}
	b.finished = true
	start := time.Now()

	entries := b.prepare()
	af, err := utils.NewAtomicFile(b.path)
	if err != nil {
		return nil, common.NewIOError("create segment", b.path, err)
	}
	info, err := b.write(af, entries)
	if err != nil {
		af.Abort()
		return nil, err
	}
	if err := af.Commit(); err != nil {
		return nil, common.NewIOError("commit segment", b.path, err)
	}

	b.logger.Debug("segment written",
		"path", b.path,
		"sequence", b.sequence,
		"generation", b.generation,
		"entries", info.Entries,
		"bytes", info.Size,
		"duration_ms", time.Since(start).Milliseconds())
	return info, nil
}

func (b *Builder) prepare() []sorted.Entry {
	entries := b.entries
	b.entries = nil
	byKey := func(x, y sorted.Entry) int { return b.cmp(x.Key, y.Key) }
	if !slices.IsSortedFunc(entries, byKey) {
		slices.SortStableFunc(entries, byKey)
	}

	out := entries[:0]
	for i, e := range entries {
		if i > 0 && b.cmp(entries[i-1].Key, e.Key) == 0 {
			continue
		}
		if e.Tombstone && b.dropTombstones {
			continue
		}
		out = append(out, e)
	}
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (b *Builder) write(af *utils.AtomicFile, entries []sorted.Entry) (*Info, error) {
	digest := utils.NewBLAKE3()
	w := &countingWriter{w: io.MultiWriter(af, digest)}
	emit := func(data []byte) error {
		if err := utils.WriteAll(w, data); err != nil {
			return common.NewIOError("write segment", b.path, err)
		}
		return nil
	}

	if err := emit(AppendCommonHeader(nil, common.MagicSegment, common.VersionSegment)); err != nil {
		return nil, err
	}

	bloom := filters.NewBloomFilter(uint64(len(entries)), b.bloomFPR)
	var (
		stats    sorted.Statistics
		keyBytes int64
		valBytes int64
		handles  []blockHandle
		raw      []byte
		first    int
	)
	flushBlock := func(last int) error {
		framed := frameBlock(raw, b.compression)
		handles = append(handles, blockHandle{
			offset:   uint64(w.n),
			length:   uint64(len(framed)),
			entries:  uint64(last - first + 1),
			firstKey: entries[first].Key,
			lastKey:  entries[last].Key,
		})
		raw = raw[:0]
		first = last + 1
		return emit(framed)
	}

	for i, e := range entries {
		bloom.Add(e.Key)
		raw = appendEntry(raw, e)
		keyBytes += int64(len(e.Key))
		if e.Tombstone {
			stats.Tombstones++
		} else {
			stats.KeyCount++
			valBytes += int64(len(e.Value))
		}
		if len(raw) >= b.blockSize || i == len(entries)-1 {
			if err := flushBlock(i); err != nil {
				return nil, err
			}
		}
	}
	stats.Size = w.n - headerSize
	if n := len(entries); n > 0 {
		stats.AvgKeySize = float64(keyBytes) / float64(n)
	}
	if stats.KeyCount > 0 {
		stats.AvgValueSize = float64(valBytes) / float64(stats.KeyCount)
	}

	indexOffset := uint64(w.n)
	index := frameBlock(encodeIndex(handles), CompressionNone)
	if err := emit(index); err != nil {
		return nil, err
	}

	md, err := b.systemMetadata(bloom, entries, stats)
	if err != nil {
		return nil, err
	}
	metaOffset := uint64(w.n)
	meta := frameBlock(encodeMetadata(md), CompressionNone)
	if err := emit(meta); err != nil {
		return nil, err
	}

	footer := Footer{
		IndexOffset: indexOffset,
		IndexLength: uint64(len(index)),
		MetaOffset:  metaOffset,
		MetaLength:  uint64(len(meta)),
		EntryCount:  uint64(len(entries)),
	}
	copy(footer.Digest[:], digest.Sum(nil))
	if err := utils.WriteAll(af, footer.marshal()); err != nil {
		return nil, common.NewIOError("write segment footer", b.path, err)
	}

	return &Info{
		Path:       b.path,
		Sequence:   b.sequence,
		Generation: b.generation,
		Entries:    uint64(len(entries)),
		Size:       w.n + footerSize,
		Digest:     fmt.Sprintf("%x", footer.Digest[:]),
	}, nil
}

func (b *Builder) systemMetadata(bloom *filters.BloomFilter, entries []sorted.Entry, stats sorted.Statistics) (sorted.Metadata, error) {
	md := b.metadata
	if md == nil {
		md = sorted.Metadata{}
	}
	bf, err := bloom.Marshal()
	if err != nil {
		return nil, err
	}
	md[sorted.MetadataBloomFilter] = bf
	if len(entries) > 0 {
		md[sorted.MetadataMinKey] = entries[0].Key
		md[sorted.MetadataMaxKey] = entries[len(entries)-1].Key
	}
	md[sorted.MetadataStatistics] = encodeStatistics(stats)
	md[sorted.MetadataSequence] = EncodeUint64(b.sequence)
	md[sorted.MetadataGeneration] = EncodeUint64(uint64(b.generation))
	md[sorted.MetadataCreatedAt] = EncodeUint64(uint64(time.Now().UnixNano()))
	if len(b.parents) > 0 {
		md[sorted.MetadataParents] = EncodeNames(b.parents)
	}
	return md, nil
}
