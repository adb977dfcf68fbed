package soplog

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
)

// CompactionStrategy selects the compactor a set is opened with.
type CompactionStrategy int

const (
	// CompactionNone keeps every flushed segment until the set is cleared.
	CompactionNone CompactionStrategy = iota
	// CompactionSizeTiered merges runs of same-generation segments.
	CompactionSizeTiered
)

func (c CompactionStrategy) String() string {
	switch c {
	case CompactionNone:
		return "none"
	case CompactionSizeTiered:
		return "size-tiered"
	default:
		return fmt.Sprintf("CompactionStrategy(%d)", int(c))
	}
}

// Options configures a Set.
type Options struct {
	// Name prefixes every file of the set. Defaults to "soplog".
	Name string

	// Comparator orders keys. Defaults to sorted.Bytewise.
	Comparator sorted.Comparator

	// MaxBufferBytes is the write buffer size that triggers an automatic flush.
	MaxBufferBytes int64

	// MaxOutstandingFlushes bounds the flushes that may be queued or running.
	// Flush blocks once the bound is reached.
	MaxOutstandingFlushes int

	// BlockSize is the target uncompressed size of a segment data block.
	BlockSize int

	// Compression selects the segment block codec.
	Compression segment.Compression

	// BloomFPR sets the per-segment bloom filter false positive rate.
	BloomFPR float64

	// VerifyChecksumsOnLoad recomputes each segment digest when it is opened.
	VerifyChecksumsOnLoad bool

	// Compaction selects the compaction strategy.
	Compaction CompactionStrategy

	// MinMerge is the number of same-generation segments that triggers a merge.
	MinMerge int

	// MaxMerge caps the number of segments merged at once.
	MaxMerge int

	// CompactionInterval sets how often background compaction looks for work.
	CompactionInterval time.Duration

	// DisableBackgroundCompaction leaves compaction to explicit Compact calls.
	DisableBackgroundCompaction bool

	// Logger provides structured logging.
	Logger common.Logger

	// Registerer receives the set's metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// DefaultOptions returns default options.
func DefaultOptions() *Options {
	return &Options{
		Name:                        "soplog",
		Comparator:                  sorted.Bytewise,
		MaxBufferBytes:              common.DefaultMaxBufferBytes,
		MaxOutstandingFlushes:       common.DefaultMaxOutstandingFlushes,
		BlockSize:                   common.DefaultBlockSize,
		Compression:                 segment.CompressionS2,
		BloomFPR:                    common.DefaultBloomFPR,
		VerifyChecksumsOnLoad:       false,
		Compaction:                  CompactionSizeTiered,
		MinMerge:                    common.DefaultMinMerge,
		MaxMerge:                    common.DefaultMaxMerge,
		CompactionInterval:          10 * time.Second,
		DisableBackgroundCompaction: false,
		Logger:                      NewDefaultLogger(),
	}
}

// withDefaults returns a copy of o with zero fields filled in.
func (o *Options) withDefaults() Options {
	d := DefaultOptions()
	if o == nil {
		return *d
	}
	c := *o
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Comparator == nil {
		c.Comparator = d.Comparator
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = d.MaxBufferBytes
	}
	if c.MaxOutstandingFlushes <= 0 {
		c.MaxOutstandingFlushes = d.MaxOutstandingFlushes
	}
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		c.BloomFPR = d.BloomFPR
	}
	if c.MinMerge < 2 {
		c.MinMerge = d.MinMerge
	}
	if c.MaxMerge < c.MinMerge {
		c.MaxMerge = max(d.MaxMerge, c.MinMerge)
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = d.CompactionInterval
	}
	if c.Logger == nil {
		c.Logger = common.NewNullLogger()
	}
	return c
}

func (o *Options) validate() error {
	switch o.Compaction {
	case CompactionNone, CompactionSizeTiered:
	default:
		return fmt.Errorf("unknown compaction strategy %v", o.Compaction)
	}
	switch o.Compression {
	case segment.CompressionNone, segment.CompressionS2:
	default:
		return fmt.Errorf("unknown compression %v", o.Compression)
	}
	return nil
}
