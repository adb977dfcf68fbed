package segment

import (
	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
)

// Factory creates builders and readers that share one configuration.
type Factory struct {
	// Comparator orders keys. Defaults to sorted.Bytewise.
	Comparator sorted.Comparator

	// BlockSize is the target uncompressed size of a data block.
	BlockSize int

	// Compression selects the data block codec.
	Compression Compression

	// BloomFPR is the false positive rate of per-segment bloom filters.
	BloomFPR float64

	// VerifyOnOpen recomputes the BLAKE3 digest when a reader is opened.
	VerifyOnOpen bool

	// Logger provides structured logging.
	Logger common.Logger
}

// NewFactory returns a factory with default settings.
func NewFactory(logger common.Logger) *Factory {
	f := (&Factory{Logger: logger}).withDefaults()
	return &f
}

// withDefaults returns a copy with unset fields filled in.
func (f *Factory) withDefaults() Factory {
	c := *f
	if c.Comparator == nil {
		c.Comparator = sorted.Bytewise
	}
	if c.BlockSize <= 0 {
		c.BlockSize = common.DefaultBlockSize
	}
	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		c.BloomFPR = common.DefaultBloomFPR
	}
	if c.Logger == nil {
		c.Logger = common.NewNullLogger()
	}
	return c
}

// NewBuilder starts a segment at path with the given identity.
func (f *Factory) NewBuilder(path string, sequence uint64, generation int) *Builder {
	c := f.withDefaults()
	return &Builder{
		path:        path,
		sequence:    sequence,
		generation:  generation,
		cmp:         c.Comparator,
		blockSize:   c.BlockSize,
		compression: c.Compression,
		bloomFPR:    c.BloomFPR,
		logger:      c.Logger,
	}
}

// Open opens a reader over the segment at path.
func (f *Factory) Open(path string) (*Reader, error) {
	c := f.withDefaults()
	return openReader(path, c.Comparator, c.VerifyOnOpen, c.Logger)
}
