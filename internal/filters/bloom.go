package filters

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/willf/bloom"
)

const bloomHeaderSize = 6

// BloomFilter is a probabilistic membership test over segment keys.
// It never reports a false negative.
type BloomFilter struct {
	filter *bloom.BloomFilter
}

// NewBloomFilter creates a filter sized for numElements keys at the given
// false positive rate.
func NewBloomFilter(numElements uint64, falsePositiveRate float64) *BloomFilter {
	if numElements == 0 {
		numElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = common.DefaultBloomFPR
	}
	return &BloomFilter{filter: bloom.NewWithEstimates(uint(numElements), falsePositiveRate)}
}

// Add adds a key to the filter.
func (bf *BloomFilter) Add(data []byte) {
	bf.filter.Add(data)
}

// Contains reports whether the key might be in the set.
func (bf *BloomFilter) Contains(data []byte) bool {
	return bf.filter.Test(data)
}

// Bits returns the size of the bit array.
func (bf *BloomFilter) Bits() uint { return bf.filter.Cap() }

// Hashes returns the number of hash functions.
func (bf *BloomFilter) Hashes() uint { return bf.filter.K() }

// Marshal serializes the filter behind a magic/version header.
func (bf *BloomFilter) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	var hdr [bloomHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], common.MagicBloom)
	binary.LittleEndian.PutUint16(hdr[4:6], common.VersionSegment)
	buf.Write(hdr[:])
	if _, err := bf.filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write bloom filter: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBloomFilter decodes a filter produced by Marshal.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < bloomHeaderSize {
		return nil, fmt.Errorf("%w: bloom filter too short", common.ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != common.MagicBloom {
		return nil, fmt.Errorf("%w: bloom got 0x%08x", common.ErrInvalidMagic, magic)
	}
	if version := binary.LittleEndian.Uint16(data[4:6]); version != common.VersionSegment {
		return nil, fmt.Errorf("%w: bloom got 0x%04x", common.ErrUnsupportedVersion, version)
	}

	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data[bloomHeaderSize:])); err != nil {
		return nil, fmt.Errorf("%w: read bloom filter: %v", common.ErrCorrupt, err)
	}
	return &BloomFilter{filter: f}, nil
}
