package segment

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/s2"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

// Compression selects the codec for data blocks.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionS2   Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

const flagTombstone byte = 1

// appendEntry encodes one entry as klen | key | flags | vlen | value.
func appendEntry(dst []byte, e sorted.Entry) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(e.Key)))
	dst = append(dst, e.Key...)
	var flags byte
	if e.Tombstone {
		flags |= flagTombstone
	}
	dst = append(dst, flags)
	dst = binary.AppendUvarint(dst, uint64(len(e.Value)))
	return append(dst, e.Value...)
}

func decodeEntries(data []byte, expected int) ([]sorted.Entry, error) {
	entries := make([]sorted.Entry, 0, expected)
	for len(data) > 0 {
		klen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < klen+1 {
			return nil, fmt.Errorf("%w: entry key", common.ErrCorrupt)
		}
		data = data[n:]
		key := data[:klen:klen]
		flags := data[klen]
		data = data[klen+1:]

		vlen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < vlen {
			return nil, fmt.Errorf("%w: entry value", common.ErrCorrupt)
		}
		data = data[n:]
		value := data[:vlen:vlen]
		data = data[vlen:]

		e := sorted.Entry{Key: key, Tombstone: flags&flagTombstone != 0}
		if !e.Tombstone {
			e.Value = value
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// frameBlock wraps payload with its codec byte and checksum.
func frameBlock(payload []byte, codec Compression) []byte {
	if codec == CompressionS2 {
		payload = s2.Encode(nil, payload)
	}
	out := make([]byte, 0, 1+len(payload)+blockTrail)
	out = append(out, byte(codec))
	out = append(out, payload...)
	return utils.AppendCRC32C(out, out)
}

// unframeBlock verifies and decodes a framed block.
func unframeBlock(framed []byte) ([]byte, error) {
	if len(framed) < 1+blockTrail {
		return nil, fmt.Errorf("%w: block truncated", common.ErrCorrupt)
	}
	body := framed[:len(framed)-blockTrail]
	if !utils.VerifyCRC32C(body, binary.LittleEndian.Uint32(framed[len(body):])) {
		return nil, common.ErrCRCMismatch
	}
	switch Compression(body[0]) {
	case CompressionNone:
		return body[1:], nil
	case CompressionS2:
		out, err := s2.Decode(nil, body[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: s2: %v", common.ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", common.ErrCorrupt, body[0])
	}
}

// blockHandle is the index entry for one data block.
type blockHandle struct {
	offset   uint64
	length   uint64
	entries  uint64
	firstKey []byte
	lastKey  []byte
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func readBytes(data []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < l {
		return nil, nil, common.ErrCorrupt
	}
	data = data[n:]
	return data[:l:l], data[l:], nil
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, common.ErrCorrupt
	}
	return v, data[n:], nil
}

func encodeIndex(handles []blockHandle) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(handles)))
	for _, h := range handles {
		buf = binary.AppendUvarint(buf, h.offset)
		buf = binary.AppendUvarint(buf, h.length)
		buf = binary.AppendUvarint(buf, h.entries)
		buf = appendBytes(buf, h.firstKey)
		buf = appendBytes(buf, h.lastKey)
	}
	return buf
}

func decodeIndex(data []byte) ([]blockHandle, error) {
	count, data, err := readUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: index count", common.ErrCorrupt)
	}
	handles := make([]blockHandle, 0, count)
	for i := uint64(0); i < count; i++ {
		var h blockHandle
		if h.offset, data, err = readUvarint(data); err != nil {
			return nil, fmt.Errorf("%w: index offset", common.ErrCorrupt)
		}
		if h.length, data, err = readUvarint(data); err != nil {
			return nil, fmt.Errorf("%w: index length", common.ErrCorrupt)
		}
		if h.entries, data, err = readUvarint(data); err != nil {
			return nil, fmt.Errorf("%w: index entries", common.ErrCorrupt)
		}
		if h.firstKey, data, err = readBytes(data); err != nil {
			return nil, fmt.Errorf("%w: index first key", common.ErrCorrupt)
		}
		if h.lastKey, data, err = readBytes(data); err != nil {
			return nil, fmt.Errorf("%w: index last key", common.ErrCorrupt)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func encodeMetadata(md sorted.Metadata) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(md)))
	// deterministic order keeps the body digest stable
	for k := 0; k <= math.MaxUint8; k++ {
		v, ok := md[sorted.MetadataKey(k)]
		if !ok {
			continue
		}
		buf = append(buf, byte(k))
		buf = appendBytes(buf, v)
	}
	return buf
}

func decodeMetadata(data []byte) (sorted.Metadata, error) {
	count, data, err := readUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata count", common.ErrCorrupt)
	}
	md := make(sorted.Metadata, count)
	for i := uint64(0); i < count; i++ {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: metadata key", common.ErrCorrupt)
		}
		k := sorted.MetadataKey(data[0])
		var v []byte
		if v, data, err = readBytes(data[1:]); err != nil {
			return nil, fmt.Errorf("%w: metadata %s", common.ErrCorrupt, k)
		}
		md[k] = v
	}
	return md, nil
}

func encodeStatistics(s sorted.Statistics) []byte {
	buf := make([]byte, 0, 40)
	buf = binary.LittleEndian.AppendUint64(buf, s.KeyCount)
	buf = binary.LittleEndian.AppendUint64(buf, s.Tombstones)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.Size))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.AvgKeySize))
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.AvgValueSize))
}

func decodeStatistics(data []byte) (sorted.Statistics, error) {
	if len(data) != 40 {
		return sorted.Statistics{}, fmt.Errorf("%w: statistics", common.ErrCorrupt)
	}
	return sorted.Statistics{
		KeyCount:     binary.LittleEndian.Uint64(data[0:8]),
		Tombstones:   binary.LittleEndian.Uint64(data[8:16]),
		Size:         int64(binary.LittleEndian.Uint64(data[16:24])),
		AvgKeySize:   math.Float64frombits(binary.LittleEndian.Uint64(data[24:32])),
		AvgValueSize: math.Float64frombits(binary.LittleEndian.Uint64(data[32:40])),
	}, nil
}

// EncodeUint64 is the metadata encoding for sequence, generation and timestamps.
func EncodeUint64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

// DecodeUint64 reverses EncodeUint64. Malformed input decodes to zero.
func DecodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// EncodeNames is the metadata encoding for parent file names.
func EncodeNames(names []string) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(names)))
	for _, n := range names {
		buf = appendBytes(buf, []byte(n))
	}
	return buf
}

// DecodeNames reverses EncodeNames.
func DecodeNames(data []byte) ([]string, error) {
	count, data, err := readUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: names", common.ErrCorrupt)
	}
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		var b []byte
		if b, data, err = readBytes(data); err != nil {
			return nil, fmt.Errorf("%w: names", common.ErrCorrupt)
		}
		names = append(names, string(b))
	}
	return names, nil
}
