package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

// Segment file layout:
//
//	header | data block ... | index block | metadata block | footer
//
// Every block is framed as codec(1) | payload | crc32c(4).
const (
	headerSize = 6
	footerSize = 80
	blockTrail = 4
)

// CommonHeader starts every segment file.
type CommonHeader struct {
	Magic   uint32
	Version uint16
}

// AppendCommonHeader appends the 6-byte file header.
func AppendCommonHeader(dst []byte, magic uint32, version uint16) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, magic)
	return binary.LittleEndian.AppendUint16(dst, version)
}

// ReadCommonHeader decodes a header from the start of data.
func ReadCommonHeader(data []byte) (*CommonHeader, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: header truncated", common.ErrCorrupt)
	}
	return &CommonHeader{
		Magic:   binary.LittleEndian.Uint32(data[0:4]),
		Version: binary.LittleEndian.Uint16(data[4:6]),
	}, nil
}

// ValidateHeader validates a common header.
func ValidateHeader(h *CommonHeader, expectedMagic uint32, expectedVersion uint16) error {
	if h.Magic != expectedMagic {
		return fmt.Errorf("%w: got 0x%08x, expected 0x%08x",
			common.ErrInvalidMagic, h.Magic, expectedMagic)
	}

	if h.Version != expectedVersion {
		return fmt.Errorf("%w: got 0x%04x, expected 0x%04x",
			common.ErrUnsupportedVersion, h.Version, expectedVersion)
	}

	return nil
}

// Footer locates the index and metadata blocks and carries the body digest.
type Footer struct {
	IndexOffset uint64
	IndexLength uint64
	MetaOffset  uint64
	MetaLength  uint64
	EntryCount  uint64
	Digest      [utils.DigestSize]byte
}

func (f *Footer) marshal() []byte {
	buf := make([]byte, 0, footerSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.IndexOffset)
	buf = binary.LittleEndian.AppendUint64(buf, f.IndexLength)
	buf = binary.LittleEndian.AppendUint64(buf, f.MetaOffset)
	buf = binary.LittleEndian.AppendUint64(buf, f.MetaLength)
	buf = binary.LittleEndian.AppendUint64(buf, f.EntryCount)
	buf = append(buf, f.Digest[:]...)
	buf = utils.AppendCRC32C(buf, buf)
	return binary.LittleEndian.AppendUint32(buf, common.MagicFooter)
}

func unmarshalFooter(data []byte) (*Footer, error) {
	if len(data) != footerSize {
		return nil, fmt.Errorf("%w: footer is %d bytes", common.ErrCorrupt, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[76:80]); magic != common.MagicFooter {
		return nil, fmt.Errorf("%w: footer got 0x%08x", common.ErrInvalidMagic, magic)
	}
	if !utils.VerifyCRC32C(data[:72], binary.LittleEndian.Uint32(data[72:76])) {
		return nil, fmt.Errorf("%w: footer", common.ErrCRCMismatch)
	}
	f := &Footer{
		IndexOffset: binary.LittleEndian.Uint64(data[0:8]),
		IndexLength: binary.LittleEndian.Uint64(data[8:16]),
		MetaOffset:  binary.LittleEndian.Uint64(data[16:24]),
		MetaLength:  binary.LittleEndian.Uint64(data[24:32]),
		EntryCount:  binary.LittleEndian.Uint64(data[32:40]),
	}
	copy(f.Digest[:], data[40:72])
	return f, nil
}
