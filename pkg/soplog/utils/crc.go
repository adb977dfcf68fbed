package utils

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32C uses the Castagnoli polynomial for better error detection.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// VerifyCRC32C verifies that the given CRC matches the data.
func VerifyCRC32C(data []byte, expected uint32) bool {
	return crc32.Checksum(data, crcTable) == expected
}

// AppendCRC32C appends the little-endian CRC32C of data to dst.
func AppendCRC32C(dst, data []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, crc32.Checksum(data, crcTable))
}
