package sorted

import (
	"bytes"
	"fmt"
)

// MetadataKey names a blob attached to a segment.
type MetadataKey uint8

// Keys written by the engine itself. Callers may supply any key at flush time;
// MetadataBucket and MetadataUser are reserved for them.
const (
	MetadataBloomFilter MetadataKey = iota + 1
	MetadataMinKey
	MetadataMaxKey
	MetadataStatistics
	MetadataSequence
	MetadataGeneration
	MetadataParents
	MetadataCreatedAt
	MetadataBucket
	MetadataUser
)

var metadataNames = map[MetadataKey]string{
	MetadataBloomFilter: "bloom",
	MetadataMinKey:      "min_key",
	MetadataMaxKey:      "max_key",
	MetadataStatistics:  "statistics",
	MetadataSequence:    "sequence",
	MetadataGeneration:  "generation",
	MetadataParents:     "parents",
	MetadataCreatedAt:   "created_at",
	MetadataBucket:      "bucket",
	MetadataUser:        "user",
}

func (k MetadataKey) String() string {
	if name, ok := metadataNames[k]; ok {
		return name
	}
	return fmt.Sprintf("metadata(%d)", uint8(k))
}

// Metadata is the set of named blobs stored with a segment.
type Metadata map[MetadataKey][]byte

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = bytes.Clone(v)
	}
	return out
}

// MetadataFilter admits or excludes a segment from a scan based on its
// metadata. A nil filter admits everything.
type MetadataFilter func(Metadata) bool

// Accept applies the filter to md.
func (f MetadataFilter) Accept(md Metadata) bool {
	return f == nil || f(md)
}

// MetadataEquals admits segments whose metadata carries value under key.
func MetadataEquals(key MetadataKey, value []byte) MetadataFilter {
	return func(md Metadata) bool {
		v, ok := md[key]
		return ok && bytes.Equal(v, value)
	}
}
