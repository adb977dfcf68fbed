// Package sorted defines the ordered key space shared by write buffers,
// segments and the merged view over them.
package sorted

import (
	"bytes"
)

// Comparator orders serialized keys. It returns a negative number when a < b,
// zero when equal and a positive number when a > b.
type Comparator func(a, b []byte) int

// Bytewise compares keys lexicographically.
func Bytewise(a, b []byte) int { return bytes.Compare(a, b) }

// Entry is a key with its value or a tombstone.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Size returns the bytes accounted for the entry in buffers and statistics.
func (e Entry) Size() int64 { return int64(len(e.Key) + len(e.Value)) }

// Bound is one end of a key range. The zero value is unbounded.
type Bound struct {
	key       []byte
	inclusive bool
	set       bool
}

// Unbounded returns an open end.
func Unbounded() Bound { return Bound{} }

// Inclusive returns a bound that admits key itself.
func Inclusive(key []byte) Bound { return Bound{key: key, inclusive: true, set: true} }

// Exclusive returns a bound that stops short of key.
func Exclusive(key []byte) Bound { return Bound{key: key, set: true} }

// IsSet reports whether the bound restricts the range.
func (b Bound) IsSet() bool { return b.set }

// Key returns the bound key, nil when unbounded.
func (b Bound) Key() []byte { return b.key }

// IsInclusive reports whether the bound key belongs to the range.
func (b Bound) IsInclusive() bool { return b.inclusive }

// AboveLower reports whether key satisfies b used as a lower bound.
func (b Bound) AboveLower(cmp Comparator, key []byte) bool {
	if !b.set {
		return true
	}
	c := cmp(key, b.key)
	return c > 0 || (c == 0 && b.inclusive)
}

// BelowUpper reports whether key satisfies b used as an upper bound.
func (b Bound) BelowUpper(cmp Comparator, key []byte) bool {
	if !b.set {
		return true
	}
	c := cmp(key, b.key)
	return c < 0 || (c == 0 && b.inclusive)
}

// InRange reports whether key lies within [from, to] honouring inclusivity.
func InRange(cmp Comparator, from, to Bound, key []byte) bool {
	return from.AboveLower(cmp, key) && to.BelowUpper(cmp, key)
}

// Overlaps reports whether the closed key span [min, max] intersects the range.
// A nil min or max is treated as unknown and always overlaps.
func Overlaps(cmp Comparator, from, to Bound, min, max []byte) bool {
	if min == nil || max == nil {
		return true
	}
	return from.AboveLower(cmp, max) && to.BelowUpper(cmp, min)
}

// Statistics summarizes a sorted source for compaction heuristics.
type Statistics struct {
	KeyCount     uint64
	Tombstones   uint64
	Size         int64
	FirstKey     []byte
	LastKey      []byte
	AvgKeySize   float64
	AvgValueSize float64
}

// Add folds other into s.
func (s *Statistics) Add(cmp Comparator, other Statistics) {
	total := s.KeyCount + other.KeyCount
	if total > 0 {
		s.AvgKeySize = (s.AvgKeySize*float64(s.KeyCount) + other.AvgKeySize*float64(other.KeyCount)) / float64(total)
		s.AvgValueSize = (s.AvgValueSize*float64(s.KeyCount) + other.AvgValueSize*float64(other.KeyCount)) / float64(total)
	}
	if other.FirstKey != nil && (s.FirstKey == nil || cmp(other.FirstKey, s.FirstKey) < 0) {
		s.FirstKey = other.FirstKey
	}
	if other.LastKey != nil && (s.LastKey == nil || cmp(other.LastKey, s.LastKey) > 0) {
		s.LastKey = other.LastKey
	}
	s.KeyCount = total
	s.Tombstones += other.Tombstones
	s.Size += other.Size
}
