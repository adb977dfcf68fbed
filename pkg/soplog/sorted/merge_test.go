package sorted

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(keys []string, value string) []Entry {
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: []byte(k), Value: []byte(value)})
	}
	return out
}

func TestMergeKWayCompleteness(t *testing.T) {
	// Flushed oldest to newest; sources are handed over newest first.
	flushes := [][]string{
		{"1", "2", "3", "4"},
		{"2", "4", "6", "8"},
		{"1", "3", "5", "7", "9"},
		{"0", "1", "4", "5"},
	}
	var sources []Iterator
	for i := len(flushes) - 1; i >= 0; i-- {
		sources = append(sources, NewSliceIterator(run(flushes[i], "1"), true))
	}

	entries, err := Collect(NewMergeIterator(Bytewise, sources, MergeOptions{Ascending: true}))
	require.NoError(t, err)

	var got []string
	for _, e := range entries {
		got = append(got, string(e.Key))
		assert.Equal(t, "1", string(e.Value))
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, got)
}

func TestMergeNewestSourceWins(t *testing.T) {
	older := NewSliceIterator([]Entry{{Key: []byte("0"), Value: []byte("V1")}}, true)
	newer := NewSliceIterator([]Entry{{Key: []byte("0"), Value: []byte("V2")}}, true)

	entries, err := Collect(NewMergeIterator(Bytewise, []Iterator{newer, older}, MergeOptions{Ascending: true}))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "V2", string(entries[0].Value))
}

func TestMergeTombstones(t *testing.T) {
	newer := []Entry{{Key: []byte("a"), Tombstone: true}, {Key: []byte("c"), Value: []byte("c2")}}
	older := []Entry{{Key: []byte("a"), Value: []byte("a1")}, {Key: []byte("b"), Value: []byte("b1")}}

	entries, err := Collect(NewMergeIterator(Bytewise, []Iterator{
		NewSliceIterator(newer, true), NewSliceIterator(older, true),
	}, MergeOptions{Ascending: true}))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", string(entries[0].Key))
	assert.Equal(t, "c", string(entries[1].Key))

	entries, err = Collect(NewMergeIterator(Bytewise, []Iterator{
		NewSliceIterator(newer, true), NewSliceIterator(older, true),
	}, MergeOptions{Ascending: true, KeepTombstones: true}))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Tombstone)
}

func TestMergeDescending(t *testing.T) {
	a := NewSliceIterator(run([]string{"1", "3", "5"}, "a"), false)
	b := NewSliceIterator(run([]string{"2", "3", "4"}, "b"), false)

	entries, err := Collect(NewMergeIterator(Bytewise, []Iterator{a, b}, MergeOptions{}))
	require.NoError(t, err)

	var got []string
	for _, e := range entries {
		got = append(got, string(e.Key)+"="+string(e.Value))
	}
	assert.Equal(t, []string{"5=a", "4=b", "3=a", "2=b", "1=a"}, got)
}

type failingIterator struct {
	SliceIterator
	err error
}

func (f *failingIterator) Next() bool { return false }
func (f *failingIterator) Err() error { return f.err }

func TestMergePropagatesSourceErrorAndRunsOnClose(t *testing.T) {
	boom := errors.New("disk gone")
	released := false
	m := NewMergeIterator(Bytewise, []Iterator{
		NewSliceIterator(run([]string{"a"}, "x"), true),
		&failingIterator{err: boom},
	}, MergeOptions{Ascending: true, OnClose: func() error { released = true; return nil }})

	assert.False(t, m.Next())
	assert.ErrorIs(t, m.Err(), boom)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, released)
}

// The merged stream equals a model built by applying sources oldest first.
func TestMergeMatchesModelProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merge equals last-writer-wins model", prop.ForAll(
		func(batches [][]uint8) bool {
			model := map[string]string{}
			var sources []Iterator
			for i, batch := range batches {
				uniq := map[string]bool{}
				var keys []string
				for _, b := range batch {
					k := fmt.Sprintf("%03d", b)
					if !uniq[k] {
						uniq[k] = true
						keys = append(keys, k)
					}
				}
				value := fmt.Sprintf("gen%d", i)
				for _, k := range keys {
					model[k] = value
				}
				// newest first
				sources = append([]Iterator{NewSliceIterator(run(keys, value), true)}, sources...)
			}

			entries, err := Collect(NewMergeIterator(Bytewise, sources, MergeOptions{Ascending: true}))
			if err != nil || len(entries) != len(model) {
				return false
			}
			for i, e := range entries {
				if i > 0 && Bytewise(entries[i-1].Key, e.Key) >= 0 {
					return false
				}
				if model[string(e.Key)] != string(e.Value) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}
