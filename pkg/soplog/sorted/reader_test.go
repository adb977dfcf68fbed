package sorted

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSource is an in-memory Source used to exercise the derivation layer.
type memSource struct {
	entries []Entry
	md      Metadata
	closed  bool
}

func newMemSource(md Metadata, keys ...string) *memSource {
	sort.Strings(keys)
	s := &memSource{md: md}
	for _, k := range keys {
		s.entries = append(s.entries, Entry{Key: []byte(k), Value: []byte("v" + k)})
	}
	return s
}

func (s *memSource) MightContain(key []byte) (bool, error) {
	_, found, err := s.Read(key)
	return found, err
}

func (s *memSource) Read(key []byte) ([]byte, bool, error) {
	for _, e := range s.entries {
		if Bytewise(e.Key, key) == 0 {
			return e.Value, true, nil
		}
	}
	return nil, false, nil
}

func (s *memSource) ScanRange(from, to Bound, ascending bool, filter MetadataFilter) (Iterator, error) {
	if !filter.Accept(s.md) {
		return Empty(), nil
	}
	var out []Entry
	for _, e := range s.entries {
		if InRange(Bytewise, from, to, e.Key) {
			out = append(out, e)
		}
	}
	return NewSliceIterator(out, ascending), nil
}

func (s *memSource) Statistics() (Statistics, error) {
	return Statistics{KeyCount: uint64(len(s.entries))}, nil
}

func (s *memSource) Close() error {
	s.closed = true
	return nil
}

func keysOf(t *testing.T, it Iterator, err error) []string {
	t.Helper()
	require.NoError(t, err)
	entries, err := Collect(it)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Key))
	}
	return out
}

func TestReaderDerivedScans(t *testing.T) {
	r := NewReader(newMemSource(nil, "a", "b", "c", "d", "e"))

	it, err := r.Scan()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keysOf(t, it, err))

	it, err = r.Head([]byte("c"), true)
	assert.Equal(t, []string{"a", "b", "c"}, keysOf(t, it, err))

	it, err = r.Head([]byte("c"), false)
	assert.Equal(t, []string{"a", "b"}, keysOf(t, it, err))

	it, err = r.Tail([]byte("c"), true)
	assert.Equal(t, []string{"c", "d", "e"}, keysOf(t, it, err))

	it, err = r.Tail([]byte("c"), false)
	assert.Equal(t, []string{"d", "e"}, keysOf(t, it, err))

	// [from, to)
	it, err = r.Range([]byte("b"), []byte("d"))
	assert.Equal(t, []string{"b", "c"}, keysOf(t, it, err))

	// [eq, eq]
	it, err = r.Equal([]byte("d"))
	assert.Equal(t, []string{"d"}, keysOf(t, it, err))

	it, err = r.Equal([]byte("zz"))
	assert.Empty(t, keysOf(t, it, err))

	it, err = r.Between([]byte("a"), false, []byte("e"), true)
	assert.Equal(t, []string{"b", "c", "d", "e"}, keysOf(t, it, err))
}

func TestReaderDescendingDerivedScans(t *testing.T) {
	r := NewReader(newMemSource(nil, "a", "b", "c", "d")).WithAscending(false)

	it, err := r.Scan()
	assert.Equal(t, []string{"d", "c", "b", "a"}, keysOf(t, it, err))

	it, err = r.Head([]byte("c"), false)
	assert.Equal(t, []string{"b", "a"}, keysOf(t, it, err))

	it, err = r.Range([]byte("b"), []byte("d"))
	assert.Equal(t, []string{"c", "b"}, keysOf(t, it, err))
}

func TestReaderWrappersCollapse(t *testing.T) {
	src := newMemSource(Metadata{MetadataBucket: []byte("x")}, "a", "b")
	base := NewReader(src)

	desc := base.WithAscending(false)
	filtered := desc.WithFilter(MetadataEquals(MetadataBucket, []byte("y")))
	again := filtered.WithAscending(true)

	for _, r := range []*Reader{desc, filtered, again} {
		assert.Same(t, src, r.Source(), "wrappers must share the original source")
	}
	assert.False(t, filtered.Ascending(), "filter wrapper keeps direction")
	assert.NotNil(t, again.Filter(), "direction wrapper keeps filter")

	it, err := filtered.Scan()
	assert.Empty(t, keysOf(t, it, err), "filter excludes the source")

	it, err = base.WithFilter(MetadataEquals(MetadataBucket, []byte("x"))).Scan()
	assert.Equal(t, []string{"a", "b"}, keysOf(t, it, err))

	require.NoError(t, again.Close())
	assert.True(t, src.closed)
}

func TestMetadataClone(t *testing.T) {
	md := Metadata{MetadataUser: []byte("abc")}
	c := md.Clone()
	c[MetadataUser][0] = 'z'
	assert.Equal(t, "abc", string(md[MetadataUser]))
	assert.Equal(t, "user", MetadataUser.String())
	assert.Nil(t, Metadata(nil).Clone())
}
