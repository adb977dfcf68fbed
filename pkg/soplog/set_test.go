package soplog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/compaction"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
	"github.com/CVDpl/go-soplog/pkg/soplog/tracked"
)

func testOptions() *Options {
	return &Options{Name: "test", Compaction: CompactionNone}
}

func openSet(t *testing.T, dir string, opts *Options) *Set {
	t.Helper()
	s, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !s.IsClosed() {
			s.Close()
		}
	})
	return s
}

func kv(k, v string) sorted.Entry { return sorted.Entry{Key: []byte(k), Value: []byte(v)} }

func flush(t *testing.T, s *Set) {
	t.Helper()
	f, err := s.Flush(nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
}

// collect drains the result of a scan call: collect(t)(r.Scan()).
func collect(t *testing.T) func(sorted.Iterator, error) []sorted.Entry {
	return func(it sorted.Iterator, err error) []sorted.Entry {
		t.Helper()
		require.NoError(t, err)
		entries, err := sorted.Collect(it)
		require.NoError(t, err)
		return entries
	}
}

func keys(entries []sorted.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Key))
	}
	return out
}

func TestSinglePutFlushScan(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())

	require.NoError(t, s.Put([]byte("0"), []byte("0")))
	assert.Positive(t, s.BufferSize())
	flush(t, s)
	assert.Zero(t, s.BufferSize())
	assert.Zero(t, s.UnflushedSize())

	segs := s.Compactor().Segments()
	require.Len(t, segs, 1)
	r, err := s.Factory().Open(segs[0].Path)
	require.NoError(t, err)
	defer r.Close()
	entries := collect(t)(sorted.NewReader(r).Scan())
	require.Len(t, entries, 1)
	assert.Equal(t, "0", string(entries[0].Key))

	entries = collect(t)(s.Reader().Scan())
	assert.Equal(t, []string{"0"}, keys(entries))
}

func TestIntraBatchDuplicateFirstSeenWins(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())

	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("0", "V2"), kv("0", "V1")}, nil))

	entries := collect(t)(s.Reader().Scan())
	require.Len(t, entries, 1)
	assert.Equal(t, "V2", string(entries[0].Value))
}

func TestNewerFlushWins(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())

	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("0", "V1")}, nil))
	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("0", "V2")}, nil))

	v, found, err := s.Read([]byte("0"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "V2", string(v))

	entries := collect(t)(s.Reader().Scan())
	require.Len(t, entries, 1)
	assert.Equal(t, "V2", string(entries[0].Value))
}

func TestFourFlushMergeYieldsUniqueAscendingKeys(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())

	for _, batch := range [][]int{{1, 2, 3, 4}, {2, 4, 6, 8}, {1, 3, 5, 7, 9}, {0, 1, 4, 5}} {
		var entries []sorted.Entry
		for _, k := range batch {
			entries = append(entries, kv(fmt.Sprint(k), "1"))
		}
		require.NoError(t, s.FlushBatch(entries, nil))
	}
	require.Len(t, s.Compactor().Segments(), 4)

	entries := collect(t)(s.Reader().Scan())
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, keys(entries))

	entries = collect(t)(s.Reader().WithAscending(false).Scan())
	assert.Equal(t, []string{"9", "8", "7", "6", "5", "4", "3", "2", "1", "0"}, keys(entries))

	entries = collect(t)(s.Reader().Range([]byte("3"), []byte("6")))
	assert.Equal(t, []string{"3", "4", "5"}, keys(entries))
}

func TestNoOpCompactionLeavesReadsUnchanged(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())
	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("a", "1"), kv("b", "2")}, nil))
	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("b", "3")}, nil))

	before := collect(t)(s.Reader().Scan())
	segsBefore := s.Compactor().Segments()

	compacted, err := s.Compactor().Compact(context.Background())
	require.NoError(t, err)
	assert.True(t, compacted)

	assert.Equal(t, before, collect(t)(s.Reader().Scan()))
	assert.Equal(t, len(segsBefore), len(s.Compactor().Segments()))
}

func TestDestroyClosesStore(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir, testOptions())
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	flush(t, s)
	require.NoError(t, s.Put([]byte("b"), []byte("2")))

	require.NoError(t, s.Destroy())
	assert.True(t, s.IsClosed())

	assert.ErrorIs(t, s.Put([]byte("c"), []byte("3")), common.ErrClosed)
	_, err := s.Flush(nil, nil)
	assert.ErrorIs(t, err, common.ErrClosed)
	assert.ErrorIs(t, s.FlushBatch([]sorted.Entry{kv("d", "4")}, nil), common.ErrClosed)
	assert.ErrorIs(t, s.Clear(), common.ErrClosed)
	_, _, err = s.Read([]byte("a"))
	assert.ErrorIs(t, err, common.ErrClosed)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasSuffix(f.Name(), common.SegmentExtension), "segment %s survived destroy", f.Name())
	}

	// the directory is free again
	s2 := openSet(t, dir, testOptions())
	entries := collect(t)(s2.Reader().Scan())
	assert.Empty(t, entries)
}

func TestSecondOpenFailsWithStoreInUse(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir, testOptions())

	_, err := Open(dir, testOptions())
	assert.ErrorIs(t, err, common.ErrStoreInUse)

	require.NoError(t, s.Close())
	s2, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestFlushAndCloseIsDurable(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir, testOptions())
	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("a", "old"), kv("b", "2")}, nil))
	require.NoError(t, s.Put([]byte("a"), []byte("new")))
	require.NoError(t, s.Delete([]byte("b")))
	require.NoError(t, s.FlushAndClose(sorted.Metadata{sorted.MetadataBucket: []byte("final")}))
	assert.True(t, s.IsClosed())
	assert.ErrorIs(t, s.FlushAndClose(nil), common.ErrClosed)

	s2 := openSet(t, dir, testOptions())
	v, found, err := s2.Read([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", string(v))

	_, found, err = s2.Read([]byte("b"))
	require.NoError(t, err)
	assert.False(t, found, "tombstone survives reopen")

	segs := s2.Compactor().Segments()
	require.Len(t, segs, 2)
	assert.Greater(t, segs[0].Sequence, segs[1].Sequence)

	entries := collect(t)(s2.ScanRange(sorted.Unbounded(), sorted.Unbounded(), true,
		sorted.MetadataEquals(sorted.MetadataBucket, []byte("final"))))
	assert.Equal(t, []string{"a"}, keys(entries))
}

func TestDeleteShadowsOlderValues(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	flush(t, s)

	require.NoError(t, s.Delete([]byte("a")))
	_, found, err := s.Read([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found, "buffered tombstone")

	flush(t, s)
	_, found, err = s.Read([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found, "flushed tombstone")

	assert.Equal(t, []string{"b"}, keys(collect(t)(s.Reader().Scan())))

	ok, err := s.MightContain([]byte("b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClearEmptiesStore(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())
	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("a", "1")}, nil))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))

	require.NoError(t, s.Clear())
	assert.False(t, s.IsClosed())
	assert.Zero(t, s.BufferSize())
	assert.Empty(t, s.Compactor().Segments())
	assert.Empty(t, collect(t)(s.Reader().Scan()))

	stats, err := s.Statistics()
	require.NoError(t, err)
	assert.Zero(t, stats.KeyCount)

	require.NoError(t, s.Put([]byte("c"), []byte("3")))
	flush(t, s)
	assert.Equal(t, []string{"c"}, keys(collect(t)(s.Reader().Scan())))
}

func TestClearedDataStaysGoneAfterCrash(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir, testOptions())
	require.NoError(t, s.Put([]byte("k"), []byte("old")))
	flush(t, s)
	segs := s.Compactor().Segments()
	require.Len(t, segs, 1)

	// the open scan keeps the cleared file on disk
	it, err := s.Reader().Scan()
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	assert.FileExists(t, segs[0].Path)

	// simulate a crash: the first set never releases the directory
	openDirs.Delete(s.dir)
	reopened := openSet(t, dir, testOptions())

	_, found, err := reopened.Read([]byte("k"))
	require.NoError(t, err)
	assert.False(t, found, "cleared key must not come back")
	assert.Empty(t, reopened.Compactor().Segments())
	assert.NoFileExists(t, segs[0].Path)

	require.NoError(t, it.Close())
}

func TestUnmatchedReleaseIsLogged(t *testing.T) {
	logger, out := captureLogger(logrus.WarnLevel)
	opts := testOptions()
	opts.Logger = logger
	s := openSet(t, t.TempDir(), opts)
	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("a", "1")}, nil))

	r, err := s.Factory().Open(s.Compactor().Segments()[0].Path)
	require.NoError(t, err)
	refs := []*compaction.Ref{tracked.New(r)}
	require.NoError(t, releaseRefs(refs))
	assert.ErrorIs(t, releaseRefs(refs), common.ErrRefUnderflow)

	s.release(refs)
	got := lines(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, "failed to release segment references", got[0]["msg"])
	assert.Equal(t, "test", got[0]["store"])
	assert.Contains(t, got[0]["error"], "underflow")

	// the store's own pins are untouched
	v, found, err := s.Read([]byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))
}

func TestFlushCompletingAfterClearIsDiscarded(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())

	// stage a flush by hand so it can be finished after the clear
	buf := newBuffer(sorted.Bytewise)
	buf.put(kv("a", "1"))
	s.mu.Lock()
	buf.path, buf.sequence = s.fileset.NextFilename()
	buf.epoch = s.epoch
	s.unflushed = append(s.unflushed, buf)
	s.mu.Unlock()

	info, err := s.writeSegment(buf)
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	require.NoError(t, s.installFlushed(buf, info))

	assert.NoFileExists(t, info.Path)
	assert.Empty(t, s.Compactor().Segments())
	_, found, err := s.Read([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRollbackKeepsNewerWrites(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())

	failed := newBuffer(sorted.Bytewise)
	failed.put(kv("a", "old"))
	failed.put(kv("b", "old"))
	failed.put(kv("c", "old"))
	newer := newBuffer(sorted.Bytewise)
	newer.put(kv("c", "newer"))

	s.mu.Lock()
	failed.epoch, newer.epoch = s.epoch, s.epoch
	s.unflushed = []*buffer{newer, failed}
	s.live.put(kv("a", "live"))
	s.mu.Unlock()

	s.rollback(failed)

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Equal(t, []*buffer{newer}, s.unflushed)
	e, ok := s.live.get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "live", string(e.Value))
	e, ok = s.live.get([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, "old", string(e.Value))
	_, ok = s.live.get([]byte("c"))
	assert.False(t, ok, "a newer in-flight value must not be shadowed")
}

func TestFlushHandlerNotifiedOnce(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())

	var calls atomic.Int32
	var lastErr atomic.Value
	handler := FlushHandlerFunc(func(err error) {
		calls.Add(1)
		if err != nil {
			lastErr.Store(err)
		}
	})

	// empty buffer completes at once
	f, err := s.Flush(nil, handler)
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
	assert.EqualValues(t, 1, calls.Load())

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	f, err = s.Flush(sorted.Metadata{sorted.MetadataUser: []byte("x")}, handler)
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
	<-f.Done()
	assert.NoError(t, f.Err())
	assert.EqualValues(t, 2, calls.Load())
	assert.Nil(t, lastErr.Load())

	segs := s.Compactor().Segments()
	require.Len(t, segs, 1)
}

func TestAutomaticFlushUnderBackpressure(t *testing.T) {
	opts := testOptions()
	opts.MaxBufferBytes = 256
	opts.MaxOutstandingFlushes = 1
	s := openSet(t, t.TempDir(), opts)

	for i := 0; i < 200; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("k%04d", i)), []byte("0123456789")))
	}
	flush(t, s)

	assert.Greater(t, len(s.Compactor().Segments()), 1)
	entries := collect(t)(s.Reader().Scan())
	assert.Len(t, entries, 200)
	for i := 0; i < 200; i += 37 {
		v, found, err := s.Read([]byte(fmt.Sprintf("k%04d", i)))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "0123456789", string(v))
	}
}

func TestSizeTieredCompactionThroughSet(t *testing.T) {
	opts := testOptions()
	opts.Compaction = CompactionSizeTiered
	opts.DisableBackgroundCompaction = true
	opts.MinMerge = 2
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	s := openSet(t, t.TempDir(), opts)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.FlushBatch([]sorted.Entry{kv("shared", fmt.Sprint(i)), kv(fmt.Sprint(i), "x")}, nil))
	}
	require.NoError(t, s.Delete([]byte("1")))
	flush(t, s)
	before := collect(t)(s.Reader().Scan())

	compacted, err := s.Compactor().Compact(context.Background())
	require.NoError(t, err)
	require.True(t, compacted)

	require.Len(t, s.Compactor().Segments(), 1)
	assert.Equal(t, before, collect(t)(s.Reader().Scan()))
	v, found, err := s.Read([]byte("shared"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(v))

	assert.Equal(t, 4.0, testutil.ToFloat64(s.metrics.flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.compactions.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.activeSegments.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.activeSegments.WithLabelValues("1")))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.metrics.retiredSegments))
}

func TestScanSeesBufferedAndFlushedData(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())
	require.NoError(t, s.FlushBatch([]sorted.Entry{kv("a", "1"), kv("c", "3")}, nil))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.NoError(t, s.Put([]byte("c"), []byte("33")))

	it, err := s.Reader().Scan()
	require.NoError(t, err)

	// writes after the snapshot are not visible to it
	require.NoError(t, s.Put([]byte("d"), []byte("4")))

	entries, err := sorted.Collect(it)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys(entries))
	assert.Equal(t, "33", string(entries[2].Value))

	entries = collect(t)(s.Reader().Equal([]byte("c")))
	require.Len(t, entries, 1)
	assert.Equal(t, "33", string(entries[0].Value))

	stats, err := s.Statistics()
	require.NoError(t, err)
	assert.Equal(t, "a", string(stats.FirstKey))
	assert.Equal(t, "d", string(stats.LastKey))
}

func TestPutRejectsInvalidKeys(t *testing.T) {
	s := openSet(t, t.TempDir(), testOptions())
	assert.ErrorIs(t, s.Put(nil, []byte("v")), common.ErrEmptyKey)
	assert.ErrorIs(t, s.Put(make([]byte, common.MaxKeySize+1), nil), common.ErrKeyTooLarge)
	assert.ErrorIs(t, s.FlushBatch([]sorted.Entry{{}}, nil), common.ErrEmptyKey)
}

func TestOpenRejectsUnknownStrategy(t *testing.T) {
	opts := testOptions()
	opts.Compaction = CompactionStrategy(9)
	_, err := Open(t.TempDir(), opts)
	require.Error(t, err)
	assert.False(t, errors.Is(err, common.ErrStoreInUse))
}
