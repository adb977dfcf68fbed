package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/fileset"
	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
)

type env struct {
	dir     string
	fs      *fileset.Fileset
	factory *segment.Factory
}

func newEnv(t *testing.T, dir string) *env {
	t.Helper()
	fs, err := fileset.New("test", dir, nil)
	require.NoError(t, err)
	return &env{dir: dir, fs: fs, factory: segment.NewFactory(nil)}
}

func (e *env) config() Config {
	return Config{Fileset: e.fs, Factory: e.factory}
}

// write flushes entries into a new generation-0 segment.
func (e *env) write(t *testing.T, entries ...sorted.Entry) *segment.Info {
	t.Helper()
	path, seq := e.fs.NextFilename()
	b := e.factory.NewBuilder(path, seq, 0)
	for _, en := range entries {
		require.NoError(t, b.Add(en))
	}
	info, err := b.Finish()
	require.NoError(t, err)
	return info
}

func put(k, v string) sorted.Entry { return sorted.Entry{Key: []byte(k), Value: []byte(v)} }
func del(k string) sorted.Entry    { return sorted.Entry{Key: []byte(k), Tombstone: true} }

// scanAll merges every active segment the way the store read path does.
func scanAll(t *testing.T, c Compactor) map[string]string {
	t.Helper()
	refs := c.ActiveReaders(sorted.Unbounded(), sorted.Unbounded())
	iters := make([]sorted.Iterator, 0, len(refs))
	for _, ref := range refs {
		it, err := ref.MustGet().ScanRange(sorted.Unbounded(), sorted.Unbounded(), true, nil)
		require.NoError(t, err)
		iters = append(iters, it)
	}
	m := sorted.NewMergeIterator(sorted.Bytewise, iters, sorted.MergeOptions{
		Ascending: true,
		OnClose: func() error {
			var result *multierror.Error
			for _, ref := range refs {
				if err := ref.Decrement(); err != nil {
					result = multierror.Append(result, err)
				}
			}
			return result.ErrorOrNil()
		},
	})
	entries, err := sorted.Collect(m)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, en := range entries {
		out[string(en.Key)] = string(en.Value)
	}
	return out
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(string, ...interface{}) {}
func (l *recordingLogger) Info(string, ...interface{})  {}
func (l *recordingLogger) Error(string, ...interface{}) {}
func (l *recordingLogger) Warn(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

type recordingTracker struct {
	added, removed, compactions int
	lastErr                     error
}

func (r *recordingTracker) FileAdded(string, int)   { r.added++ }
func (r *recordingTracker) FileRemoved(string, int) { r.removed++ }
func (r *recordingTracker) CompactionFinished(_, _ int, _ int64, _ time.Duration, err error) {
	r.compactions++
	r.lastErr = err
}

func TestNonCompactorKeepsSegmentsDistinct(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewNonCompactor(e.config())

	var infos []*segment.Info
	for i := 0; i < 3; i++ {
		info := e.write(t, put(fmt.Sprint(i), "v"))
		require.NoError(t, c.Add(info))
		infos = append(infos, info)
	}

	compacted, err := c.Compact(context.Background())
	require.NoError(t, err)
	assert.True(t, compacted)
	assert.Nil(t, c.Tracker(), "no tracker configured")
	assert.Equal(t, 3, c.Len())

	refs := c.ActiveReaders(sorted.Unbounded(), sorted.Unbounded())
	require.Len(t, refs, 3)
	assert.Equal(t, infos[2].Path, refs[0].MustGet().Path(), "newest first")
	assert.Equal(t, infos[0].Path, refs[2].MustGet().Path())
	for _, ref := range refs {
		assert.EqualValues(t, 2, ref.RefCount())
		require.NoError(t, ref.Decrement())
	}

	// key range pruning
	refs = c.ActiveReaders(sorted.Inclusive([]byte("1")), sorted.Inclusive([]byte("1")))
	require.Len(t, refs, 1)
	require.NoError(t, refs[0].Decrement())

	require.NoError(t, c.Close())
	for _, info := range infos {
		assert.FileExists(t, info.Path, "close keeps files")
	}
}

func TestNonCompactorClearDeletesFiles(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewNonCompactor(e.config())
	info := e.write(t, put("a", "1"))
	require.NoError(t, c.Add(info))

	done := make(chan bool, 1)
	c.CompactAsync(true, HandlerFunc(func(compacted bool, err error) {
		assert.NoError(t, err)
		done <- compacted
	}))
	assert.True(t, <-done)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Len())
	assert.NoFileExists(t, info.Path)
	assert.Empty(t, e.fs.Files())
}

func TestSizeTieredMergesOldestRun(t *testing.T) {
	e := newEnv(t, t.TempDir())
	tracker := &recordingTracker{}
	cfg := e.config()
	cfg.Tracker = tracker
	c := NewSizeTiered(SizeTieredConfig{Config: cfg, MinMerge: 2, MaxMerge: 3})
	defer c.Close()

	// four flushes, each rewriting a shared key
	for i := 0; i < 4; i++ {
		info := e.write(t, put(fmt.Sprint(i), fmt.Sprint(i)), put("shared", fmt.Sprintf("V%d", i)))
		require.NoError(t, c.Add(info))
	}
	before := scanAll(t, c)

	done := make(chan error, 1)
	c.CompactAsync(false, HandlerFunc(func(compacted bool, err error) {
		assert.True(t, compacted)
		done <- err
	}))
	require.NoError(t, <-done)

	segs := c.Segments()
	require.Len(t, segs, 2, "oldest three merged, newest left alone")
	assert.Equal(t, 0, segs[0].Generation)
	assert.Equal(t, 1, segs[1].Generation)
	assert.Greater(t, segs[0].Sequence, segs[1].Sequence)

	after := scanAll(t, c)
	assert.Equal(t, before, after)
	assert.Equal(t, "V3", after["shared"])

	assert.Equal(t, 1, tracker.compactions)
	assert.NoError(t, tracker.lastErr)
	assert.Equal(t, 5, tracker.added)
	assert.Equal(t, 3, tracker.removed)
	assert.Len(t, e.fs.Files(), 2)
}

func TestSizeTieredKeepsTombstonesAboveOlderData(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewSizeTiered(SizeTieredConfig{Config: e.config(), MinMerge: 2, MaxMerge: 2})
	defer c.Close()

	// oldest segment sits at a higher generation so the flushed run does not reach it
	path, seq := e.fs.NextFilename()
	b := e.factory.NewBuilder(path, seq, 1)
	require.NoError(t, b.Add(put("k", "old")))
	oldest, err := b.Finish()
	require.NoError(t, err)
	require.NoError(t, c.Add(oldest))

	require.NoError(t, c.Add(e.write(t, del("k"))))
	require.NoError(t, c.Add(e.write(t, put("x", "1"))))

	compacted, err := c.compact(context.Background(), false)
	require.NoError(t, err)
	require.True(t, compacted)

	got := scanAll(t, c)
	_, present := got["k"]
	assert.False(t, present, "tombstone must still shadow the older value")
	assert.Equal(t, "1", got["x"])

	// a forced compaction reaches the oldest segment and purges
	compacted, err = c.Compact(context.Background())
	require.NoError(t, err)
	require.True(t, compacted)
	segs := c.Segments()
	require.Len(t, segs, 1)
	assert.EqualValues(t, 0, segs[0].Stats.Tombstones)
	assert.Equal(t, map[string]string{"x": "1"}, scanAll(t, c))
}

func TestRetiredSegmentDeletedAfterLastScan(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewSizeTiered(SizeTieredConfig{Config: e.config(), MinMerge: 2})
	defer c.Close()

	a := e.write(t, put("a", "1"))
	b := e.write(t, put("b", "2"))
	require.NoError(t, c.Add(a))
	require.NoError(t, c.Add(b))

	// an open scan pins both inputs
	refs := c.ActiveReaders(sorted.Unbounded(), sorted.Unbounded())
	require.Len(t, refs, 2)

	compacted, err := c.Compact(context.Background())
	require.NoError(t, err)
	require.True(t, compacted)
	assert.Equal(t, 1, c.Len())

	assert.FileExists(t, a.Path)
	assert.FileExists(t, b.Path)
	v, found, err := refs[1].MustGet().Read([]byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))

	for _, ref := range refs {
		require.NoError(t, ref.Decrement())
		assert.True(t, ref.IsReleased())
	}
	assert.NoFileExists(t, a.Path)
	assert.NoFileExists(t, b.Path)
}

func TestCompactionDiscardedAfterClear(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewSizeTiered(SizeTieredConfig{Config: e.config(), MinMerge: 2})
	defer c.Close()

	require.NoError(t, c.Add(e.write(t, put("a", "1"))))
	require.NoError(t, c.Add(e.write(t, put("b", "2"))))

	j := c.selectJob(true)
	require.NotNil(t, j)
	require.NoError(t, c.Clear())
	require.NoError(t, c.run(context.Background(), j))

	assert.Equal(t, 0, c.Len())
	assert.Empty(t, e.fs.Files())
	entries, err := os.ReadDir(e.dir)
	require.NoError(t, err)
	for _, en := range entries {
		assert.NotContains(t, en.Name(), ".soplog", "no segment should survive a clear")
	}
}

func TestRecoverRestoresActiveSet(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir)
	c := NewSizeTiered(SizeTieredConfig{Config: e.config(), MinMerge: 2})
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Add(e.write(t, put(fmt.Sprint(i), fmt.Sprint(i)))))
	}
	_, err := c.Compact(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Add(e.write(t, put("0", "new"))))
	want := scanAll(t, c)
	require.NoError(t, c.Close())

	e2 := newEnv(t, dir)
	c2 := NewSizeTiered(SizeTieredConfig{Config: e2.config(), MinMerge: 2})
	defer c2.Close()
	require.NoError(t, c2.Recover(context.Background()))

	assert.Equal(t, 2, c2.Len())
	assert.Equal(t, want, scanAll(t, c2))
	assert.Equal(t, "new", want["0"])
}

func TestRecoverDeletesSupersededParents(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir)
	a := e.write(t, put("a", "1"))
	b := e.write(t, put("b", "2"))

	// a merge output next to its parents, in a directory with no fileset state
	path, _ := e.fs.NextFilename()
	builder := e.factory.NewBuilder(path, b.Sequence, 1)
	builder.SetParents([]string{filepath.Base(a.Path), filepath.Base(b.Path)})
	require.NoError(t, builder.Add(put("a", "1")))
	require.NoError(t, builder.Add(put("b", "2")))
	_, err := builder.Finish()
	require.NoError(t, err)

	c := NewNonCompactor(newEnv(t, dir).config())
	defer c.Close()
	require.NoError(t, c.Recover(context.Background()))

	require.Equal(t, 1, c.Len())
	assert.Equal(t, path, c.Segments()[0].Path)
	assert.NoFileExists(t, a.Path)
	assert.NoFileExists(t, b.Path)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, scanAll(t, c))
}

func TestRecoverDropsUninstalledMergeOutput(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir)
	a := e.write(t, put("a", "1"))
	b := e.write(t, put("b", "2"))
	require.NoError(t, e.fs.Record(a.Path, 0))
	require.NoError(t, e.fs.Record(b.Path, 0))

	// a merge output written just before a crash, never recorded
	path, _ := e.fs.NextFilename()
	builder := e.factory.NewBuilder(path, b.Sequence, 1)
	builder.SetParents([]string{filepath.Base(a.Path), filepath.Base(b.Path)})
	require.NoError(t, builder.Add(put("a", "stale")))
	_, err := builder.Finish()
	require.NoError(t, err)

	c := NewNonCompactor(newEnv(t, dir).config())
	defer c.Close()
	require.NoError(t, c.Recover(context.Background()))

	require.Equal(t, 2, c.Len())
	assert.NoFileExists(t, path)
	assert.FileExists(t, a.Path)
	assert.FileExists(t, b.Path)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, scanAll(t, c))
}

func TestNonCompactorReportsConfiguredTracker(t *testing.T) {
	e := newEnv(t, t.TempDir())
	tracker := &recordingTracker{}
	cfg := e.config()
	cfg.Tracker = tracker
	c := NewNonCompactor(cfg)

	require.NoError(t, c.Add(e.write(t, put("a", "1"))))
	assert.Same(t, tracker, c.Tracker())
	assert.Equal(t, 1, tracker.added)

	require.NoError(t, c.Clear())
	assert.Equal(t, 1, tracker.removed)
	require.NoError(t, c.Close())
}

func TestForcedCompactionWaitsForRunningPass(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewSizeTiered(SizeTieredConfig{Config: e.config(), MinMerge: 4})
	defer c.Close()
	require.NoError(t, c.Add(e.write(t, put("a", "1"))))
	require.NoError(t, c.Add(e.write(t, put("b", "2"))))

	// stand in for a background pass holding the run slot
	require.NoError(t, c.running.Acquire(context.Background(), 1))

	compacted, err := c.compact(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, compacted, "a background pass backs off")

	type result struct {
		compacted bool
		err       error
	}
	done := make(chan result, 1)
	go func() {
		compacted, err := c.Compact(context.Background())
		done <- result{compacted, err}
	}()

	select {
	case <-done:
		t.Fatal("forced compaction returned while another pass was running")
	case <-time.After(50 * time.Millisecond):
	}
	c.running.Release(1)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.compacted)
	case <-time.After(5 * time.Second):
		t.Fatal("forced compaction never ran")
	}
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, scanAll(t, c))
}

func TestForcedCompactionHonoursContextWhileWaiting(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewSizeTiered(SizeTieredConfig{Config: e.config(), MinMerge: 4})
	defer c.Close()
	require.NoError(t, c.Add(e.write(t, put("a", "1"))))
	require.NoError(t, c.Add(e.write(t, put("b", "2"))))

	require.NoError(t, c.running.Acquire(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	compacted, err := c.Compact(ctx)
	c.running.Release(1)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, compacted)
	assert.Equal(t, 2, c.Len())
}

func TestCompactAsyncAfterCloseFails(t *testing.T) {
	e := newEnv(t, t.TempDir())
	c := NewSizeTiered(SizeTieredConfig{Config: e.config(), MinMerge: 2})
	require.NoError(t, c.Add(e.write(t, put("a", "1"))))
	require.NoError(t, c.Close())

	done := make(chan error, 1)
	c.CompactAsync(true, HandlerFunc(func(compacted bool, err error) {
		assert.False(t, compacted)
		done <- err
	}))
	assert.ErrorIs(t, <-done, common.ErrClosed)

	// Start after Close does not revive the loop
	c.Start(context.Background())
	c.lifeMu.Lock()
	assert.Nil(t, c.cancel)
	c.lifeMu.Unlock()
}

func TestUnmatchedInputReleaseIsLogged(t *testing.T) {
	e := newEnv(t, t.TempDir())
	logger := &recordingLogger{}
	cfg := e.config()
	cfg.Logger = logger
	c := NewSizeTiered(SizeTieredConfig{Config: cfg, MinMerge: 2})
	defer c.Close()
	require.NoError(t, c.Add(e.write(t, put("a", "1"))))
	require.NoError(t, c.Add(e.write(t, put("b", "2"))))

	j := c.selectJob(true)
	require.NotNil(t, j)
	// drop one pin early so the final unpin has nothing left to release
	require.NoError(t, j.inputs[0].ref.Decrement())

	require.NoError(t, c.run(context.Background(), j))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, scanAll(t, c))

	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Contains(t, logger.warns, "failed to unpin compaction input")
}
