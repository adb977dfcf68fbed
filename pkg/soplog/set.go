// Package soplog implements a sorted oplog set: a log-structured sorted
// key/value store built from an in-memory write buffer, immutable on-disk
// segments, and background compaction.
package soplog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/nightlyone/lockfile"
	"golang.org/x/sync/semaphore"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/compaction"
	"github.com/CVDpl/go-soplog/pkg/soplog/fileset"
	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
)

// lockfile only guards against other processes; sets opened by this
// process are tracked here.
var openDirs sync.Map

// Set is a sorted oplog set.
//
// Writes land in a live buffer. Flush swaps the buffer out, assigns it the
// next sequence number and hands it to a single worker that writes it as a
// segment. Reads merge the live buffer, buffers still being flushed, and the
// compactor's active segments, newest first.
type Set struct {
	dir     string
	opts    Options
	logger  common.Logger
	metrics *Metrics

	lock lockfile.Lockfile

	fileset    *fileset.Fileset
	factory    *segment.Factory
	compactor  compaction.Compactor
	background *compaction.SizeTieredCompactor

	mu        sync.RWMutex
	live      *buffer
	unflushed []*buffer // newest first
	epoch     uint64
	closed    atomic.Bool

	flushSlots *semaphore.Weighted
	flushCh    chan *flushRequest
	workerDone chan struct{}
}

var _ sorted.Source = (*Set)(nil)

// Open opens or creates the set stored in dir.
func Open(dir string, opts *Options) (*Set, error) {
	o := opts.withDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, common.NewIOError("create store directory", abs, err)
	}
	if _, loaded := openDirs.LoadOrStore(abs, struct{}{}); loaded {
		return nil, common.ErrStoreInUse
	}
	lf, err := lockfile.New(filepath.Join(abs, common.FileLock))
	if err == nil {
		err = lf.TryLock()
	}
	if err != nil {
		openDirs.Delete(abs)
		return nil, fmt.Errorf("%w: %v", common.ErrStoreInUse, err)
	}

	s, err := open(abs, o, lf)
	if err != nil {
		lf.Unlock()
		openDirs.Delete(abs)
		return nil, err
	}
	return s, nil
}

func open(dir string, o Options, lf lockfile.Lockfile) (*Set, error) {
	logger := WithContext(o.Logger, map[string]interface{}{"store": o.Name})

	metrics, err := NewMetrics(o.Registerer, o.Name)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	fs, err := fileset.New(o.Name, dir, logger)
	if err != nil {
		return nil, err
	}
	factory := &segment.Factory{
		Comparator:   o.Comparator,
		BlockSize:    o.BlockSize,
		Compression:  o.Compression,
		BloomFPR:     o.BloomFPR,
		VerifyOnOpen: o.VerifyChecksumsOnLoad,
		Logger:       logger,
	}

	cfg := compaction.Config{Fileset: fs, Factory: factory, Logger: logger}
	if metrics != nil {
		cfg.Tracker = metrics
	}

	s := &Set{
		dir:        dir,
		opts:       o,
		logger:     logger,
		metrics:    metrics,
		lock:       lf,
		fileset:    fs,
		factory:    factory,
		live:       newBuffer(o.Comparator),
		flushSlots: semaphore.NewWeighted(int64(o.MaxOutstandingFlushes)),
		flushCh:    make(chan *flushRequest, o.MaxOutstandingFlushes),
		workerDone: make(chan struct{}),
	}
	switch o.Compaction {
	case CompactionSizeTiered:
		s.background = compaction.NewSizeTiered(compaction.SizeTieredConfig{
			Config:   cfg,
			MinMerge: o.MinMerge,
			MaxMerge: o.MaxMerge,
			Interval: o.CompactionInterval,
		})
		s.compactor = s.background
	default:
		s.compactor = compaction.NewNonCompactor(cfg)
	}

	if err := s.compactor.Recover(context.Background()); err != nil {
		return nil, fmt.Errorf("recover %s: %w", dir, err)
	}

	go s.flushWorker()
	if s.background != nil && !o.DisableBackgroundCompaction {
		s.background.Start(context.Background())
	}

	s.logger.Info("store opened",
		"dir", dir,
		"segments", len(s.compactor.Segments()),
		"compaction", o.Compaction.String(),
		"version", Version)
	return s, nil
}

// Dir returns the store directory.
func (s *Set) Dir() string { return s.dir }

// IsClosed reports whether the set has been closed or destroyed.
func (s *Set) IsClosed() bool { return s.closed.Load() }

// Compactor returns the compactor that owns the active segments.
func (s *Set) Compactor() compaction.Compactor { return s.compactor }

// Factory returns the segment factory used for flushes and compactions.
func (s *Set) Factory() *segment.Factory { return s.factory }

// Reader returns the derived scan API over the whole set.
func (s *Set) Reader() *sorted.Reader { return sorted.NewReader(s) }

// Put stores value under key.
func (s *Set) Put(key, value []byte) error {
	return s.write(sorted.Entry{Key: key, Value: value})
}

// Delete writes a tombstone for key.
func (s *Set) Delete(key []byte) error {
	return s.write(sorted.Entry{Key: key, Tombstone: true})
}

func validateEntry(e sorted.Entry) error {
	switch {
	case len(e.Key) == 0:
		return common.ErrEmptyKey
	case len(e.Key) > common.MaxKeySize:
		return common.ErrKeyTooLarge
	case len(e.Value) > common.MaxValueSize:
		return common.ErrValueTooLarge
	}
	return nil
}

func (s *Set) write(e sorted.Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return common.ErrClosed
	}
	s.live.put(e)
	size := s.live.size
	s.mu.Unlock()

	s.metrics.BufferSize(size)
	if size < s.opts.MaxBufferBytes {
		return nil
	}
	s.logger.Debug("write buffer full, flushing", "bytes", size)
	if _, err := s.Flush(nil, nil); err != nil && !errors.Is(err, common.ErrClosed) {
		return err
	}
	return nil
}

// BufferSize returns the bytes held in the live write buffer.
func (s *Set) BufferSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.size
}

// UnflushedSize returns the bytes not yet on disk: the live buffer plus
// buffers whose flush has not completed.
func (s *Set) UnflushedSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.live.size
	for _, b := range s.unflushed {
		total += b.size
	}
	return total
}

// Flush writes the live buffer to a new segment in the background. It
// blocks while MaxOutstandingFlushes flushes are pending. handler, if not
// nil, is notified exactly once; the returned future completes at the same
// time.
func (s *Set) Flush(metadata sorted.Metadata, handler FlushHandler) (*Future, error) {
	if s.closed.Load() {
		return nil, common.ErrClosed
	}
	if err := s.flushSlots.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		s.flushSlots.Release(1)
		return nil, common.ErrClosed
	}
	if s.live.empty() {
		s.mu.Unlock()
		s.flushSlots.Release(1)
		req := &flushRequest{handler: handler, future: newFuture()}
		req.finish(nil)
		return req.future, nil
	}
	f := s.swapLocked(metadata, handler)
	s.mu.Unlock()

	s.metrics.BufferSize(0)
	return f, nil
}

// swapLocked moves the live buffer to the in-flight list and queues it. The
// caller holds mu and one flush slot, which the worker releases.
func (s *Set) swapLocked(metadata sorted.Metadata, handler FlushHandler) *Future {
	buf := s.live
	buf.path, buf.sequence = s.fileset.NextFilename()
	buf.epoch = s.epoch
	buf.metadata = metadata.Clone()

	s.live = newBuffer(s.opts.Comparator)
	s.unflushed = append([]*buffer{buf}, s.unflushed...)

	req := &flushRequest{buf: buf, handler: handler, future: newFuture()}
	// capacity equals the slot count, so this never blocks
	s.flushCh <- req
	s.logger.Debug("flush queued", "sequence", buf.sequence, "entries", buf.len(), "bytes", buf.size)
	return req.future
}

// FlushBatch writes entries synchronously as one segment. Within the batch
// the first entry for a key wins. Writes already buffered are flushed
// together with the batch and are older than it.
func (s *Set) FlushBatch(entries []sorted.Entry, metadata sorted.Metadata) error {
	batch := newBuffer(s.opts.Comparator)
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
		batch.putIfAbsent(e)
	}
	if s.closed.Load() {
		return common.ErrClosed
	}
	if err := s.flushSlots.Acquire(context.Background(), 1); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		s.flushSlots.Release(1)
		return common.ErrClosed
	}
	for _, e := range batch.entries() {
		s.live.put(e)
	}
	if s.live.empty() {
		s.mu.Unlock()
		s.flushSlots.Release(1)
		return nil
	}
	f := s.swapLocked(metadata, nil)
	s.mu.Unlock()

	s.metrics.BufferSize(0)
	return f.Wait(context.Background())
}

// FlushAndClose flushes the live buffer, waits for every pending flush and
// closes the set.
func (s *Set) FlushAndClose(metadata sorted.Metadata) error {
	if err := s.flushSlots.Acquire(context.Background(), 1); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		s.flushSlots.Release(1)
		return common.ErrClosed
	}
	s.closed.Store(true)
	var f *Future
	if s.live.empty() {
		s.flushSlots.Release(1)
	} else {
		f = s.swapLocked(metadata, nil)
	}
	close(s.flushCh)
	s.mu.Unlock()

	var result *multierror.Error
	if f != nil {
		if err := f.Wait(context.Background()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	<-s.workerDone

	if err := s.compactor.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.unlock(); err != nil {
		result = multierror.Append(result, err)
	}
	s.logger.Info("store closed", "dir", s.dir)
	return result.ErrorOrNil()
}

// Close is FlushAndClose without metadata.
func (s *Set) Close() error { return s.FlushAndClose(nil) }

// Clear discards every buffered write and every segment. Flushes in flight
// finish but their segments are dropped.
func (s *Set) Clear() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return common.ErrClosed
	}
	s.clearLocked()
	s.mu.Unlock()

	s.metrics.BufferSize(0)
	if err := s.compactor.Clear(); err != nil {
		return err
	}
	s.logger.Info("store cleared")
	return nil
}

func (s *Set) clearLocked() {
	s.epoch++
	s.live = newBuffer(s.opts.Comparator)
	s.unflushed = nil
}

// Destroy closes the set without flushing and removes all of its files.
func (s *Set) Destroy() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return common.ErrClosed
	}
	s.closed.Store(true)
	s.clearLocked()
	close(s.flushCh)
	s.mu.Unlock()

	<-s.workerDone

	var result *multierror.Error
	if err := s.compactor.Clear(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.compactor.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.fileset.Destroy(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.unlock(); err != nil {
		result = multierror.Append(result, err)
	}
	s.logger.Info("store destroyed", "dir", s.dir)
	return result.ErrorOrNil()
}

func (s *Set) unlock() error {
	defer openDirs.Delete(s.dir)
	if err := s.lock.Unlock(); err != nil {
		return common.NewIOError("release lock", string(s.lock), err)
	}
	return nil
}

func releaseRefs(refs []*compaction.Ref) error {
	var result *multierror.Error
	for _, ref := range refs {
		if err := ref.Decrement(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// release drops the pins taken by a point read. An unmatched release is a
// bookkeeping bug and is logged.
func (s *Set) release(refs []*compaction.Ref) {
	if err := releaseRefs(refs); err != nil {
		LogError(s.logger, "failed to release segment references", err, "refs", len(refs))
	}
}

// Read returns the newest value for key. A deleted key is not found.
func (s *Set) Read(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return nil, false, common.ErrClosed
	}
	if e, ok := s.live.get(key); ok {
		s.mu.RUnlock()
		return entryValue(e)
	}
	for _, b := range s.unflushed {
		if e, ok := b.get(key); ok {
			s.mu.RUnlock()
			return entryValue(e)
		}
	}
	refs := s.compactor.ActiveReaders(sorted.Inclusive(key), sorted.Inclusive(key))
	s.mu.RUnlock()
	defer s.release(refs)

	for _, ref := range refs {
		r, err := ref.Get()
		if err != nil {
			return nil, false, err
		}
		if ok, err := r.MightContain(key); err != nil || !ok {
			if err != nil {
				return nil, false, err
			}
			continue
		}
		v, tomb, found, err := r.Lookup(key)
		if err != nil {
			return nil, false, err
		}
		if found {
			if tomb {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

func entryValue(e sorted.Entry) ([]byte, bool, error) {
	if e.Tombstone {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// MightContain reports whether key may be present. It never returns false
// for a key that was written and not cleared; a deleted key may still
// report true.
func (s *Set) MightContain(key []byte) (bool, error) {
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return false, common.ErrClosed
	}
	if _, ok := s.live.get(key); ok {
		s.mu.RUnlock()
		return true, nil
	}
	for _, b := range s.unflushed {
		if _, ok := b.get(key); ok {
			s.mu.RUnlock()
			return true, nil
		}
	}
	refs := s.compactor.ActiveReaders(sorted.Inclusive(key), sorted.Inclusive(key))
	s.mu.RUnlock()
	defer s.release(refs)

	for _, ref := range refs {
		r, err := ref.Get()
		if err != nil {
			return false, err
		}
		if ok, err := r.MightContain(key); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// ScanRange merges the buffers and the active segments overlapping
// [from, to]. Segments whose metadata filter rejects are skipped; buffered
// writes are always included. The iterator pins the segments it reads until
// it is closed.
func (s *Set) ScanRange(from, to sorted.Bound, ascending bool, filter sorted.MetadataFilter) (sorted.Iterator, error) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, common.ErrClosed
	}
	live := s.live.tree.Clone()
	unflushed := slices.Clone(s.unflushed)
	refs := s.compactor.ActiveReaders(from, to)
	s.mu.Unlock()

	cmp := s.opts.Comparator
	iters := make([]sorted.Iterator, 0, 1+len(unflushed)+len(refs))
	iters = append(iters, scanTree(live, cmp, from, to, ascending))
	for _, b := range unflushed {
		iters = append(iters, scanTree(b.tree, cmp, from, to, ascending))
	}
	for _, ref := range refs {
		r, err := ref.Get()
		if err == nil && !filter.Accept(r.Metadata()) {
			continue
		}
		var it sorted.Iterator
		if err == nil {
			it, err = r.ScanRange(from, to, ascending, nil)
		}
		if err != nil {
			for _, open := range iters {
				open.Close()
			}
			releaseRefs(refs)
			return nil, err
		}
		iters = append(iters, it)
	}

	return sorted.NewMergeIterator(cmp, iters, sorted.MergeOptions{
		Ascending: ascending,
		OnClose:   func() error { return releaseRefs(refs) },
	}), nil
}

// Statistics aggregates the buffers and active segments. Keys present in
// several of them are counted once per copy.
func (s *Set) Statistics() (sorted.Statistics, error) {
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return sorted.Statistics{}, common.ErrClosed
	}
	cmp := s.opts.Comparator
	stats := s.live.stats()
	for _, b := range s.unflushed {
		stats.Add(cmp, b.stats())
	}
	s.mu.RUnlock()

	for _, seg := range s.compactor.Segments() {
		stats.Add(cmp, seg.Stats)
	}
	return stats, nil
}
