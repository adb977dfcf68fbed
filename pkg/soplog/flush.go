package soplog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

// FlushHandler is notified exactly once when a flush finishes.
type FlushHandler interface {
	Complete()
	Error(err error)
}

// FlushHandlerFunc adapts a function to FlushHandler. The argument is nil on
// success.
type FlushHandlerFunc func(err error)

func (f FlushHandlerFunc) Complete()       { f(nil) }
func (f FlushHandlerFunc) Error(err error) { f(err) }

// Future is the pending result of a flush.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) bool {
	first := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		first = true
	})
	return first
}

// Done is closed when the flush has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the flush error. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the flush finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type flushRequest struct {
	buf     *buffer
	handler FlushHandler
	future  *Future
}

func (r *flushRequest) finish(err error) {
	if !r.future.complete(err) {
		return
	}
	if r.handler == nil {
		return
	}
	if err != nil {
		r.handler.Error(err)
		return
	}
	r.handler.Complete()
}

// flushWorker writes queued buffers one at a time, in the order their
// sequences were assigned, so segments reach the compactor in sequence order.
func (s *Set) flushWorker() {
	defer close(s.workerDone)
	for req := range s.flushCh {
		s.runFlush(req)
	}
}

func (s *Set) runFlush(req *flushRequest) {
	defer s.flushSlots.Release(1)
	start := time.Now()

	info, err := s.writeSegment(req.buf)
	if err == nil {
		err = s.installFlushed(req.buf, info)
	}
	if err != nil {
		s.rollback(req.buf)
		LogError(s.logger, "flush failed", err, "path", req.buf.path, "sequence", req.buf.sequence)
		s.metrics.FlushFinished(0, time.Since(start), err)
		req.finish(err)
		return
	}

	s.metrics.FlushFinished(info.Size, time.Since(start), nil)
	LogLatency(s.logger, "flush", start, "sequence", info.Sequence, "entries", info.Entries, "bytes", info.Size)
	req.finish(nil)
}

func (s *Set) writeSegment(buf *buffer) (*segment.Info, error) {
	b := s.factory.NewBuilder(buf.path, buf.sequence, common.GenerationFlush)
	b.SetMetadata(buf.metadata)
	for _, e := range buf.entries() {
		if err := b.Add(e); err != nil {
			return nil, err
		}
	}
	info, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("write segment: %w", err)
	}
	return info, nil
}

// installFlushed hands the segment to the compactor and drops the buffer
// from the read path in one step. A segment whose buffer was cleared while
// it was being written is discarded.
func (s *Set) installFlushed(buf *buffer, info *segment.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf.epoch != s.epoch {
		s.logger.Info("discarding segment flushed before clear", "path", info.Path)
		return utils.RemoveIfExists(info.Path)
	}
	if err := s.compactor.Add(info); err != nil {
		utils.RemoveIfExists(info.Path)
		return err
	}
	s.removeUnflushedLocked(buf)
	return nil
}

// rollback returns the entries of a failed flush to the live buffer. Keys
// rewritten since the swap keep their newer value.
func (s *Set) rollback(buf *buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newer := s.removeUnflushedLocked(buf)
	if buf.epoch != s.epoch {
		return
	}
	for _, e := range buf.entries() {
		shadowed := false
		for _, b := range newer {
			if _, ok := b.get(e.Key); ok {
				shadowed = true
				break
			}
		}
		if !shadowed {
			s.live.putIfAbsent(e)
		}
	}
	s.metrics.BufferSize(s.live.size)
}

// removeUnflushedLocked drops buf from the in-flight list and returns the
// buffers that were swapped out after it.
func (s *Set) removeUnflushedLocked(buf *buffer) []*buffer {
	for i, b := range s.unflushed {
		if b == buf {
			newer := s.unflushed[:i:i]
			s.unflushed = append(newer, s.unflushed[i+1:]...)
			return newer
		}
	}
	return nil
}
