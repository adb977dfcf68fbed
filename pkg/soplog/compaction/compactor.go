// Package compaction owns the live segment set of a store and merges
// segments to bound read fan-out.
package compaction

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/fileset"
	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
	"github.com/CVDpl/go-soplog/pkg/soplog/tracked"
)

// Ref is a reference-counted segment reader.
type Ref = tracked.Reference[*segment.Reader]

// Compactor owns the active segment set.
type Compactor interface {
	// Compact runs a forced compaction and blocks until it finishes.
	Compact(ctx context.Context) (bool, error)

	// CompactAsync runs a compaction in the background and reports the
	// outcome to handler exactly once. Without force the strategy may decide
	// there is nothing to do.
	CompactAsync(force bool, handler Handler)

	// ActiveReaders returns the segments overlapping [start, end], newest
	// first. Every reference is already incremented; the caller must
	// Decrement each one exactly once.
	ActiveReaders(start, end sorted.Bound) []*Ref

	// Add registers a freshly written segment.
	Add(info *segment.Info) error

	// Recover opens the segments found by the fileset.
	Recover(ctx context.Context) error

	// Clear retires every segment and deletes its file once unreferenced.
	Clear() error

	// Close releases the owner reference of every segment without deleting files.
	Close() error

	// Tracker returns the observer of file and compaction events, or nil.
	Tracker() Tracker

	// Fileset returns the naming authority for segment files.
	Fileset() *fileset.Fileset

	// Segments describes the active set, newest first.
	Segments() []SegmentInfo
}

// Handler receives the outcome of an asynchronous compaction.
type Handler interface {
	Complete(compacted bool)
	Failed(err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(compacted bool, err error)

func (f HandlerFunc) Complete(compacted bool) { f(compacted, nil) }
func (f HandlerFunc) Failed(err error)        { f(false, err) }

// Tracker observes changes to the active set.
type Tracker interface {
	FileAdded(path string, generation int)
	FileRemoved(path string, generation int)
	CompactionFinished(generation, inputs int, bytes int64, elapsed time.Duration, err error)
}

// SegmentInfo describes one active segment.
type SegmentInfo struct {
	Path       string
	Sequence   uint64
	Generation int
	Stats      sorted.Statistics
	RefCount   int64
}

// Config is shared by all strategies.
type Config struct {
	Fileset *fileset.Fileset
	Factory *segment.Factory
	Tracker Tracker
	Logger  common.Logger

	// RecoveryParallelism bounds concurrent segment opens during Recover.
	RecoveryParallelism int
}

type activeSegment struct {
	ref        *Ref
	reader     *segment.Reader
	sequence   uint64
	generation int
}

// activeSet is the segment list shared by the strategies. Segments are kept
// ordered newest first by sequence. All mutations and snapshots happen under mu.
type activeSet struct {
	mu       sync.Mutex
	segments []*activeSegment

	fileset *fileset.Fileset
	factory *segment.Factory
	tracker Tracker
	logger  common.Logger

	recoveryParallelism int
}

func newActiveSet(cfg Config) activeSet {
	logger := cfg.Logger
	if logger == nil {
		logger = common.NewNullLogger()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = segment.NewFactory(logger)
	}
	parallel := cfg.RecoveryParallelism
	if parallel <= 0 {
		parallel = 4
	}
	return activeSet{
		fileset:             cfg.Fileset,
		factory:             factory,
		tracker:             cfg.Tracker,
		logger:              logger,
		recoveryParallelism: parallel,
	}
}

func (a *activeSet) Fileset() *fileset.Fileset { return a.fileset }

func (a *activeSet) insertLocked(s *activeSegment) {
	i, _ := slices.BinarySearchFunc(a.segments, s.sequence, func(e *activeSegment, seq uint64) int {
		// descending by sequence
		switch {
		case e.sequence > seq:
			return -1
		case e.sequence < seq:
			return 1
		default:
			return 0
		}
	})
	a.segments = slices.Insert(a.segments, i, s)
}

func (a *activeSet) wrap(r *segment.Reader) *activeSegment {
	return &activeSegment{
		ref:        tracked.New(r),
		reader:     r,
		sequence:   r.Sequence(),
		generation: r.Generation(),
	}
}

func (a *activeSet) add(info *segment.Info) error {
	r, err := a.factory.Open(info.Path)
	if err != nil {
		return fmt.Errorf("open flushed segment: %w", err)
	}
	if err := a.fileset.Record(info.Path, r.Generation()); err != nil {
		r.Close()
		return err
	}

	a.mu.Lock()
	a.insertLocked(a.wrap(r))
	a.mu.Unlock()

	if a.tracker != nil {
		a.tracker.FileAdded(info.Path, r.Generation())
	}
	a.logger.Debug("segment added", "path", info.Path, "sequence", r.Sequence(), "generation", r.Generation())
	return nil
}

// ActiveReaders snapshots the overlapping segments. The increments happen
// under the same lock that retirement takes, so a returned reader cannot be
// closed before the caller releases it.
func (a *activeSet) ActiveReaders(start, end sorted.Bound) []*Ref {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Ref, 0, len(a.segments))
	for _, s := range a.segments {
		stats, _ := s.reader.Statistics()
		if !sorted.Overlaps(a.factory.Comparator, start, end, stats.FirstKey, stats.LastKey) {
			continue
		}
		if s.ref.Increment() {
			out = append(out, s.ref)
		}
	}
	return out
}

// Segments describes the active set, newest first.
func (a *activeSet) Segments() []SegmentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]SegmentInfo, 0, len(a.segments))
	for _, s := range a.segments {
		stats, _ := s.reader.Statistics()
		out = append(out, SegmentInfo{
			Path:       s.reader.Path(),
			Sequence:   s.sequence,
			Generation: s.generation,
			Stats:      stats,
			RefCount:   s.ref.RefCount(),
		})
	}
	return out
}

// Len returns the number of active segments.
func (a *activeSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segments)
}

// retire drops the owner reference of each segment. With deleteFiles the
// files are removed once the last reader lets go.
func (a *activeSet) retire(segments []*activeSegment, deleteFiles bool) error {
	var result *multierror.Error
	for _, s := range segments {
		if deleteFiles {
			s.reader.MarkForDeletion()
		}
		if err := s.ref.Decrement(); err != nil {
			result = multierror.Append(result, err)
		}
		if a.tracker != nil {
			a.tracker.FileRemoved(s.reader.Path(), s.generation)
		}
	}
	return result.ErrorOrNil()
}

func (a *activeSet) takeAll() []*activeSegment {
	a.mu.Lock()
	defer a.mu.Unlock()
	all := a.segments
	a.segments = nil
	return all
}

func (a *activeSet) clear() error {
	all := a.takeAll()
	paths := make([]string, 0, len(all))
	for _, s := range all {
		paths = append(paths, s.reader.Path())
	}

	var result *multierror.Error
	if err := a.fileset.Forget(paths...); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.retire(all, true); err != nil {
		result = multierror.Append(result, err)
	}
	a.logger.Info("active set cleared", "segments", len(all))
	return result.ErrorOrNil()
}

func (a *activeSet) close() error {
	return a.retire(a.takeAll(), false)
}

// recover opens every segment the fileset knows about. Segments named as
// parents of another live segment were already merged and are deleted.
func (a *activeSet) recover(ctx context.Context) error {
	gens, err := a.fileset.Recover()
	if err != nil {
		return err
	}
	var paths []string
	for _, p := range gens {
		paths = append(paths, p...)
	}

	readers := make([]*segment.Reader, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(a.recoveryParallelism)
	for i, p := range paths {
		g.Go(func() error {
			r, err := a.factory.Open(p)
			if err != nil {
				return fmt.Errorf("recover %s: %w", p, err)
			}
			readers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range readers {
			if r != nil {
				r.Close()
			}
		}
		return err
	}

	superseded := make(map[string]bool)
	for _, r := range readers {
		for _, p := range r.Parents() {
			superseded[p] = true
		}
	}

	var stale []string
	a.mu.Lock()
	for _, r := range readers {
		if superseded[r.Name()] {
			r.MarkForDeletion()
			r.Close()
			stale = append(stale, r.Path())
			continue
		}
		a.insertLocked(a.wrap(r))
	}
	live := len(a.segments)
	a.mu.Unlock()

	if len(stale) > 0 {
		a.logger.Info("removed segments superseded by compaction", "count", len(stale))
		if err := a.fileset.Forget(stale...); err != nil {
			return err
		}
	}
	if a.tracker != nil {
		for _, r := range readers {
			if !superseded[r.Name()] {
				a.tracker.FileAdded(r.Path(), r.Generation())
			}
		}
	}
	a.logger.Info("segments recovered", "name", a.fileset.Name(), "segments", live)
	return nil
}
