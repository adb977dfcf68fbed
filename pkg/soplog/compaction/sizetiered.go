package compaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

// SizeTieredConfig configures a SizeTieredCompactor.
type SizeTieredConfig struct {
	Config

	// MinMerge is the number of same-generation segments that triggers a merge.
	MinMerge int
	// MaxMerge caps the number of segments merged at once.
	MaxMerge int
	// Interval between background checks.
	Interval time.Duration
}

// SizeTieredCompactor merges runs of same-generation segments into one
// segment of the next generation.
type SizeTieredCompactor struct {
	activeSet

	minMerge int
	maxMerge int
	interval time.Duration

	// Lifecycle
	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	closed  bool
	trigger chan struct{}
	loopWG  sync.WaitGroup

	// State
	running  *semaphore.Weighted // one compaction at a time
	inflight sync.WaitGroup
}

// job describes one merge.
type job struct {
	generation int
	inputs     []*activeSegment // newest first
	purge      bool
	reason     string
}

// NewSizeTiered creates a size-tiered compactor. The background loop is not
// started until Start.
func NewSizeTiered(cfg SizeTieredConfig) *SizeTieredCompactor {
	minMerge := cfg.MinMerge
	if minMerge < 2 {
		minMerge = common.DefaultMinMerge
	}
	maxMerge := cfg.MaxMerge
	if maxMerge < minMerge {
		maxMerge = max(common.DefaultMaxMerge, minMerge)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SizeTieredCompactor{
		activeSet: newActiveSet(cfg.Config),
		minMerge:  minMerge,
		maxMerge:  maxMerge,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
		running:   semaphore.NewWeighted(1),
	}
}

// Start starts the background compaction loop.
func (c *SizeTieredCompactor) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel != nil || c.closed {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.loopWG.Add(1)
	go c.runCompactionLoop(ctx)
}

// Stop stops the background loop and waits for it to exit.
func (c *SizeTieredCompactor) Stop() {
	c.lifeMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.loopWG.Wait()
}

func (c *SizeTieredCompactor) runCompactionLoop(ctx context.Context) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		// drain every eligible run before sleeping again
		for ctx.Err() == nil {
			compacted, err := c.compact(ctx, false)
			if err != nil || !compacted {
				break
			}
		}
	}
}

func (c *SizeTieredCompactor) poke() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Add registers a flushed segment and wakes the background loop.
func (c *SizeTieredCompactor) Add(info *segment.Info) error {
	if err := c.add(info); err != nil {
		return err
	}
	c.poke()
	return nil
}

func (c *SizeTieredCompactor) Recover(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return err
	}
	c.poke()
	return nil
}

// Compact merges the whole active set into one segment and purges
// tombstones. It waits for a running compaction to finish first.
func (c *SizeTieredCompactor) Compact(ctx context.Context) (bool, error) {
	return c.compact(ctx, true)
}

// CompactAsync runs one compaction on its own goroutine. After Close the
// handler fails with common.ErrClosed.
func (c *SizeTieredCompactor) CompactAsync(force bool, handler Handler) {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		if handler != nil {
			handler.Failed(common.ErrClosed)
		}
		return
	}
	c.inflight.Add(1)
	c.lifeMu.Unlock()

	go func() {
		defer c.inflight.Done()
		compacted, err := c.compact(context.Background(), force)
		if handler == nil {
			return
		}
		if err != nil {
			handler.Failed(err)
			return
		}
		handler.Complete(compacted)
	}()
}

func (c *SizeTieredCompactor) Tracker() Tracker { return c.tracker }

// Clear retires every segment. A compaction running concurrently discards
// its output.
func (c *SizeTieredCompactor) Clear() error { return c.clear() }

// Close stops the background loop, waits for in-flight compactions and then
// releases the active set.
func (c *SizeTieredCompactor) Close() error {
	c.lifeMu.Lock()
	c.closed = true
	c.lifeMu.Unlock()

	c.Stop()
	c.inflight.Wait()
	// a background context never fails the acquire
	_ = c.running.Acquire(context.Background(), 1)
	defer c.running.Release(1)
	return c.close()
}

// compact runs at most one job. It reports whether anything was merged.
// A forced compaction waits for the running one; a background pass backs off.
func (c *SizeTieredCompactor) compact(ctx context.Context, force bool) (bool, error) {
	if force {
		if err := c.running.Acquire(ctx, 1); err != nil {
			return false, err
		}
	} else if !c.running.TryAcquire(1) {
		c.logger.Debug("compaction already running")
		return false, nil
	}
	defer c.running.Release(1)

	j := c.selectJob(force)
	if j == nil {
		return false, nil
	}
	if err := c.run(ctx, j); err != nil {
		c.logger.Error("compaction failed", "generation", j.generation, "inputs", len(j.inputs), "error", err.Error())
		return false, err
	}
	return true, nil
}

// selectJob picks the inputs and pins each with an extra reference.
func (c *SizeTieredCompactor) selectJob(force bool) *job {
	c.mu.Lock()
	defer c.mu.Unlock()

	var j *job
	if force {
		if len(c.segments) < 2 && !c.hasTombstonesLocked() {
			return nil
		}
		gen := 0
		for _, s := range c.segments {
			gen = max(gen, s.generation)
		}
		j = &job{
			generation: gen,
			inputs:     slices.Clone(c.segments),
			purge:      true,
			reason:     "forced",
		}
	} else {
		j = c.planLocked()
		if j == nil {
			return nil
		}
	}

	for _, s := range j.inputs {
		s.ref.Increment()
	}
	return j
}

func (c *SizeTieredCompactor) hasTombstonesLocked() bool {
	for _, s := range c.segments {
		if stats, _ := s.reader.Statistics(); stats.Tombstones > 0 {
			return true
		}
	}
	return false
}

// planLocked walks the list from the oldest segment and returns the first
// contiguous same-generation run that reaches minMerge. Only the oldest
// maxMerge segments of the run are taken.
func (c *SizeTieredCompactor) planLocked() *job {
	n := len(c.segments)
	end := n
	for end > 0 {
		gen := c.segments[end-1].generation
		start := end - 1
		for start > 0 && c.segments[start-1].generation == gen {
			start--
		}
		if end-start >= c.minMerge && gen < common.MaxGeneration {
			from := max(start, end-c.maxMerge)
			return &job{
				generation: gen,
				inputs:     slices.Clone(c.segments[from:end]),
				purge:      end == n,
				reason:     fmt.Sprintf("generation %d has %d segments (min %d)", gen, end-start, c.minMerge),
			}
		}
		end = start
	}
	return nil
}

// run merges the inputs into one segment and swaps it into the active set.
func (c *SizeTieredCompactor) run(ctx context.Context, j *job) (err error) {
	start := time.Now()
	var written int64
	defer func() {
		if c.tracker != nil {
			c.tracker.CompactionFinished(j.generation, len(j.inputs), written, time.Since(start), err)
		}
	}()
	defer func() {
		for _, s := range j.inputs {
			if derr := s.ref.Decrement(); derr != nil {
				c.logger.Warn("failed to unpin compaction input", "segment", s.reader.Name(), "error", derr.Error())
			}
		}
	}()

	c.logger.Info("starting compaction", "generation", j.generation, "inputs", len(j.inputs), "reason", j.reason)

	iters := make([]sorted.Iterator, 0, len(j.inputs))
	parents := make([]string, 0, len(j.inputs))
	for _, s := range j.inputs {
		it, err := s.reader.ScanRange(sorted.Unbounded(), sorted.Unbounded(), true, nil)
		if err != nil {
			for _, open := range iters {
				open.Close()
			}
			return fmt.Errorf("scan %s: %w", s.reader.Name(), err)
		}
		iters = append(iters, it)
		parents = append(parents, s.reader.Name())
	}
	merged := sorted.NewMergeIterator(c.factory.Comparator, iters, sorted.MergeOptions{
		Ascending:      true,
		KeepTombstones: true,
	})

	outGen := min(j.generation+1, common.MaxGeneration)
	path, _ := c.fileset.NextFilename()
	b := c.factory.NewBuilder(path, j.inputs[0].sequence, outGen)
	b.SetParents(parents)
	if j.purge {
		b.DropTombstones()
	}

	addErr := addAll(ctx, b, merged)
	if err := errors.Join(addErr, merged.Close()); err != nil {
		return fmt.Errorf("merge inputs: %w", err)
	}

	info, err := b.Finish()
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	written = info.Size

	var out *segment.Reader
	if info.Entries > 0 {
		out, err = c.openVerified(info.Path)
		if err != nil {
			return err
		}
	} else {
		// everything was deleted; the inputs simply go away
		utils.RemoveIfExists(info.Path)
	}

	installed, err := c.install(j, out)
	if err != nil || !installed {
		if out != nil {
			out.MarkForDeletion()
			out.Close()
		}
		return err
	}

	c.logger.Info("compaction completed",
		"generation", fmt.Sprintf("G%d->G%d", j.generation, outGen),
		"inputs", len(j.inputs),
		"entries", info.Entries,
		"bytes", info.Size,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// openVerified opens a compaction output and checks its body digest before
// the output replaces anything.
func (c *SizeTieredCompactor) openVerified(path string) (*segment.Reader, error) {
	out, err := c.factory.Open(path)
	if err != nil {
		utils.RemoveIfExists(path)
		return nil, fmt.Errorf("open output: %w", err)
	}
	if err := out.Verify(); err != nil {
		out.MarkForDeletion()
		out.Close()
		return nil, fmt.Errorf("verify output: %w", err)
	}
	return out, nil
}

func addAll(ctx context.Context, b *segment.Builder, it sorted.Iterator) error {
	for n := 0; it.Next(); n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := b.Add(sorted.Entry{Key: it.Key(), Value: it.Value(), Tombstone: it.Tombstone()}); err != nil {
			return err
		}
	}
	return it.Err()
}

// install replaces the inputs with out, which may be nil when the merge
// produced nothing. It reports false when the inputs left the active set
// while the merge ran.
func (c *SizeTieredCompactor) install(j *job, out *segment.Reader) (bool, error) {
	c.mu.Lock()
	remaining := slices.Clone(c.segments)
	for _, s := range j.inputs {
		i := slices.Index(remaining, s)
		if i < 0 {
			c.mu.Unlock()
			c.logger.Info("compaction inputs were cleared, discarding output")
			return false, nil
		}
		remaining = slices.Delete(remaining, i, i+1)
	}

	retired := make([]string, 0, len(j.inputs))
	for _, s := range j.inputs {
		retired = append(retired, s.reader.Path())
	}
	outPath, outGen := "", 0
	if out != nil {
		outPath, outGen = out.Path(), out.Generation()
	}
	if err := c.fileset.Replace(retired, outPath, outGen); err != nil {
		c.mu.Unlock()
		return false, err
	}

	c.segments = remaining
	if out != nil {
		c.insertLocked(c.wrap(out))
	}
	c.mu.Unlock()

	if out != nil && c.tracker != nil {
		c.tracker.FileAdded(outPath, outGen)
	}
	if err := c.retire(j.inputs, true); err != nil {
		c.logger.Warn("failed to release compaction inputs", "error", err.Error())
	}
	return true, nil
}
