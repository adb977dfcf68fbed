// Package fileset names segment files for a store and remembers which
// generation each live file belongs to.
package fileset

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog/utils"
)

// Fileset is the naming and recovery authority for one store's segments.
//
// Names have the form <name>-<unixMillis>-<counter>.soplog. The timestamp is
// informational only; the counter makes names unique and ordered.
type Fileset struct {
	name string
	dir  string

	counter atomic.Uint64

	mu    sync.Mutex
	files map[string]int // file name -> generation

	logger common.Logger
}

// state is the persisted form of the fileset.
type state struct {
	Version uint16         `json:"version"`
	Counter uint64         `json:"counter"`
	Files   map[string]int `json:"files"`
}

// New creates a fileset rooted at dir.
func New(name, dir string, logger common.Logger) (*Fileset, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid store name %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, common.NewIOError("create store directory", dir, err)
	}
	return &Fileset{
		name:   name,
		dir:    dir,
		files:  make(map[string]int),
		logger: logger,
	}, nil
}

// Name returns the store name.
func (f *Fileset) Name() string { return f.name }

// Dir returns the store directory.
func (f *Fileset) Dir() string { return f.dir }

func (f *Fileset) statePath() string {
	return filepath.Join(f.dir, f.name+common.FilesetExtension)
}

// NextFilename returns a fresh segment path together with its counter value,
// which doubles as the segment sequence number.
func (f *Fileset) NextFilename() (string, uint64) {
	seq := f.counter.Add(1)
	name := fmt.Sprintf("%s-%d-%d%s", f.name, time.Now().UnixMilli(), seq, common.SegmentExtension)
	return filepath.Join(f.dir, name), seq
}

// ParseFilename extracts the counter from a segment file name belonging to
// this store.
func (f *Fileset) ParseFilename(name string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, f.name+"-") || !strings.HasSuffix(base, common.SegmentExtension) {
		return 0, false
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(base, f.name+"-"), common.SegmentExtension), "-")
	if len(parts) != 2 {
		return 0, false
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Recover rebuilds the generation -> paths mapping from the persisted state.
// Once a state file exists it is the only authority: files recorded but
// missing are dropped and segment files present but unrecorded are deleted.
// A directory without a state file adopts its segments at the flush
// generation. Paths in each generation are ordered by counter, oldest first.
func (f *Fileset) Recover() (map[int][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	persisted, found, err := f.loadState()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, common.NewIOError("list store directory", f.dir, err)
	}

	maxSeq := persisted.Counter
	f.files = make(map[string]int)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), f.name+"-") && strings.Contains(e.Name(), common.SegmentExtension+".tmp.") {
			// left behind by an interrupted write
			if err := utils.RemoveIfExists(filepath.Join(f.dir, e.Name())); err != nil {
				f.logger.Warn("failed to remove partial segment", "file", e.Name(), "error", err.Error())
			}
			continue
		}
		seq, ok := f.ParseFilename(e.Name())
		if !ok {
			continue
		}
		maxSeq = max(maxSeq, seq)
		gen, recorded := persisted.Files[e.Name()]
		switch {
		case recorded:
		case found:
			f.logger.Info("removing unrecorded segment", "file", e.Name())
			if err := utils.RemoveIfExists(filepath.Join(f.dir, e.Name())); err != nil {
				return nil, common.NewIOError("remove unrecorded segment", e.Name(), err)
			}
			continue
		default:
			f.logger.Info("adopting segment without fileset", "file", e.Name())
			gen = common.GenerationFlush
		}
		f.files[e.Name()] = gen
	}
	for name := range persisted.Files {
		if _, ok := f.files[name]; !ok {
			f.logger.Warn("recorded segment is missing", "file", name)
		}
	}
	if maxSeq > f.counter.Load() {
		f.counter.Store(maxSeq)
	}

	out := make(map[int][]string)
	for name, gen := range f.files {
		out[gen] = append(out[gen], filepath.Join(f.dir, name))
	}
	for gen := range out {
		slices.SortFunc(out[gen], func(a, b string) int {
			sa, _ := f.ParseFilename(a)
			sb, _ := f.ParseFilename(b)
			return cmp.Compare(sa, sb)
		})
	}

	f.logger.Debug("fileset recovered", "name", f.name, "files", len(f.files), "counter", f.counter.Load())
	return out, f.saveLocked()
}

// loadState reads the persisted state. found is false when no state file
// exists yet.
func (f *Fileset) loadState() (st *state, found bool, err error) {
	st = &state{Files: map[string]int{}}
	data, err := os.ReadFile(f.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return st, false, nil
	}
	if err != nil {
		return nil, false, common.NewIOError("read fileset", f.statePath(), err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, false, fmt.Errorf("%w: fileset %s: %v", common.ErrCorrupt, f.statePath(), err)
	}
	if st.Version != common.VersionFileset {
		return nil, false, fmt.Errorf("%w: fileset 0x%04x", common.ErrUnsupportedVersion, st.Version)
	}
	if st.Files == nil {
		st.Files = map[string]int{}
	}
	return st, true, nil
}

func (f *Fileset) saveLocked() error {
	data, err := json.MarshalIndent(state{
		Version: common.VersionFileset,
		Counter: f.counter.Load(),
		Files:   f.files,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fileset: %w", err)
	}
	if err := utils.WriteFileAtomic(f.statePath(), data); err != nil {
		return common.NewIOError("write fileset", f.statePath(), err)
	}
	return nil
}

// Record marks path as a live file of the given generation.
func (f *Fileset) Record(path string, generation int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filepath.Base(path)] = generation
	return f.saveLocked()
}

// Replace atomically swaps retired files for their replacement.
func (f *Fileset) Replace(retired []string, path string, generation int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range retired {
		delete(f.files, filepath.Base(p))
	}
	if path != "" {
		f.files[filepath.Base(path)] = generation
	}
	return f.saveLocked()
}

// Forget drops paths from the live set. The files themselves are untouched.
func (f *Fileset) Forget(paths ...string) error {
	return f.Replace(paths, "", 0)
}

// Files returns the live file names, ordered by counter.
func (f *Fileset) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for name := range f.files {
		out = append(out, name)
	}
	slices.SortFunc(out, func(a, b string) int {
		sa, _ := f.ParseFilename(a)
		sb, _ := f.ParseFilename(b)
		return cmp.Compare(sa, sb)
	})
	return out
}

// Destroy removes every segment of this store and the persisted state.
func (f *Fileset) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return common.NewIOError("list store directory", f.dir, err)
	}
	var errs []error
	for _, e := range entries {
		if _, ok := f.ParseFilename(e.Name()); !ok {
			continue
		}
		if err := utils.RemoveIfExists(filepath.Join(f.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := utils.RemoveIfExists(f.statePath()); err != nil {
		errs = append(errs, err)
	}
	f.files = make(map[string]int)
	if err := errors.Join(errs...); err != nil {
		return common.NewIOError("destroy fileset", f.dir, err)
	}
	return nil
}
