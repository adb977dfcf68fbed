package compaction

import (
	"context"

	"github.com/CVDpl/go-soplog/pkg/soplog/segment"
)

// NonCompactor never merges. Every flushed segment stays distinct until the
// set is cleared, which suits bounded or test stores.
type NonCompactor struct {
	activeSet
}

// NewNonCompactor creates a compactor that only tracks segments.
func NewNonCompactor(cfg Config) *NonCompactor {
	return &NonCompactor{activeSet: newActiveSet(cfg)}
}

// Compact reports success without touching the active set.
func (c *NonCompactor) Compact(ctx context.Context) (bool, error) {
	return true, nil
}

// CompactAsync reports success without touching the active set.
func (c *NonCompactor) CompactAsync(force bool, handler Handler) {
	if handler != nil {
		handler.Complete(true)
	}
}

func (c *NonCompactor) Add(info *segment.Info) error { return c.add(info) }

func (c *NonCompactor) Recover(ctx context.Context) error { return c.recover(ctx) }

func (c *NonCompactor) Clear() error { return c.clear() }

func (c *NonCompactor) Close() error { return c.close() }

// Tracker returns the tracker told about added and removed segments.
func (c *NonCompactor) Tracker() Tracker { return c.tracker }
