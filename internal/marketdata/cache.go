package marketdata

import (
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/Aidin1998/quotefeed/pkg/models"
)

// Approximate serialized sizes used for cache accounting.
const (
	rawPointBytes = 96
	barBytes      = 128
)

type rawEntry struct {
	point models.DataPoint
	seq   uint64
}

func rawLess(a, b rawEntry) bool {
	if !a.point.Timestamp.Equal(b.point.Timestamp) {
		return a.point.Timestamp.Before(b.point.Timestamp)
	}
	return a.seq < b.seq
}

func barLess(a, b models.CompressedBar) bool {
	return a.WindowStart.Before(b.WindowStart)
}

// symbolCache holds one symbol's raw buffer, bars and pending batch.
// All fields are guarded by mu.
type symbolCache struct {
	mu sync.Mutex

	raw  *btree.BTreeG[rawEntry]
	bars *btree.BTreeG[models.CompressedBar]
	seq  uint64

	// pending holds points not yet folded into a window.
	pending []models.DataPoint
	// open is the window still accumulating points, nil once it closes.
	open *barBuilder
	// barEnd is the end of the last closed window.
	barEnd time.Time

	lastRaw    *models.DataPoint
	lastUpdate time.Time
	late       int64
}

func newSymbolCache() *symbolCache {
	opts := btree.Options{NoLocks: true}
	return &symbolCache{
		raw:  btree.NewBTreeGOptions(rawLess, opts),
		bars: btree.NewBTreeGOptions(barLess, opts),
	}
}

// storeRaw appends p to the raw buffer unless delta compression finds it identical
// to the previous stored point. It returns the points evicted by the cap.
func (c *symbolCache) storeRaw(p models.DataPoint, delta bool, capacity int) int {
	if delta && c.lastRaw != nil && samePoint(*c.lastRaw, p) {
		return 0
	}
	c.seq++
	c.raw.Set(rawEntry{point: p, seq: c.seq})
	last := p
	c.lastRaw = &last

	evicted := 0
	for capacity > 0 && c.raw.Len() > capacity {
		c.raw.PopMin()
		evicted++
	}
	return evicted
}

// storeBars appends closed bars and returns the bars evicted by the cap, oldest first.
func (c *symbolCache) storeBars(bars []models.CompressedBar, capacity int) []models.CompressedBar {
	for _, b := range bars {
		c.bars.Set(b)
	}
	var evicted []models.CompressedBar
	for capacity > 0 && c.bars.Len() > capacity {
		b, _ := c.bars.PopMin()
		evicted = append(evicted, b)
	}
	return evicted
}

// sweep drops raw points and bars older than cutoff and returns the dropped bars.
func (c *symbolCache) sweep(cutoff time.Time) (int, []models.CompressedBar) {
	dropped := 0
	for {
		e, ok := c.raw.Min()
		if !ok || !e.point.Timestamp.Before(cutoff) {
			break
		}
		c.raw.PopMin()
		dropped++
	}
	if c.raw.Len() == 0 {
		c.lastRaw = nil
	}

	var bars []models.CompressedBar
	for {
		b, ok := c.bars.Min()
		if !ok || !b.WindowStart.Before(cutoff) {
			break
		}
		c.bars.PopMin()
		bars = append(bars, b)
	}
	return dropped, bars
}

func (c *symbolCache) empty() bool {
	return c.raw.Len() == 0 && c.bars.Len() == 0 && len(c.pending) == 0 && c.open == nil
}

func (c *symbolCache) size() int64 {
	n := int64(c.raw.Len()+len(c.pending))*rawPointBytes + int64(c.bars.Len())*barBytes
	if c.open != nil {
		n += barBytes
	}
	return n
}

// unclosed counts the points not yet part of a closed bar.
func (c *symbolCache) unclosed() int {
	n := len(c.pending)
	if c.open != nil {
		n += c.open.bar.TradeCount
	}
	return n
}

// rawRange returns copies of the raw points inside r.
func (c *symbolCache) rawRange(r *models.TimeRange) []models.DataPoint {
	out := make([]models.DataPoint, 0)
	visit := func(e rawEntry) bool {
		if r != nil && !r.To.IsZero() && e.point.Timestamp.After(r.To) {
			return false
		}
		out = append(out, copyPoint(e.point))
		return true
	}
	if r == nil || r.From.IsZero() {
		c.raw.Scan(visit)
	} else {
		c.raw.Ascend(rawEntry{point: models.DataPoint{Timestamp: r.From}}, visit)
	}
	return out
}

// barRange returns the bars whose window starts inside r.
func (c *symbolCache) barRange(r *models.TimeRange) []models.CompressedBar {
	out := make([]models.CompressedBar, 0)
	visit := func(b models.CompressedBar) bool {
		if r != nil && !r.To.IsZero() && b.WindowStart.After(r.To) {
			return false
		}
		out = append(out, b)
		return true
	}
	if r == nil || r.From.IsZero() {
		c.bars.Scan(visit)
	} else {
		c.bars.Ascend(models.CompressedBar{WindowStart: r.From}, visit)
	}
	return out
}

func samePoint(a, b models.DataPoint) bool {
	return a.Price == b.Price && a.Volume == b.Volume &&
		equalOptional(a.Bid, b.Bid) && equalOptional(a.Ask, b.Ask)
}

func equalOptional(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyPoint(p models.DataPoint) models.DataPoint {
	if p.Bid != nil {
		p.Bid = models.Float(*p.Bid)
	}
	if p.Ask != nil {
		p.Ask = models.Float(*p.Ask)
	}
	return p
}
