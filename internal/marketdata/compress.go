package marketdata

import (
	"sort"
	"time"

	"github.com/Aidin1998/quotefeed/pkg/models"
)

// barBuilder keeps the running OHLCV of one window, so points only need to be
// seen once no matter how many batches the window spans.
type barBuilder struct {
	bar         models.CompressedBar
	first, last time.Time
}

func newBarBuilder(symbol string, windowStart time.Time) *barBuilder {
	return &barBuilder{bar: models.CompressedBar{Symbol: symbol, WindowStart: windowStart}}
}

// add folds p into the bar. Among points with equal timestamps the first added
// keeps the open and the last added sets the close.
func (b *barBuilder) add(p models.DataPoint, sumVolume bool) {
	if b.bar.TradeCount == 0 {
		b.bar.Open, b.bar.High, b.bar.Low, b.bar.Close = p.Price, p.Price, p.Price, p.Price
		b.bar.Volume = p.Volume
		b.bar.TradeCount = 1
		b.first, b.last = p.Timestamp, p.Timestamp
		return
	}
	if p.Timestamp.Before(b.first) {
		b.bar.Open = p.Price
		b.first = p.Timestamp
	}
	if !p.Timestamp.Before(b.last) {
		b.bar.Close = p.Price
		b.last = p.Timestamp
		if !sumVolume {
			b.bar.Volume = p.Volume
		}
	}
	b.bar.High = max(b.bar.High, p.Price)
	b.bar.Low = min(b.bar.Low, p.Price)
	if sumVolume {
		b.bar.Volume += p.Volume
	}
	b.bar.TradeCount++
}

func (b *barBuilder) end(w time.Duration) time.Time {
	return b.bar.WindowStart.Add(w)
}

// windowBatch is the outcome of folding one pending batch.
type windowBatch struct {
	closed []models.CompressedBar
	open   *barBuilder
	late   int
}

// foldBatch folds points into consecutive windows of width w. open is the window
// carried over from earlier batches, nil if none; barEnd is the end of the last
// closed window. Points before the first window are late. The window left open at
// the end is closed when closeOpen reports true for its end.
func foldBatch(symbol string, points []models.DataPoint, open *barBuilder, barEnd time.Time, w time.Duration, sumVolume bool, closeOpen func(end time.Time) bool) windowBatch {
	out := windowBatch{open: open}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	var start time.Time
	switch {
	case open != nil:
		start = open.bar.WindowStart
	case len(points) > 0:
		start = points[0].Timestamp
		if !barEnd.IsZero() && start.Before(barEnd) {
			start = barEnd
		}
	}

	for _, p := range points {
		if p.Timestamp.Before(start) {
			out.late++
			continue
		}
		if out.open == nil || !p.Timestamp.Before(out.open.end(w)) {
			if out.open != nil {
				out.closed = append(out.closed, out.open.bar)
			}
			idx := p.Timestamp.Sub(start) / w
			out.open = newBarBuilder(symbol, start.Add(idx*w))
		}
		out.open.add(p, sumVolume)
	}

	if out.open != nil && closeOpen(out.open.end(w)) {
		out.closed = append(out.closed, out.open.bar)
		out.open = nil
	}
	return out
}
