package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

func openTestArchive(t *testing.T) *BarArchive {
	t.Helper()
	a, err := OpenBarArchive(ArchiveConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBarArchiveRange(t *testing.T) {
	a := openTestArchive(t)
	start := time.Date(2024, 5, 6, 13, 30, 0, 0, time.UTC)

	var bars []models.CompressedBar
	for i := 0; i < 5; i++ {
		bars = append(bars, models.CompressedBar{
			Symbol:      "AAPL",
			WindowStart: start.Add(time.Duration(i) * time.Second),
			Open:        float64(i),
			Close:       float64(i),
			TradeCount:  1,
		})
	}
	// written out of order on purpose
	require.NoError(t, a.Archive("AAPL", bars[3:]))
	require.NoError(t, a.Archive("AAPL", bars[:3]))
	require.NoError(t, a.Archive("AAPLX", []models.CompressedBar{{Symbol: "AAPLX", WindowStart: start}}))

	t.Run("all", func(t *testing.T) {
		got, err := a.Range("AAPL", models.TimeRange{})
		require.NoError(t, err)
		require.Len(t, got, 5)
		for i, b := range got {
			assert.True(t, b.WindowStart.Equal(bars[i].WindowStart))
			assert.Equal(t, float64(i), b.Open)
		}
	})

	t.Run("bounded", func(t *testing.T) {
		got, err := a.Range("AAPL", models.TimeRange{From: start.Add(time.Second), To: start.Add(3 * time.Second)})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 1.0, got[0].Open)
		assert.Equal(t, 3.0, got[2].Open)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		got, err := a.Range("MSFT", models.TimeRange{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("missing symbol", func(t *testing.T) {
		_, err := a.Range("", models.TimeRange{})
		assert.True(t, errors.Is(err, errors.Invalid))
	})
}

func TestBarArchiveOverwritesSameWindow(t *testing.T) {
	a := openTestArchive(t)
	start := time.Unix(1700000000, 0).UTC()

	require.NoError(t, a.Archive("BTC", []models.CompressedBar{{Symbol: "BTC", WindowStart: start, Close: 1}}))
	require.NoError(t, a.Archive("BTC", []models.CompressedBar{{Symbol: "BTC", WindowStart: start, Close: 2}}))
	require.NoError(t, a.Archive("BTC", nil))

	got, err := a.Range("BTC", models.TimeRange{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Close)
}
