// Package persistence stores bars that have aged out of the in-memory cache.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

// ArchiveConfig selects the badger directory. An empty Path keeps the archive in memory.
type ArchiveConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string        `mapstructure:"path" yaml:"path" json:"path"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl" validate:"gte=0"`
}

// BarArchive persists bars in BadgerDB under bar:<symbol>:<windowStart ms>.
type BarArchive struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

// OpenBarArchive opens or creates the archive described by cfg.
func OpenBarArchive(cfg ArchiveConfig, logger *zap.Logger) (*BarArchive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bar archive: %w", err)
	}
	return &BarArchive{db: db, ttl: cfg.TTL, logger: logger.Named("archive")}, nil
}

func barPrefix(symbol string) []byte {
	return []byte("bar:" + symbol + ":")
}

// barKey zero-pads the timestamp so keys sort chronologically.
func barKey(symbol string, start time.Time) []byte {
	return []byte(fmt.Sprintf("bar:%s:%020d", symbol, start.UnixMilli()))
}

// Archive writes bars for symbol in one transaction.
func (a *BarArchive) Archive(symbol string, bars []models.CompressedBar) error {
	if len(bars) == 0 {
		return nil
	}
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, b := range bars {
		val, err := json.Marshal(b)
		if err != nil {
			return err
		}
		e := badger.NewEntry(barKey(symbol, b.WindowStart), val)
		if a.ttl > 0 {
			e = e.WithTTL(a.ttl)
		}
		if err := wb.SetEntry(e); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	a.logger.Debug("Archived bars", zap.String("symbol", symbol), zap.Int("bars", len(bars)))
	return nil
}

// Range returns the archived bars of symbol whose window starts inside r, oldest first.
func (a *BarArchive) Range(symbol string, r models.TimeRange) ([]models.CompressedBar, error) {
	if symbol == "" {
		return nil, errors.Invalid.Explain("symbol is required")
	}
	out := make([]models.CompressedBar, 0)
	prefix := barPrefix(symbol)
	seek := prefix
	if !r.From.IsZero() {
		seek = barKey(symbol, r.From)
	}

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var bar models.CompressedBar
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &bar)
			}); err != nil {
				return err
			}
			// keys sort by window start, so the first bar outside r ends the scan
			if !r.Contains(bar.WindowStart) {
				break
			}
			out = append(out, bar)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (a *BarArchive) Close() error {
	return a.db.Close()
}
