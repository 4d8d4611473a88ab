package marketdata

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// csvHeader is the first CSV row.
var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume", "tradeCount"}

// ParseFormat maps a query value to a Format; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", errors.Invalid.Explain("unsupported export format %q", s)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// ExportData serializes symbol's bars, oldest first.
func (e *Engine) ExportData(symbol string, format Format) ([]byte, error) {
	series, err := e.GetData(symbol, KindCompressed, nil)
	if err != nil {
		return nil, err
	}
	return EncodeBars(series.Bars, format)
}

// EncodeBars encodes bars as CSV (epoch-millisecond timestamps) or a JSON array.
func EncodeBars(bars []models.CompressedBar, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		if bars == nil {
			bars = []models.CompressedBar{}
		}
		return json.Marshal(bars)
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return nil, err
		}
		for _, b := range bars {
			row := []string{
				strconv.FormatInt(b.WindowStart.UnixMilli(), 10),
				decimal.NewFromFloat(b.Open).String(),
				decimal.NewFromFloat(b.High).String(),
				decimal.NewFromFloat(b.Low).String(),
				decimal.NewFromFloat(b.Close).String(),
				decimal.NewFromFloat(b.Volume).String(),
				strconv.Itoa(b.TradeCount),
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, errors.Invalid.Explain("unsupported export format %q", format)
}
