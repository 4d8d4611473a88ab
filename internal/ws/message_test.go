package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/quotefeed/pkg/errors"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    MessageType
		wantErr bool
	}{
		{"price", `{"type":"price","symbol":"AAPL","data":{"price":1}}`, TypePrice, false},
		{"trade", `{"type":"trade","symbol":"AAPL","data":{"price":1,"size":2}}`, TypeTrade, false},
		{"orderbook", `{"type":"orderbook","symbol":"AAPL","data":{"bids":[[1,2]],"asks":[[2,3]]}}`, TypeOrderBook, false},
		{"ticker", `{"type":"ticker","symbol":"AAPL","data":{"last":1}}`, TypeTicker, false},
		{"kpi", `{"type":"kpi","data":{"name":"latency","value":12}}`, TypeKPI, false},
		{"news", `{"type":"news","data":{"headline":"x","symbols":["AAPL"]}}`, TypeNews, false},
		{"error", `{"type":"error","data":{"code":4001,"message":"bad symbol"}}`, TypeError, false},
		{"unknown type", `{"type":"status","data":{"ok":true}}`, TypeGeneric, false},
		{"no data", `{"type":"price","symbol":"AAPL"}`, TypePrice, false},
		{"not json", `{{`, "", true},
		{"missing type", `{"symbol":"AAPL"}`, "", true},
		{"bad payload", `{"type":"trade","data":{"price":"abc"}}`, "", true},
		{"bad timestamp", `{"type":"price","timestamp":true}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame), "polygon")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ParseError))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Type)
			assert.Equal(t, tt.want, msg.Payload.Kind())
		})
	}
}

func TestDecodeTimestamps(t *testing.T) {
	want := time.UnixMilli(1700000000123)
	for _, raw := range []string{`1700000000123`, `"1700000000123"`, `"` + want.UTC().Format(time.RFC3339Nano) + `"`} {
		msg, err := Decode([]byte(`{"type":"price","timestamp":`+raw+`}`), "polygon")
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(msg.Timestamp), raw)
	}

	msg, err := Decode([]byte(`{"type":"price"}`), "polygon")
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.IsZero())
}

func TestTickFromMessage(t *testing.T) {
	decode := func(frame string) Message {
		msg, err := Decode([]byte(frame), "polygon")
		require.NoError(t, err)
		return msg
	}

	t.Run("price", func(t *testing.T) {
		tick, ok := TickFromMessage(decode(`{"type":"price","symbol":"AAPL","data":{"price":150.1,"volume":10,"bid":150,"ask":150.2},"timestamp":1700000000000}`))
		require.True(t, ok)
		assert.Equal(t, "AAPL", tick.Symbol)
		assert.Equal(t, "polygon", tick.Source)
		assert.Equal(t, 150.1, *tick.Price)
		assert.Equal(t, 10.0, *tick.Volume)
		assert.Equal(t, 150.0, *tick.Bid)
		assert.Equal(t, 150.2, *tick.Ask)
		assert.True(t, tick.HasTimestamp())
	})

	t.Run("trade", func(t *testing.T) {
		tick, ok := TickFromMessage(decode(`{"type":"trade","symbol":"AAPL","data":{"price":150.1,"size":3}}`))
		require.True(t, ok)
		assert.Equal(t, 3.0, *tick.Volume)
		assert.Nil(t, tick.Bid)
		assert.False(t, tick.HasTimestamp())
	})

	t.Run("trade without price", func(t *testing.T) {
		tick, ok := TickFromMessage(decode(`{"type":"trade","symbol":"AAPL","data":{"size":3}}`))
		require.True(t, ok)
		assert.Nil(t, tick.Price, "a missing price stays missing, not zero")
		assert.Equal(t, 3.0, *tick.Volume)
	})

	t.Run("ticker", func(t *testing.T) {
		tick, ok := TickFromMessage(decode(`{"type":"ticker","symbol":"AAPL","data":{"last":150,"bid":149.9,"ask":150.1,"bidSize":5,"askSize":7}}`))
		require.True(t, ok)
		assert.Equal(t, 150.0, *tick.Price)
		assert.Equal(t, 5.0, *tick.BidSize)
		assert.Equal(t, 7.0, *tick.AskSize)
		assert.Nil(t, tick.Volume)
	})

	t.Run("orderbook uses best levels", func(t *testing.T) {
		tick, ok := TickFromMessage(decode(`{"type":"orderbook","symbol":"AAPL","data":{"bids":[[149.5,1],[150,2]],"asks":[[150.4,4],[150.2,3]]}}`))
		require.True(t, ok)
		assert.Equal(t, 150.0, *tick.Bid)
		assert.Equal(t, 2.0, *tick.BidSize)
		assert.Equal(t, 150.2, *tick.Ask)
		assert.Equal(t, 3.0, *tick.AskSize)
		assert.InDelta(t, 150.1, *tick.Price, 1e-9)
	})

	t.Run("empty orderbook", func(t *testing.T) {
		_, ok := TickFromMessage(decode(`{"type":"orderbook","symbol":"AAPL","data":{"bids":[],"asks":[]}}`))
		assert.False(t, ok)
	})

	t.Run("non quote messages", func(t *testing.T) {
		_, ok := TickFromMessage(decode(`{"type":"news","symbol":"AAPL","data":{"headline":"x"}}`))
		assert.False(t, ok)
		_, ok = TickFromMessage(decode(`{"type":"price","data":{"price":1}}`))
		assert.False(t, ok, "symbol required")
	})
}
