package ws

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

// MessageType is the envelope "type" of an inbound frame.
type MessageType string

const (
	TypePrice     MessageType = "price"
	TypeTrade     MessageType = "trade"
	TypeOrderBook MessageType = "orderbook"
	TypeTicker    MessageType = "ticker"
	TypeKPI       MessageType = "kpi"
	TypeNews      MessageType = "news"
	TypeError     MessageType = "error"
	// TypeGeneric marks frames with a type this package does not model.
	TypeGeneric MessageType = "message"
)

// Payload is the typed body of a Message.
type Payload interface {
	Kind() MessageType
}

// PricePayload is a last-price update with an optional top of book.
type PricePayload struct {
	Price  *float64 `json:"price"`
	Volume *float64 `json:"volume"`
	Bid    *float64 `json:"bid"`
	Ask    *float64 `json:"ask"`
}

// TradePayload is one executed trade.
type TradePayload struct {
	Price   *float64 `json:"price"`
	Size    *float64 `json:"size"`
	Side    string   `json:"side"`
	TradeID string   `json:"tradeId"`
}

// Level is one order book level encoded as [price, size].
type Level [2]float64

func (l Level) Price() float64 { return l[0] }
func (l Level) Size() float64  { return l[1] }

// OrderBookPayload is a book snapshot. Levels are not assumed to be sorted.
type OrderBookPayload struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// BestBid returns the highest bid level.
func (p OrderBookPayload) BestBid() (Level, bool) {
	var best Level
	found := false
	for _, l := range p.Bids {
		if l.Price() > 0 && (!found || l.Price() > best.Price()) {
			best, found = l, true
		}
	}
	return best, found
}

// BestAsk returns the lowest ask level.
func (p OrderBookPayload) BestAsk() (Level, bool) {
	var best Level
	found := false
	for _, l := range p.Asks {
		if l.Price() > 0 && (!found || l.Price() < best.Price()) {
			best, found = l, true
		}
	}
	return best, found
}

// TickerPayload is a rolling ticker summary.
type TickerPayload struct {
	Last    *float64 `json:"last"`
	Bid     *float64 `json:"bid"`
	Ask     *float64 `json:"ask"`
	BidSize *float64 `json:"bidSize"`
	AskSize *float64 `json:"askSize"`
	Volume  *float64 `json:"volume"`
	Open    *float64 `json:"open"`
	High    *float64 `json:"high"`
	Low     *float64 `json:"low"`
}

// KPIPayload is a named metric published by the source.
type KPIPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// NewsPayload is a headline, optionally tagged with symbols.
type NewsPayload struct {
	Headline string   `json:"headline"`
	Summary  string   `json:"summary"`
	URL      string   `json:"url"`
	Symbols  []string `json:"symbols"`
}

// ErrorPayload is an error reported by the source.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GenericPayload carries the raw data of a frame with an unmodeled type.
type GenericPayload struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}

func (PricePayload) Kind() MessageType     { return TypePrice }
func (TradePayload) Kind() MessageType     { return TypeTrade }
func (OrderBookPayload) Kind() MessageType { return TypeOrderBook }
func (TickerPayload) Kind() MessageType    { return TypeTicker }
func (KPIPayload) Kind() MessageType       { return TypeKPI }
func (NewsPayload) Kind() MessageType      { return TypeNews }
func (ErrorPayload) Kind() MessageType     { return TypeError }
func (GenericPayload) Kind() MessageType   { return TypeGeneric }

// Message is an inbound frame decoded at the connection boundary.
type Message struct {
	Type      MessageType
	Symbol    string
	Source    string
	Timestamp time.Time // zero when the frame carried none
	Received  time.Time
	Payload   Payload
}

type envelope struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
	Source    string          `json:"source"`
}

// Decode parses one frame. defaultSource is used when the frame names no source.
// Any failure is a ParseError.
func Decode(frame []byte, defaultSource string) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, errors.ParseError.Explain("invalid frame").Wrap(err)
	}
	if env.Type == "" {
		return Message{}, errors.ParseError.Explain("frame has no type")
	}
	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return Message{}, errors.ParseError.Explain("invalid timestamp in %s frame", env.Type).Wrap(err)
	}

	msg := Message{
		Type:      MessageType(env.Type),
		Symbol:    env.Symbol,
		Source:    env.Source,
		Timestamp: ts,
		Received:  time.Now(),
	}
	if msg.Source == "" {
		msg.Source = defaultSource
	}

	switch msg.Type {
	case TypePrice:
		msg.Payload, err = decodeData[PricePayload](env.Data)
	case TypeTrade:
		msg.Payload, err = decodeData[TradePayload](env.Data)
	case TypeOrderBook:
		msg.Payload, err = decodeData[OrderBookPayload](env.Data)
	case TypeTicker:
		msg.Payload, err = decodeData[TickerPayload](env.Data)
	case TypeKPI:
		msg.Payload, err = decodeData[KPIPayload](env.Data)
	case TypeNews:
		msg.Payload, err = decodeData[NewsPayload](env.Data)
	case TypeError:
		msg.Payload, err = decodeData[ErrorPayload](env.Data)
	default:
		msg.Payload = GenericPayload{Type: env.Type, Raw: env.Data}
		msg.Type = TypeGeneric
	}
	if err != nil {
		return Message{}, errors.ParseError.Explain("invalid %s payload", env.Type).Wrap(err)
	}
	return msg, nil
}

func decodeData[T Payload](data json.RawMessage) (T, error) {
	var p T
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return p, nil
	}
	err := json.Unmarshal(data, &p)
	return p, err
}

// parseTimestamp accepts epoch milliseconds (number or numeric string) or RFC 3339.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)), nil
}

// TickFromMessage converts a market data message into a tick.
// It returns false for messages that carry no quote data.
func TickFromMessage(msg Message) (models.Tick, bool) {
	if msg.Symbol == "" {
		return models.Tick{}, false
	}
	tick := models.Tick{
		Symbol:    msg.Symbol,
		Source:    msg.Source,
		Timestamp: msg.Timestamp,
	}
	switch p := msg.Payload.(type) {
	case PricePayload:
		tick.Price, tick.Volume, tick.Bid, tick.Ask = p.Price, p.Volume, p.Bid, p.Ask
	case TradePayload:
		tick.Price, tick.Volume = p.Price, p.Size
	case TickerPayload:
		tick.Price, tick.Volume = p.Last, p.Volume
		tick.Bid, tick.Ask = p.Bid, p.Ask
		tick.BidSize, tick.AskSize = p.BidSize, p.AskSize
	case OrderBookPayload:
		bid, hasBid := p.BestBid()
		ask, hasAsk := p.BestAsk()
		if !hasBid && !hasAsk {
			return models.Tick{}, false
		}
		if hasBid {
			tick.Bid, tick.BidSize = models.Float(bid.Price()), models.Float(bid.Size())
		}
		if hasAsk {
			tick.Ask, tick.AskSize = models.Float(ask.Price()), models.Float(ask.Size())
		}
		if hasBid && hasAsk {
			tick.Price = models.Float((bid.Price() + ask.Price()) / 2)
		}
	default:
		return models.Tick{}, false
	}
	return tick, true
}

// controlFrame is an outbound control message.
type controlFrame struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
