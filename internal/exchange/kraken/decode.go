package kraken

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyFrame     = errors.New("kraken: empty frame")
	ErrMalformedFrame = errors.New("kraken: malformed frame")
)

// Shape is the top level JSON kind of a frame
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeArray
	ShapeObject
)

// FrameShape inspects the first significant byte of a frame
func FrameShape(raw []byte) Shape {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return ShapeUnknown
	}
	switch trimmed[0] {
	case '[':
		return ShapeArray
	case '{':
		return ShapeObject
	default:
		return ShapeUnknown
	}
}

// ArrayFrame is a channel data push. Public pushes look like
// [channelID, payload..., channelName, pair], private pushes like
// [payload, channelName, {"sequence": n}].
type ArrayFrame struct {
	ChannelName string
	Pair        string
	Payloads    []json.RawMessage
}

// Channel returns the channel name without its parameters ("book-25" -> "book")
func (f ArrayFrame) Channel() string {
	name, _, _ := strings.Cut(f.ChannelName, "-")
	return name
}

// ParseArrayFrame splits an array frame into channel name, pair and payloads
func ParseArrayFrame(raw []byte) (ArrayFrame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return ArrayFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	n := len(elems)
	if n < 2 {
		return ArrayFrame{}, ErrEmptyFrame
	}

	last, lastIsString := asString(elems[n-1])
	prev, prevIsString := asString(elems[n-2])

	switch {
	case lastIsString && prevIsString && n >= 3:
		return ArrayFrame{ChannelName: prev, Pair: last, Payloads: elems[1 : n-2]}, nil
	case prevIsString:
		return ArrayFrame{ChannelName: prev, Payloads: elems[:n-2]}, nil
	case lastIsString:
		return ArrayFrame{ChannelName: last, Payloads: elems[:n-1]}, nil
	default:
		return ArrayFrame{}, fmt.Errorf("%w: no channel name", ErrMalformedFrame)
	}
}

// ParseEnvelope reads the event name and reqid of an object frame
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return env, nil
}

type bookPayload struct {
	As [][]string `json:"as"`
	Bs [][]string `json:"bs"`
	A  [][]string `json:"a"`
	B  [][]string `json:"b"`
	C  string     `json:"c"`
}

// DecodeBook turns a book frame into the snapshot and/or diff it carries, in
// the order they must be applied
func DecodeBook(frame ArrayFrame) ([]BookMessage, error) {
	var snapshot, diff *BookMessage

	for _, raw := range frame.Payloads {
		var p bookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: book payload: %v", ErrMalformedFrame, err)
		}

		if p.As != nil || p.Bs != nil {
			if snapshot == nil {
				snapshot = &BookMessage{Pair: frame.Pair, Snapshot: true}
			}
			snapshot.Asks = append(snapshot.Asks, toBookLevels(p.As)...)
			snapshot.Bids = append(snapshot.Bids, toBookLevels(p.Bs)...)
			if p.C != "" {
				snapshot.Checksum = p.C
			}
		}
		if p.A != nil || p.B != nil {
			if diff == nil {
				diff = &BookMessage{Pair: frame.Pair}
			}
			diff.Asks = append(diff.Asks, toBookLevels(p.A)...)
			diff.Bids = append(diff.Bids, toBookLevels(p.B)...)
			if p.C != "" {
				diff.Checksum = p.C
			}
		}
	}

	var out []BookMessage
	if snapshot != nil {
		out = append(out, *snapshot)
	}
	if diff != nil {
		out = append(out, *diff)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: book frame without levels", ErrMalformedFrame)
	}
	return out, nil
}

func toBookLevels(rows [][]string) []BookLevel {
	levels := make([]BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		l := BookLevel{Price: row[0], Volume: row[1]}
		if len(row) > 2 {
			l.Timestamp = row[2]
		}
		if len(row) > 3 {
			l.UpdateType = row[3]
		}
		levels = append(levels, l)
	}
	return levels
}

// DecodeTrades reads the trades of a public trade frame
func DecodeTrades(frame ArrayFrame) ([]Trade, error) {
	if len(frame.Payloads) == 0 {
		return nil, fmt.Errorf("%w: trade frame without payload", ErrMalformedFrame)
	}
	var rows [][]string
	if err := json.Unmarshal(frame.Payloads[0], &rows); err != nil {
		return nil, fmt.Errorf("%w: trade payload: %v", ErrMalformedFrame, err)
	}

	trades := make([]Trade, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		t := Trade{
			Pair:      frame.Pair,
			Price:     row[0],
			Volume:    row[1],
			Time:      row[2],
			Side:      "sell",
			OrderType: "market",
		}
		if row[3] == "b" {
			t.Side = "buy"
		}
		if row[4] == "l" {
			t.OrderType = "limit"
		}
		if len(row) > 5 {
			t.Misc = row[5]
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// DecodeOpenOrders reads an openOrders push, keeping the order of records
func DecodeOpenOrders(frame ArrayFrame) ([]OrderUpdate, error) {
	records, err := decodeKeyedRecords(frame)
	if err != nil {
		return nil, err
	}
	out := make([]OrderUpdate, 0, len(records))
	for _, r := range records {
		out = append(out, OrderUpdate{ID: r.id, Fields: r.fields})
	}
	return out, nil
}

// DecodeOwnTrades reads an ownTrades push, keeping the order of records
func DecodeOwnTrades(frame ArrayFrame) ([]OwnTrade, error) {
	records, err := decodeKeyedRecords(frame)
	if err != nil {
		return nil, err
	}
	out := make([]OwnTrade, 0, len(records))
	for _, r := range records {
		out = append(out, OwnTrade{ID: r.id, Fields: r.fields})
	}
	return out, nil
}

type keyedRecord struct {
	id     string
	fields map[string]interface{}
}

// decodeKeyedRecords reads [{id: {...}}, {id: {...}}]. Keys inside one
// object are sorted since JSON objects carry no order.
func decodeKeyedRecords(frame ArrayFrame) ([]keyedRecord, error) {
	if len(frame.Payloads) == 0 {
		return nil, fmt.Errorf("%w: %s frame without payload", ErrMalformedFrame, frame.ChannelName)
	}

	var objects []map[string]json.RawMessage
	if err := json.Unmarshal(frame.Payloads[0], &objects); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, frame.ChannelName, err)
	}

	var out []keyedRecord
	for _, obj := range objects {
		ids := make([]string, 0, len(obj))
		for id := range obj {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			dec := json.NewDecoder(bytes.NewReader(obj[id]))
			dec.UseNumber()
			var fields map[string]interface{}
			if err := dec.Decode(&fields); err != nil {
				return nil, fmt.Errorf("%w: record %s: %v", ErrMalformedFrame, id, err)
			}
			if fields == nil {
				fields = map[string]interface{}{}
			}
			out = append(out, keyedRecord{id: id, fields: fields})
		}
	}
	return out, nil
}

func asString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
