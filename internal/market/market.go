package market

import (
	"context"
	"fmt"
	"sort"

	"krakenclient/internal/exchange/kraken"
)

// Asset is one tradeable currency, keyed by its human readable altname
type Asset struct {
	Key             string `json:"key"`
	Altname         string `json:"altname"`
	Decimals        int    `json:"decimals"`
	DisplayDecimals int    `json:"display_decimals"`
}

// Pair is one trading pair, keyed by its websocket name (e.g. "XBT/USD").
// Base and Quote are already translated to altnames.
type Pair struct {
	Key          string `json:"key"`
	WSName       string `json:"wsname"`
	Altname      string `json:"altname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
}

// Table is the bidirectional translation between exchange ids and human
// names. It is built once and never mutated afterwards.
type Table struct {
	assets    map[string]Asset
	pairs     map[string]Pair
	translate map[string]string
}

// Source provides the raw metadata
type Source interface {
	Assets(ctx context.Context) (map[string]kraken.AssetInfo, error)
	AssetPairs(ctx context.Context) (map[string]kraken.AssetPairInfo, error)
}

// Load fetches assets then pairs and builds the table
func Load(ctx context.Context, src Source) (*Table, error) {
	assets, err := src.Assets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	pairs, err := src.AssetPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load asset pairs: %w", err)
	}
	return NewTable(assets, pairs), nil
}

// NewTable builds the table from raw exchange metadata
func NewTable(assets map[string]kraken.AssetInfo, pairs map[string]kraken.AssetPairInfo) *Table {
	t := &Table{
		assets:    make(map[string]Asset, len(assets)),
		pairs:     make(map[string]Pair, len(pairs)),
		translate: make(map[string]string, 2*(len(assets)+len(pairs))),
	}

	for key, info := range assets {
		alt := info.Altname
		if alt == "" {
			alt = key
		}
		t.assets[alt] = Asset{
			Key:             key,
			Altname:         alt,
			Decimals:        info.Decimals,
			DisplayDecimals: info.DisplayDecimals,
		}
		t.translate[key] = alt
		t.translate[alt] = key
	}

	for key, info := range pairs {
		// dark pool pairs carry no websocket name
		if info.WSName == "" {
			continue
		}
		t.pairs[info.WSName] = Pair{
			Key:          key,
			WSName:       info.WSName,
			Altname:      info.Altname,
			Base:         t.Translate(info.Base),
			Quote:        t.Translate(info.Quote),
			PairDecimals: info.PairDecimals,
			LotDecimals:  info.LotDecimals,
			OrderMin:     info.OrderMin,
		}
		t.translate[key] = info.WSName
		t.translate[info.WSName] = key
	}

	return t
}

// Translate maps an exchange id to its human name and back. Unknown names
// are returned unchanged.
func (t *Table) Translate(name string) string {
	if t == nil {
		return name
	}
	if v, ok := t.translate[name]; ok {
		return v
	}
	return name
}

// Pair returns the metadata of a websocket pair name
func (t *Table) Pair(wsname string) (Pair, bool) {
	if t == nil {
		return Pair{}, false
	}
	p, ok := t.pairs[wsname]
	return p, ok
}

// HasPair reports whether wsname is a known pair
func (t *Table) HasPair(wsname string) bool {
	_, ok := t.Pair(wsname)
	return ok
}

// Asset returns the metadata of an asset altname
func (t *Table) Asset(altname string) (Asset, bool) {
	if t == nil {
		return Asset{}, false
	}
	a, ok := t.assets[altname]
	return a, ok
}

// Pairs lists every known websocket pair name, sorted
func (t *Table) Pairs() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.pairs))
	for name := range t.pairs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
