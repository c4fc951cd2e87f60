// Package binance streams Binance's combined trade websocket, adapted from
// exchanges_src/binance/book.go's dial/reconnect/read loop — generalized
// here from orderbook depth diffs to individual trade prints, since the
// feed provider needs last-trade prices rather than book depth.
package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const baseStreamURL = "wss://stream.binance.com:9443/stream"

// tradeFrame mirrors Binance's combined-stream envelope around an
// individual @trade payload.
type tradeFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

func buildURL(symbols []string) string {
	if len(symbols) == 0 {
		return baseStreamURL + "?streams=btcusdt@trade"
	}
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = strings.ToLower(strings.ReplaceAll(s, "/", "")) + "@trade"
	}
	return fmt.Sprintf("%s?streams=%s", baseStreamURL, strings.Join(parts, "/"))
}

func parse(raw []byte) (feed.Update, bool, error) {
	var f tradeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return feed.Update{}, false, err
	}
	if f.Data.Symbol == "" || f.Data.Price == "" {
		return feed.Update{}, false, nil
	}
	price, err := strconv.ParseFloat(f.Data.Price, 64)
	if err != nil {
		return feed.Update{}, false, err
	}
	var volume float64
	hasVolume := false
	if f.Data.Qty != "" {
		if v, err := strconv.ParseFloat(f.Data.Qty, 64); err == nil {
			volume, hasVolume = v, true
		}
	}
	ts := f.Data.TradeTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return feed.Update{
		Symbol:      normalizeSymbol(f.Data.Symbol),
		Price:       price,
		TimestampMs: ts,
		Confidence:  1.0,
		Volume:      volume,
		HasVolume:   hasVolume,
	}, true, nil
}

// normalizeSymbol turns Binance's concatenated "BTCUSDT" into the
// provider's canonical "BTC/USD" form, folding USDT into USD per the
// provider-wide stablecoin normalization rule.
func normalizeSymbol(raw string) string {
	raw = strings.ToUpper(raw)
	for _, quote := range []string{"USDT", "USD", "USDC"} {
		if strings.HasSuffix(raw, quote) && len(raw) > len(quote) {
			base := raw[:len(raw)-len(quote)]
			return base + "/USD"
		}
	}
	return raw
}

// New constructs a Binance adapter under the given registry name.
func New(name string) adapter.Adapter {
	return adapter.NewWSAdapter(name, buildURL, parse, adapter.Capabilities{
		Streaming:           true,
		Volume:              true,
		SupportedCategories: []feed.Category{feed.Crypto},
	})
}
