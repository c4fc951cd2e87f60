// Package coinbase streams Coinbase Exchange's "matches" channel. Unlike
// exchanges_src/coinbase/book_stub.go (a TODO stub), this is a full
// implementation built on the shared adapter.wsAdapter dial loop.
package coinbase

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const wsURL = "wss://ws-feed.exchange.coinbase.com"

type matchMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
}

func buildURL(symbols []string) string {
	// coinbase's subscribe message is sent post-connect, not url-encoded;
	// the symbol set is carried in the adapter's Subscribe call instead.
	return wsURL
}

func parse(raw []byte) (feed.Update, bool, error) {
	var m matchMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return feed.Update{}, false, err
	}
	if m.Type != "match" && m.Type != "last_match" {
		return feed.Update{}, false, nil
	}
	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil {
		return feed.Update{}, false, err
	}
	var volume float64
	hasVolume := false
	if m.Size != "" {
		if v, err := strconv.ParseFloat(m.Size, 64); err == nil {
			volume, hasVolume = v, true
		}
	}
	ts := time.Now().UnixMilli()
	if parsed, err := time.Parse(time.RFC3339Nano, m.Time); err == nil {
		ts = parsed.UnixMilli()
	}
	return feed.Update{
		Symbol:      normalizeSymbol(m.ProductID),
		Price:       price,
		TimestampMs: ts,
		Confidence:  1.0,
		Volume:      volume,
		HasVolume:   hasVolume,
	}, true, nil
}

// normalizeSymbol converts Coinbase's "BTC-USD" form into the provider's
// "BTC/USD" canonical form.
func normalizeSymbol(raw string) string {
	return strings.ToUpper(strings.ReplaceAll(raw, "-", "/"))
}

func subscribeMessage(symbols []string) ([]byte, error) {
	productIDs := make([]string, len(symbols))
	for i, s := range symbols {
		productIDs[i] = strings.ReplaceAll(strings.ToUpper(s), "/", "-")
	}
	if len(productIDs) == 0 {
		productIDs = []string{"BTC-USD"}
	}
	return json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": productIDs,
		"channels":    []string{"matches"},
	})
}

func onConnect(conn *websocket.Conn, symbols []string) error {
	msg, err := subscribeMessage(symbols)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// New constructs a Coinbase adapter under the given registry name.
func New(name string) adapter.Adapter {
	return adapter.NewWSAdapterWithSubscribe(name, buildURL, parse, onConnect, adapter.Capabilities{
		Streaming:           true,
		Volume:              true,
		SupportedCategories: []feed.Category{feed.Crypto},
	})
}
