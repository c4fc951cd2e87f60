// Package kraken streams Kraken's public "trade" websocket channel.
package kraken

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const wsURL = "wss://ws.kraken.com"

func buildURL(symbols []string) string { return wsURL }

func toKrakenPair(symbol string) string {
	// Kraken quotes in XBT, not BTC.
	parts := strings.SplitN(strings.ToUpper(symbol), "/", 2)
	if len(parts) != 2 {
		return symbol
	}
	base := parts[0]
	if base == "BTC" {
		base = "XBT"
	}
	return base + "/" + parts[1]
}

func fromKrakenPair(pair string) string {
	pair = strings.ToUpper(pair)
	if strings.HasPrefix(pair, "XBT/") {
		pair = "BTC" + pair[3:]
	}
	return pair
}

func subscribeMessage(symbols []string) ([]byte, error) {
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pairs = append(pairs, toKrakenPair(s))
	}
	if len(pairs) == 0 {
		pairs = []string{"XBT/USD"}
	}
	return json.Marshal(map[string]any{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": map[string]string{"name": "trade"},
	})
}

func onConnect(conn *websocket.Conn, symbols []string) error {
	msg, err := subscribeMessage(symbols)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// parse handles Kraken's positional trade array frames:
// [channelID, [[price, volume, time, side, orderType, misc], ...], "trade", pair]
// and ignores the keyed event frames (subscriptionStatus, heartbeat).
func parse(raw []byte) (feed.Update, bool, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return feed.Update{}, false, nil // keyed event frame, not an error
	}
	if len(frame) < 4 {
		return feed.Update{}, false, nil
	}
	var channelName string
	if err := json.Unmarshal(frame[2], &channelName); err != nil || channelName != "trade" {
		return feed.Update{}, false, nil
	}
	var pair string
	if err := json.Unmarshal(frame[3], &pair); err != nil {
		return feed.Update{}, false, nil
	}
	var trades [][]string
	if err := json.Unmarshal(frame[1], &trades); err != nil || len(trades) == 0 {
		return feed.Update{}, false, err
	}

	last := trades[len(trades)-1]
	if len(last) < 3 {
		return feed.Update{}, false, nil
	}
	price, err := strconv.ParseFloat(last[0], 64)
	if err != nil {
		return feed.Update{}, false, err
	}
	volume, hasVolume := 0.0, false
	if v, err := strconv.ParseFloat(last[1], 64); err == nil {
		volume, hasVolume = v, true
	}
	tsFloat, _ := strconv.ParseFloat(last[2], 64)
	ts := time.Now().UnixMilli()
	if tsFloat > 0 {
		ts = int64(tsFloat * 1000)
	}
	return feed.Update{
		Symbol:      fromKrakenPair(pair),
		Price:       price,
		TimestampMs: ts,
		Confidence:  1.0,
		Volume:      volume,
		HasVolume:   hasVolume,
	}, true, nil
}

// New constructs a Kraken adapter under the given registry name.
func New(name string) adapter.Adapter {
	return adapter.NewWSAdapterWithSubscribe(name, buildURL, parse, onConnect, adapter.Capabilities{
		Streaming:           true,
		Volume:              true,
		SupportedCategories: []feed.Category{feed.Crypto},
	})
}
