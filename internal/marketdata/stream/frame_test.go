package stream

import (
	"errors"
	"testing"
	"time"
)

const sampleFrame = `{"e":"24hrTicker","E":1690000000000,"s":"BTCUSDT","p":"1219.51","P":"2.5","w":"49800.1",
"c":"50000.00","Q":"0.01","o":"48780.49","h":"51000","l":"49000","v":"1000","q":"49800100",
"O":1689913600000,"C":1690000000000,"F":1,"L":9999,"n":9999}`

func TestParseFrame(t *testing.T) {
	tick, err := ParseFrame([]byte(sampleFrame))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if tick.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q", tick.Symbol)
	}
	// "C" (close time) and "L" (last trade id) must not clobber "c" and "l".
	if tick.Price.String() != "50000" || tick.PriceFloat() != 50000.0 {
		t.Errorf("Price = %s", tick.Price)
	}
	if tick.Low24h.String() != "49000" {
		t.Errorf("Low24h = %s", tick.Low24h)
	}
	if tick.ChangePct24h.String() != "2.5" || tick.Volume24h.String() != "1000" || tick.High24h.String() != "51000" {
		t.Errorf("24h fields = %+v", tick)
	}
	if !tick.EventTime.Equal(time.UnixMilli(1690000000000)) {
		t.Errorf("EventTime = %s", tick.EventTime)
	}
}

func TestParseFrame_CombinedEnvelope(t *testing.T) {
	raw := `{"stream":"ethusdt@ticker","data":{"e":"24hrTicker","E":1690000000000,"s":"ETHUSDT","c":"1850.10"}}`
	tick, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if tick.Symbol != "ETHUSDT" || tick.Price.String() != "1850.1" {
		t.Errorf("unexpected tick %+v", tick)
	}
	if !tick.Volume24h.IsZero() {
		t.Errorf("absent optional fields should be zero, got %s", tick.Volume24h)
	}
}

func TestParseFrame_NumericFields(t *testing.T) {
	tick, err := ParseFrame([]byte(`{"s":"btcusdt","c":50000.5,"P":-1.25,"E":1690000000000}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if tick.Symbol != "BTCUSDT" || tick.PriceFloat() != 50000.5 || tick.ChangePct24h.String() != "-1.25" {
		t.Errorf("unexpected tick %+v", tick)
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":         `garbage`,
		"subscription ack": `{"result":null,"id":1}`,
		"missing price":    `{"s":"BTCUSDT","E":1690000000000}`,
		"bad price":        `{"s":"BTCUSDT","c":"fifty"}`,
		"zero price":       `{"s":"BTCUSDT","c":"0.00"}`,
		"negative price":   `{"s":"BTCUSDT","c":"-1"}`,
		"wrong event":      `{"e":"trade","s":"BTCUSDT","c":"1"}`,
		"bad volume":       `{"s":"BTCUSDT","c":"1","v":"lots"}`,
		"bad event time":   `{"s":"BTCUSDT","c":"1","E":"yesterday"}`,
		"bad envelope":     `{"stream":"x","data":[1,2]}`,
	}
	for name, raw := range tests {
		if _, err := ParseFrame([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

func TestStreamURL(t *testing.T) {
	got := StreamURL("wss://stream.binance.com:9443/", []string{"BTCUSDT", "ETHUSDT"})
	want := "wss://stream.binance.com:9443/ws/btcusdt@ticker/ethusdt@ticker"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
