package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-pipeline/internal/model"
)

// ErrMalformedFrame marks a frame that is not a usable ticker event.
var ErrMalformedFrame = errors.New("malformed ticker frame")

const tickerEvent = "24hrTicker"

// ParseFrame decodes one ticker frame into a PriceTick.
//
// Accepted shapes:
//
//	{"e":"24hrTicker","E":1690000000000,"s":"BTCUSDT","c":"50000.00","P":"2.5","v":"1000","h":"51000","l":"49000",...}
//	{"stream":"btcusdt@ticker","data":{...same...}}
//
// Fields are looked up by exact key: the ticker payload carries keys that
// differ only by case ("c" last price vs "C" close time), which struct
// decoding would conflate.
func ParseFrame(raw []byte) (model.PriceTick, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.PriceTick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if data, ok := fields["data"]; ok {
		if _, combined := fields["stream"]; combined {
			fields = nil
			if err := json.Unmarshal(data, &fields); err != nil {
				return model.PriceTick{}, fmt.Errorf("%w: data: %v", ErrMalformedFrame, err)
			}
		}
	}

	if ev, ok := fields["e"]; ok {
		var name string
		if err := json.Unmarshal(ev, &name); err != nil || name != tickerEvent {
			return model.PriceTick{}, fmt.Errorf("%w: unexpected event %s", ErrMalformedFrame, ev)
		}
	}

	var symbol string
	if err := json.Unmarshal(fields["s"], &symbol); err != nil || symbol == "" {
		return model.PriceTick{}, fmt.Errorf("%w: missing symbol", ErrMalformedFrame)
	}

	tick := model.PriceTick{Symbol: model.NormalizeSymbol(symbol)}

	price, present, err := decimalField(fields, "c")
	if err != nil || !present {
		return model.PriceTick{}, fmt.Errorf("%w: %s: last price: missing or invalid", ErrMalformedFrame, tick.Symbol)
	}
	if !price.IsPositive() {
		return model.PriceTick{}, fmt.Errorf("%w: %s: non-positive price %s", ErrMalformedFrame, tick.Symbol, price)
	}
	tick.Price = price

	for key, dst := range map[string]*decimal.Decimal{
		"P": &tick.ChangePct24h,
		"v": &tick.Volume24h,
		"h": &tick.High24h,
		"l": &tick.Low24h,
	} {
		v, _, err := decimalField(fields, key)
		if err != nil {
			return model.PriceTick{}, fmt.Errorf("%w: %s: field %q: %v", ErrMalformedFrame, tick.Symbol, key, err)
		}
		*dst = v
	}

	tick.EventTime = time.Now().UTC()
	if ev, ok := fields["E"]; ok {
		var ms int64
		if err := json.Unmarshal(ev, &ms); err != nil {
			return model.PriceTick{}, fmt.Errorf("%w: %s: event time: %v", ErrMalformedFrame, tick.Symbol, err)
		}
		tick.EventTime = time.UnixMilli(ms).UTC()
	}
	return tick, nil
}

// decimalField reads a string- or number-encoded decimal. Absent keys
// return present=false and no error.
func decimalField(fields map[string]json.RawMessage, key string) (d decimal.Decimal, present bool, err error) {
	raw, ok := fields[key]
	if !ok {
		return decimal.Zero, false, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return decimal.Zero, true, err
	}
	return d, true, nil
}
