package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/tidwall/gjson"
)

// ErrMalformed marks a payload that cannot be decoded.
var ErrMalformed = errors.New("feed: malformed payload")

// DecodeFill parses a fill event. order_ref, price and quantity are required.
func DecodeFill(payload []byte) (broker.FillEvent, error) {
	var ev broker.FillEvent
	if !gjson.ValidBytes(payload) {
		return ev, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(payload)
	for _, field := range []string{"order_ref", "price", "quantity"} {
		if !doc.Get(field).Exists() {
			return ev, fmt.Errorf("%w: fill missing %s", ErrMalformed, field)
		}
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.OrderRef == "" || ev.Quantity == 0 || ev.Price < 0 || math.IsNaN(ev.Price) {
		return ev, fmt.Errorf("%w: fill %q has unusable values", ErrMalformed, ev.OrderRef)
	}
	return ev, nil
}

// DecodePositions parses the broker position list.
func DecodePositions(data []byte) ([]broker.PositionItem, error) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsArray() {
		return nil, fmt.Errorf("%w: positions must be a JSON array", ErrMalformed)
	}
	items := []broker.PositionItem{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, it := range items {
		if it.Symbol == "" {
			return nil, fmt.Errorf("%w: position %d has no symbol", ErrMalformed, i)
		}
	}
	return items, nil
}

// DecodeQuote parses a published mark. A bare number is accepted as the mark price.
func DecodeQuote(data []byte) (models.Quote, error) {
	var q models.Quote
	if !gjson.ValidBytes(data) {
		return q, fmt.Errorf("%w: invalid quote", ErrMalformed)
	}
	doc := gjson.ParseBytes(data)
	if doc.Type == gjson.Number {
		q.MarkPrice = doc.Float()
		return q, nil
	}
	if !doc.Get("mark_price").Exists() {
		return q, fmt.Errorf("%w: quote missing mark_price", ErrMalformed)
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return q, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return q, nil
}

// DecodeOpen parses an open request.
func DecodeOpen(payload []byte) (OpenRequest, error) {
	var req OpenRequest
	if !gjson.ValidBytes(payload) {
		return req, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return req, nil
}
