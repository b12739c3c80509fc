package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// InstrumentKind identifies the asset class of a leg.
type InstrumentKind string

const (
	KindOption InstrumentKind = "option"
	KindFuture InstrumentKind = "future"
	KindEquity InstrumentKind = "equity"
)

// OptionRight is the put/call flag of an option contract.
type OptionRight string

const (
	RightCall OptionRight = "C"
	RightPut  OptionRight = "P"
)

// Instrument describes the contract a leg trades.
// BrokerSymbol, when set, overrides the generated symbol and is treated as opaque.
type Instrument struct {
	Expiry       time.Time      `json:"expiry,omitempty"`
	Kind         InstrumentKind `json:"kind"`
	Underlying   string         `json:"underlying"`
	Right        OptionRight    `json:"right,omitempty"`
	BrokerSymbol string         `json:"broker_symbol,omitempty"`
	Strike       float64        `json:"strike,omitempty"`
}

// NewOption builds an option instrument.
func NewOption(underlying string, expiry time.Time, right OptionRight, strike float64) Instrument {
	return Instrument{
		Kind:       KindOption,
		Underlying: strings.ToUpper(strings.TrimSpace(underlying)),
		Expiry:     expiry.UTC(),
		Right:      right,
		Strike:     strike,
	}
}

// NewFuture builds a futures instrument identified by its broker symbol (e.g. "/ESZ6").
func NewFuture(underlying, brokerSymbol string, expiry time.Time) Instrument {
	return Instrument{
		Kind:         KindFuture,
		Underlying:   strings.ToUpper(strings.TrimSpace(underlying)),
		Expiry:       expiry.UTC(),
		BrokerSymbol: brokerSymbol,
	}
}

// Symbol returns the key used to match this instrument against broker positions.
// Options without a broker symbol use OCC/OPRA format: TICKER[YYMMDD][C/P][STRIKE*1000 padded to 8 digits].
func (i Instrument) Symbol() string {
	if i.BrokerSymbol != "" {
		return i.BrokerSymbol
	}
	if i.Kind != KindOption {
		return i.Underlying
	}
	strike := int64(math.Round(i.Strike * 1000))
	return fmt.Sprintf("%s%s%s%08d", i.Underlying, i.Expiry.UTC().Format("060102"), i.Right, strike)
}

// Validate checks the descriptor is usable as a reconciliation key.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Underlying) == "" && i.BrokerSymbol == "" {
		return &ValidationError{Field: "instrument.underlying", Reason: "is required"}
	}
	switch i.Kind {
	case KindOption:
		if i.BrokerSymbol != "" {
			return nil
		}
		if i.Right != RightCall && i.Right != RightPut {
			return &ValidationError{Field: "instrument.right", Reason: fmt.Sprintf("must be C or P (got %q)", i.Right)}
		}
		if i.Strike <= 0 || math.IsNaN(i.Strike) || math.IsInf(i.Strike, 0) {
			return &ValidationError{Field: "instrument.strike", Reason: "must be > 0"}
		}
		if i.Expiry.IsZero() {
			return &ValidationError{Field: "instrument.expiry", Reason: "is required for options"}
		}
	case KindFuture, KindEquity:
	default:
		return &ValidationError{Field: "instrument.kind", Reason: fmt.Sprintf("unknown kind %q", i.Kind)}
	}
	return nil
}

// ExpiredAt reports whether the instrument's expiry date lies before now's date (UTC).
func (i Instrument) ExpiredAt(now time.Time) bool {
	if i.Expiry.IsZero() {
		return false
	}
	exp := i.Expiry.UTC().Truncate(24 * time.Hour)
	return now.UTC().Truncate(24 * time.Hour).After(exp)
}

// ParseOptionSymbol parses an OCC/OPRA option symbol into an Instrument.
// Example: SPY240315C00610000 -> SPY, 2024-03-15, call, 610.00
func ParseOptionSymbol(symbol string) (Instrument, error) {
	if len(symbol) < 16 {
		return Instrument{}, fmt.Errorf("option symbol too short: %s", symbol)
	}

	// Strike and right are fixed-width at the tail; the root may be space padded (21-char OSI form).
	expirationPos := len(symbol) - 15
	if !isAllDigits(symbol[expirationPos:expirationPos+6]) {
		return Instrument{}, fmt.Errorf("no 6-digit expiration date (YYMMDD) found in symbol: %s", symbol)
	}
	optionType := symbol[expirationPos+6]
	if optionType != 'C' && optionType != 'P' {
		return Instrument{}, fmt.Errorf("invalid option type '%c', expected 'C' or 'P' in symbol: %s", optionType, symbol)
	}
	underlying := strings.TrimSpace(symbol[:expirationPos])
	if underlying == "" {
		return Instrument{}, fmt.Errorf("missing underlying in symbol: %s", symbol)
	}

	expiry, err := time.Parse("060102", symbol[expirationPos:expirationPos+6])
	if err != nil {
		return Instrument{}, fmt.Errorf("invalid expiration in symbol %s: %w", symbol, err)
	}

	strikeStart := expirationPos + 7
	strikeStr := symbol[strikeStart:]
	if len(strikeStr) != 8 || !isAllDigits(strikeStr) {
		return Instrument{}, fmt.Errorf("invalid strike format, expected 8 digits but got '%s' in symbol: %s", strikeStr, symbol)
	}
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return Instrument{}, fmt.Errorf("failed to parse strike '%s' in symbol %s: %w", strikeStr, symbol, err)
	}

	return Instrument{
		Kind:       KindOption,
		Underlying: underlying,
		Expiry:     expiry.UTC(),
		Right:      OptionRight(string(optionType)),
		Strike:     float64(strikeInt) / 1000.0,
	}, nil
}

// isAllDigits checks if a string contains only digits
func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
