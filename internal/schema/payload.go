package schema

import (
	json "github.com/goccy/go-json"
)

// AccountFlavor selects which upstream balance record a session trades with.
type AccountFlavor string

const (
	// FlavorReal selects the live money account.
	FlavorReal AccountFlavor = "real"
	// FlavorDemo selects the practice account.
	FlavorDemo AccountFlavor = "demo"
)

// Normalize maps unknown flavors onto the real account.
func (f AccountFlavor) Normalize() AccountFlavor {
	if f == FlavorDemo {
		return FlavorDemo
	}
	return FlavorReal
}

// Balance is the canonical account balance: integer minor units, always.
type Balance struct {
	ID       FlexID `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// BalancePayload is the downstream shape shared by the balance event trio.
type BalancePayload struct {
	Msg struct {
		CurrentBalance Balance `json:"current_balance"`
	} `json:"msg"`
}

// NewBalancePayload wraps a canonical balance in the downstream envelope.
func NewBalancePayload(b Balance) BalancePayload {
	var p BalancePayload
	p.Msg.CurrentBalance = b
	return p
}

// Candle is the downstream candle shape. Upstream frames carry min/max and
// size; downstream clients expect low/high and timeframe.
type Candle struct {
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	From      int64   `json:"from"`
	To        int64   `json:"to"`
	Timeframe int64   `json:"timeframe"`
	Volume    float64 `json:"volume"`
}

type rawCandle struct {
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
	Max       float64 `json:"max"`
	Min       float64 `json:"min"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	From      int64   `json:"from"`
	To        int64   `json:"to"`
	Size      int64   `json:"size"`
	Timeframe int64   `json:"timeframe"`
	Volume    float64 `json:"volume"`
}

// NormalizeCandle converts an upstream candle body into the downstream shape.
// Already-normalized payloads pass through unchanged.
func NormalizeCandle(raw json.RawMessage) (Candle, error) {
	var rc rawCandle
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Candle{}, err
	}
	high := rc.Max
	if high == 0 && rc.High != 0 {
		high = rc.High
	}
	low := rc.Min
	if low == 0 && rc.Low != 0 {
		low = rc.Low
	}
	timeframe := rc.Size
	if timeframe == 0 {
		timeframe = rc.Timeframe
	}
	return Candle{
		Open:      rc.Open,
		Close:     rc.Close,
		High:      high,
		Low:       low,
		From:      rc.From,
		To:        rc.To,
		Timeframe: timeframe,
		Volume:    rc.Volume,
	}, nil
}
