// Package order constructs upstream order envelopes from downstream order
// requests: timeframe to option kind, expiry alignment, and stake scaling.
package order

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/optionproxy/optionproxy/errs"
	"github.com/optionproxy/optionproxy/internal/assets"
	"github.com/optionproxy/optionproxy/internal/schema"
)

// Upstream option kind codes.
const (
	KindTurbo  = 3  // M1 and custom expiries
	KindBinary = 12 // M5
	KindLong   = 13 // M15
)

// Protocol defaults observed on the upstream wire.
const (
	defaultPrice         = 10_000
	defaultProfitPercent = 88
)

// Direction of a binary option.
const (
	DirectionCall = "call"
	DirectionPut  = "put"
)

// Request is the downstream open-position command. Field pairs (amount/stake,
// expiration_size/duration) exist because different client builds emit
// different keys.
type Request struct {
	Direction      string          `json:"direction"`
	Amount         json.Number     `json:"amount"`
	Stake          json.Number     `json:"stake"`
	Active         json.RawMessage `json:"active_id"`
	Asset          json.RawMessage `json:"asset"`
	Timeframe      string          `json:"timeframe"`
	CustomSeconds  int64           `json:"custom_seconds"`
	OptionTypeID   int             `json:"option_type_id"`
	ExpirationSize int64           `json:"expiration_size"`
	Duration       int64           `json:"duration"`
	Price          int64           `json:"price"`
	ProfitPercent  int             `json:"profit_percent"`
	RefundValue    int             `json:"refund_value"`
}

// Envelope is the upstream binary-options.open-option body.
type Envelope struct {
	UserBalanceID  schema.FlexID `json:"user_balance_id"`
	ActiveID       int           `json:"active_id"`
	OptionTypeID   int           `json:"option_type_id"`
	Direction      string        `json:"direction"`
	ExpirationSize int64         `json:"expiration_size"`
	Expired        int64         `json:"expired"`
	Price          int64         `json:"price"`
	ProfitPercent  int           `json:"profit_percent"`
	RefundValue    int           `json:"refund_value"`
	Value          int64         `json:"value"`
}

// Built pairs an envelope with its correlation metadata.
type Built struct {
	RequestID string
	LocalTime int64
	Envelope  Envelope
}

// Builder constructs envelopes for one session. Request ids are unique and
// monotonic; local_time is the session-relative millisecond tick.
type Builder struct {
	registry *assets.Registry
	now      func() time.Time
	started  time.Time
	seq      atomic.Int64
}

// NewBuilder creates a builder over the shared asset registry.
func NewBuilder(registry *assets.Registry) *Builder {
	return newBuilderAt(registry, time.Now)
}

func newBuilderAt(registry *assets.Registry, now func() time.Time) *Builder {
	return &Builder{registry: registry, now: now, started: now()}
}

// Build validates the request and produces the upstream envelope.
// sessionBalanceID and sessionActive supply defaults cached on the session.
func (b *Builder) Build(req Request, sessionBalanceID schema.FlexID, sessionActive int) (Built, error) {
	direction := strings.ToLower(strings.TrimSpace(req.Direction))
	if direction != DirectionCall && direction != DirectionPut {
		return Built{}, badOrder("direction must be call or put")
	}

	if sessionBalanceID == "" {
		return Built{}, badOrder("no balance known for session yet")
	}

	stake := req.Stake
	if stake == "" {
		stake = req.Amount
	}
	value, err := stakeToCents(stake)
	if err != nil {
		return Built{}, err
	}

	activeID, err := b.resolveActive(req, sessionActive)
	if err != nil {
		return Built{}, err
	}

	now := b.now()
	kind, size, expired, err := expiry(req, now)
	if err != nil {
		return Built{}, err
	}

	price := req.Price
	if price <= 0 {
		price = defaultPrice
	}
	profit := req.ProfitPercent
	if profit <= 0 {
		profit = defaultProfitPercent
	}

	built := Built{
		RequestID: "ord_" + strconv.FormatInt(b.seq.Add(1), 10),
		LocalTime: now.Sub(b.started).Milliseconds(),
		Envelope: Envelope{
			UserBalanceID:  sessionBalanceID,
			ActiveID:       activeID,
			OptionTypeID:   kind,
			Direction:      direction,
			ExpirationSize: size,
			Expired:        expired,
			Price:          price,
			ProfitPercent:  profit,
			RefundValue:    req.RefundValue,
			Value:          value,
		},
	}
	return built, nil
}

func (b *Builder) resolveActive(req Request, sessionActive int) (int, error) {
	for _, candidate := range []json.RawMessage{req.Active, req.Asset} {
		if len(candidate) == 0 || string(candidate) == "null" {
			continue
		}
		id, _, err := b.registry.Resolve(candidate)
		if err != nil {
			return 0, errs.New("order/build", errs.CodeBadOrder,
				errs.WithMessage(errs.UserMessage(err)), errs.WithCause(err))
		}
		return id, nil
	}
	if sessionActive > 0 {
		return sessionActive, nil
	}
	return 0, badOrder("no active id given and none subscribed")
}

// expiry maps the requested timeframe onto an option kind and an aligned
// expiry instant. Custom durations expire exactly duration seconds from now.
func expiry(req Request, now time.Time) (kind int, size int64, expired int64, err error) {
	seconds := req.ExpirationSize
	if seconds == 0 {
		seconds = req.Duration
	}
	if seconds == 0 {
		seconds = req.CustomSeconds
	}

	tf := strings.ToUpper(strings.TrimSpace(req.Timeframe))
	if tf == "" {
		switch {
		case req.OptionTypeID == KindBinary || seconds == 300:
			tf = "M5"
		case req.OptionTypeID == KindLong || seconds == 900:
			tf = "M15"
		case seconds == 0 || seconds == 60:
			tf = "M1"
		default:
			tf = "CUSTOM"
		}
	}

	nowSec := now.Unix()
	switch tf {
	case "M1":
		return KindTurbo, 60, ceilTo(nowSec, 60), nil
	case "M5":
		return KindBinary, 300, ceilTo(nowSec, 300), nil
	case "M15":
		return KindLong, 900, ceilTo(nowSec, 900), nil
	case "CUSTOM":
		if seconds <= 0 {
			return 0, 0, 0, badOrder("custom expiry requires a positive duration")
		}
		return KindTurbo, seconds, nowSec + seconds, nil
	default:
		return 0, 0, 0, badOrder("unknown timeframe " + tf)
	}
}

func ceilTo(sec, step int64) int64 {
	if sec%step == 0 {
		return sec
	}
	return (sec/step + 1) * step
}

func stakeToCents(stake json.Number) (int64, error) {
	if stake == "" {
		return 0, badOrder("stake required")
	}
	d, err := decimal.NewFromString(stake.String())
	if err != nil {
		return 0, badOrder("unparseable stake " + stake.String())
	}
	if !d.IsPositive() {
		return 0, badOrder("stake must be > 0")
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
}

func badOrder(msg string) error {
	return errs.New("order/build", errs.CodeBadOrder, errs.WithMessage(msg))
}
