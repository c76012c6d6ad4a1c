// Package balance converts the heterogeneous upstream balance shapes into the
// canonical cents-valued record forwarded downstream.
package balance

import (
	"log"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/optionproxy/optionproxy/errs"
	"github.com/optionproxy/optionproxy/internal/schema"
)

// Upstream type codes distinguishing account flavors.
const (
	typeReal = 1
	typeDemo = 4
)

// minorUnitsFloor is the integer threshold above which an integral upstream
// amount is assumed to already be expressed in minor units.
const minorUnitsFloor = 100_000

type record struct {
	ID       schema.FlexID `json:"id"`
	Type     int           `json:"type"`
	Amount   json.Number   `json:"amount"`
	Currency string        `json:"currency"`
	IsDemo   *bool         `json:"is_demo"`
	Demo     *bool         `json:"demo"`
}

func (r record) demoFlag() (bool, bool) {
	if r.IsDemo != nil {
		return *r.IsDemo, true
	}
	if r.Demo != nil {
		return *r.Demo, true
	}
	return false, false
}

// Normalizer selects and converts upstream balance records for one session.
type Normalizer struct {
	flavor schema.AccountFlavor
	logger *log.Logger
}

// NewNormalizer builds a normalizer for the requested account flavor.
func NewNormalizer(flavor schema.AccountFlavor, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Normalizer{flavor: flavor.Normalize(), logger: logger}
}

// Normalize decodes a balance-changed or balances frame body and returns the
// canonical balance for the session's flavor. The body is either a single
// record, an array of records, or either of those nested under msg.
func (n *Normalizer) Normalize(body json.RawMessage) (schema.Balance, error) {
	records, err := decodeRecords(body)
	if err != nil {
		return schema.Balance{}, errs.New("balance/normalize", errs.CodeInvalid,
			errs.WithMessage("unrecognised balance frame"), errs.WithCause(err))
	}
	if len(records) == 0 {
		return schema.Balance{}, errs.New("balance/normalize", errs.CodeInvalid,
			errs.WithMessage("balance frame carries no records"))
	}

	chosen, fallback := n.selectRecord(records)
	if fallback {
		n.logger.Printf("balance: no %s record matched, using fallback id=%s currency=%s",
			n.flavor, chosen.ID, chosen.Currency)
	}

	cents, err := ToCents(chosen.Amount)
	if err != nil {
		return schema.Balance{}, errs.New("balance/normalize", errs.CodeInvalid,
			errs.WithMessage("unparseable balance amount"), errs.WithCause(err))
	}

	return schema.Balance{ID: chosen.ID, Amount: cents, Currency: chosen.Currency}, nil
}

// selectRecord applies the flavor policy: explicit type code or demo flag
// first, then the first USD record, then the first record. The second return
// reports whether the fallback path was taken.
func (n *Normalizer) selectRecord(records []record) (record, bool) {
	for _, r := range records {
		flag, hasFlag := r.demoFlag()
		switch n.flavor {
		case schema.FlavorDemo:
			if r.Type == typeDemo || (hasFlag && flag) {
				return r, false
			}
		default:
			if r.Type == typeReal || (hasFlag && !flag) {
				return r, false
			}
		}
	}
	for _, r := range records {
		if strings.EqualFold(strings.TrimSpace(r.Currency), "USD") {
			return r, true
		}
	}
	return records[0], true
}

// ToCents converts an upstream amount into integer minor units. Decimals are
// scaled by 100 and rounded; integers above the minor-units floor are taken
// as already scaled; small integers are treated as major units.
func ToCents(amount json.Number) (int64, error) {
	d, err := decimal.NewFromString(amount.String())
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
	}
	if d.Abs().GreaterThan(decimal.NewFromInt(minorUnitsFloor)) {
		return d.IntPart(), nil
	}
	return d.Mul(decimal.NewFromInt(100)).IntPart(), nil
}

func decodeRecords(body json.RawMessage) ([]record, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var records []record
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, err
		}
		return records, nil
	}

	// Single-record shape, possibly with the records nested under msg.
	var nested struct {
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && len(nested.Msg) > 0 && string(nested.Msg) != "null" {
		return decodeRecords(nested.Msg)
	}

	var single record
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	if single.ID == "" && single.Amount == "" {
		return nil, nil
	}
	return []record{single}, nil
}
