// models/amount.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNegativeAmount = errors.New("amount would become negative")
)

// Amount is an unsigned arbitrary-precision integer in token base units.
// The zero value is 0. Amounts are immutable; arithmetic returns new values.
type Amount struct {
	v *big.Int
}

func ZeroAmount() Amount { return Amount{} }

func NewAmount(u uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(u)}
}

// AmountFromBig copies b. Negative input is rejected.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, b.String())
	}
	return Amount{v: new(big.Int).Set(b)}, nil
}

// ParseAmount accepts a base-10 unsigned integer string.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if s[0] == '-' || s[0] == '+' {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: b}, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	return new(big.Int).Set(a.big())
}

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

// Sub returns a-b, or ErrNegativeAmount when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Cmp(b) < 0 {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrNegativeAmount, a, b)
	}
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}, nil
}

func (a Amount) Cmp(b Amount) int { return a.big().Cmp(b.big()) }
func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }
func (a Amount) IsZero() bool      { return a.big().Sign() == 0 }

func (a Amount) String() string { return a.big().String() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = Amount{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	if strings.ContainsAny(raw, ".eE") {
		return fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, raw)
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores amounts as decimal text so no driver applies numeric coercion.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := ParseAmount(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("%w: %d is negative", ErrInvalidAmount, v)
		}
		*a = NewAmount(uint64(v))
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidAmount, src)
	}
}

// GormDataType keeps the column textual on every dialect.
func (Amount) GormDataType() string {
	return "string"
}

// SumAmounts adds every element.
func SumAmounts(xs ...Amount) Amount {
	total := new(big.Int)
	for _, x := range xs {
		total.Add(total, x.big())
	}
	return Amount{v: total}
}
