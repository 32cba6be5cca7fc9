// Package fees computes the platform fee owed on an escrow principal.
package fees

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Reference policy: 0.5% of the principal, rounded down.
const (
	DefaultNumerator   uint64 = 5
	DefaultDenominator uint64 = 1000
)

var (
	ErrInvalidRate = errors.New("invalid fee rate")
	ErrOverflow    = errors.New("fee computation overflows uint64")
)

// Policy is a fixed fee rate expressed as numerator/denominator.
type Policy struct {
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

// Default returns the reference 5/1000 policy.
func Default() Policy {
	return Policy{Numerator: DefaultNumerator, Denominator: DefaultDenominator}
}

// NewPolicy validates a rate. The rate may not exceed 100%.
func NewPolicy(numerator, denominator uint64) (Policy, error) {
	p := Policy{Numerator: numerator, Denominator: denominator}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate reports whether the rate is usable.
func (p Policy) Validate() error {
	if p.Denominator == 0 {
		return fmt.Errorf("%w: denominator must be positive", ErrInvalidRate)
	}
	if p.Numerator > p.Denominator {
		return fmt.Errorf("%w: %d/%d exceeds 100%%", ErrInvalidRate, p.Numerator, p.Denominator)
	}
	return nil
}

// Fee returns floor(amount * numerator / denominator). The intermediate
// product is computed in 256 bits so large principals never wrap.
func (p Policy) Fee(amount uint64) (uint64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(p.Numerator))
	q := new(uint256.Int).Div(prod, uint256.NewInt(p.Denominator))
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// Total returns amount plus its fee, the value locked at escrow creation.
func (p Policy) Total(amount uint64) (fee, total uint64, err error) {
	fee, err = p.Fee(amount)
	if err != nil {
		return 0, 0, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(amount), uint256.NewInt(fee))
	if overflow || !sum.IsUint64() {
		return 0, 0, ErrOverflow
	}
	return fee, sum.Uint64(), nil
}

// String renders the rate, e.g. "5/1000".
func (p Policy) String() string {
	return fmt.Sprintf("%d/%d", p.Numerator, p.Denominator)
}
