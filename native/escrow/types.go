package escrow

import (
	"fmt"
	"math/big"
)

// State is the lifecycle position of an escrow. The numeric values are part
// of the public interface (currentState returns them).
type State uint8

const (
	StateAwaitingPayment  State = 0
	StateAwaitingDelivery State = 1
	StateComplete         State = 2
	StateRefunded         State = 3
)

func (s State) String() string {
	switch s {
	case StateAwaitingPayment:
		return "AWAITING_PAYMENT"
	case StateAwaitingDelivery:
		return "AWAITING_DELIVERY"
	case StateComplete:
		return "COMPLETE"
	case StateRefunded:
		return "REFUNDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Valid reports whether the state value is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingPayment, StateAwaitingDelivery, StateComplete, StateRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateRefunded
}

// Escrow is the persisted record of one escrow agreement. Buyer, Seller and
// Arbiter never change after creation; Amount is written once by Deposit.
type Escrow struct {
	ID            [32]byte
	Buyer         [20]byte
	Seller        [20]byte
	Arbiter       [20]byte
	Amount        *big.Int
	State         State
	FundsReleased bool
	FundsRefunded bool
	CreatedAt     int64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	return &clone
}

// Vault returns the address of the account holding this escrow's value.
func (e *Escrow) Vault() [20]byte { return VaultAddress(e.ID) }

// SanitizeEscrow validates the record against the escrow invariants and
// returns a normalised clone. Storage backends call it before every write so
// an inconsistent record can never be persisted.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if err := validateParties(clone.Buyer, clone.Seller, clone.Arbiter); err != nil {
		return nil, err
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid escrow state: %d", clone.State)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	funded := clone.State != StateAwaitingPayment
	if funded != (clone.Amount.Sign() > 0) {
		return nil, fmt.Errorf("escrow amount %s inconsistent with state %s", clone.Amount, clone.State)
	}
	if clone.FundsReleased != (clone.State == StateComplete) {
		return nil, fmt.Errorf("fundsReleased inconsistent with state %s", clone.State)
	}
	if clone.FundsRefunded != (clone.State == StateRefunded) {
		return nil, fmt.Errorf("fundsRefunded inconsistent with state %s", clone.State)
	}
	return clone, nil
}

func validateParties(buyer, seller, arbiter [20]byte) error {
	zero := [20]byte{}
	if buyer == zero || seller == zero || arbiter == zero {
		return fmt.Errorf("%w: buyer, seller and arbiter are required", ErrInvalidParties)
	}
	if buyer == seller || buyer == arbiter || seller == arbiter {
		return fmt.Errorf("%w: buyer, seller and arbiter must be distinct", ErrInvalidParties)
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
