package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowchain/core/events"
	"escrowchain/core/types"
)

// engineState is the slice of the host ledger the engine needs. Implementations
// are expected to buffer writes for one call and commit or drop them as a
// unit; the engine additionally compensates its own transfer if persisting
// the escrow record fails.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine enforces the escrow transition table:
//
//	AwaitingPayment  --deposit(buyer, value>0)--> AwaitingDelivery
//	AwaitingDelivery --confirmDelivery(buyer)--> Complete
//	AwaitingDelivery --refundBuyer(arbiter)-->    Refunded
//
// Every other combination is rejected without touching state or balances.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source used for CreatedAt.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return types.NewAccount(), nil
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}

// transferValue moves amount between two ledger accounts. Both balances are
// checked before either account is written.
func (e *Engine) transferValue(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	if amt.Sign() == 0 || from == to {
		return nil
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromAcc.Balance, amt)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// settle moves value and then persists the updated record. If the record
// cannot be written the transfer is reversed so value and state stay coupled.
func (e *Engine) settle(esc *Escrow, from, to [20]byte, amount *big.Int) error {
	if err := e.transferValue(from, to, amount); err != nil {
		return err
	}
	if err := e.storeEscrow(esc); err != nil {
		if revertErr := e.transferValue(to, from, amount); revertErr != nil {
			return errors.Join(err, fmt.Errorf("escrow: revert transfer: %w", revertErr))
		}
		return err
	}
	return nil
}

// Create stores a new escrow in AwaitingPayment. The identifier is derived
// from the creator and its nonce so repeated submissions cannot collide.
func (e *Engine) Create(creator [20]byte, nonce uint64, buyer, seller, arbiter [20]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := validateParties(buyer, seller, arbiter); err != nil {
		return nil, err
	}
	id := DeriveID(creator, nonce)
	if _, exists, err := e.state.EscrowGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrEscrowExists
	}
	esc := &Escrow{
		ID:        id,
		Buyer:     buyer,
		Seller:    seller,
		Arbiter:   arbiter,
		Amount:    big.NewInt(0),
		State:     StateAwaitingPayment,
		CreatedAt: e.now(),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Deposit accepts value from the buyer and moves the escrow to
// AwaitingDelivery. A zero or negative value is rejected before anything else
// is looked at.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, value *big.Int) (*Escrow, error) {
	amount := cloneBigInt(value)
	if amount.Sign() <= 0 {
		return nil, reject(ErrInvalidAmount, ReasonZeroDeposit)
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if caller != esc.Buyer {
		return nil, reject(ErrUnauthorized, ReasonOnlyBuyer)
	}
	switch esc.State {
	case StateAwaitingPayment:
	case StateAwaitingDelivery, StateComplete, StateRefunded:
		return nil, reject(ErrInvalidState, ReasonInvalidState)
	default:
		return nil, fmt.Errorf("%w: %d", errCorruptState, esc.State)
	}

	esc.Amount = amount
	esc.State = StateAwaitingDelivery
	if err := e.settle(esc, esc.Buyer, esc.Vault(), amount); err != nil {
		return nil, err
	}
	e.emit(NewDepositedEvent(esc))
	return esc.Clone(), nil
}

// ConfirmDelivery releases the held amount to the seller. Only the buyer may
// call it and only while delivery is awaited.
func (e *Engine) ConfirmDelivery(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if caller != esc.Buyer {
		return nil, reject(ErrUnauthorized, ReasonOnlyBuyer)
	}
	switch esc.State {
	case StateAwaitingDelivery:
	case StateAwaitingPayment, StateComplete, StateRefunded:
		return nil, reject(ErrInvalidState, ReasonInvalidState)
	default:
		return nil, fmt.Errorf("%w: %d", errCorruptState, esc.State)
	}

	esc.FundsReleased = true
	esc.State = StateComplete
	if err := e.settle(esc, esc.Vault(), esc.Seller, esc.Amount); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(esc))
	return esc.Clone(), nil
}

// RefundBuyer returns the held amount to the buyer. Only the arbiter may call
// it and only while delivery is awaited.
func (e *Engine) RefundBuyer(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if caller != esc.Arbiter {
		return nil, reject(ErrUnauthorized, ReasonOnlyArbiter)
	}
	switch esc.State {
	case StateAwaitingDelivery:
	case StateAwaitingPayment, StateComplete, StateRefunded:
		return nil, reject(ErrInvalidState, ReasonInvalidState)
	default:
		return nil, fmt.Errorf("%w: %d", errCorruptState, esc.State)
	}

	esc.FundsRefunded = true
	esc.State = StateRefunded
	if err := e.settle(esc, esc.Vault(), esc.Buyer, esc.Amount); err != nil {
		return nil, err
	}
	e.emit(NewRefundedEvent(esc))
	return esc.Clone(), nil
}

// Get returns a copy of the stored escrow.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// HeldBalance returns the balance of the escrow's vault account.
func (e *Engine) HeldBalance(id [32]byte) (*big.Int, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	acc, err := e.loadAccount(esc.Vault())
	if err != nil {
		return nil, err
	}
	return cloneBigInt(acc.Balance), nil
}
