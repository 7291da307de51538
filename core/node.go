// Package core wires the escrow engine to persistent state. A Node applies
// signed calls one at a time: each call runs against a fresh journal that is
// committed only if the engine accepted it. A rejected call still consumes
// the sender's nonce so its signed bytes cannot be replayed later.
package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowchain/core/events"
	"escrowchain/core/genesis"
	corestate "escrowchain/core/state"
	"escrowchain/core/types"
	"escrowchain/crypto"
	"escrowchain/native/escrow"
	"escrowchain/observability"
	"escrowchain/storage"
)

var tracer = otel.Tracer("escrowchain/core")

// Receipt describes an accepted call.
type Receipt struct {
	TxHash []byte
	Type   types.TxType
	Sender [20]byte
	Nonce  uint64
	Escrow *escrow.Escrow
	Events []*types.Event

	// HeldBalance is the vault balance as of this call's commit.
	HeldBalance *big.Int
}

// Node is the central controller, wiring storage, state and the escrow engine.
type Node struct {
	db      storage.Database
	state   *corestate.Manager
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64

	stateMu sync.Mutex
	closed  bool
}

// Option customises a Node.
type Option func(*Node)

// WithEmitter sets the destination of committed events.
func WithEmitter(emitter events.Emitter) Option {
	return func(n *Node) {
		if emitter != nil {
			n.emitter = emitter
		}
	}
}

// WithLogger sets the node logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock overrides the time source used for escrow creation timestamps.
func WithClock(now func() int64) Option {
	return func(n *Node) {
		if now != nil {
			n.nowFn = now
		}
	}
}

// NewNode creates a node over db. The node owns db and closes it in Close.
func NewNode(db storage.Database, opts ...Option) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	n := &Node{
		db:      db,
		state:   corestate.NewManager(db),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(slog.String("component", "core"))
	return n, nil
}

// InitGenesis credits the allocations once per database. It reports whether
// the allocations were applied by this call.
func (n *Node) InitGenesis(allocs []genesis.Allocation) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.closed {
		return false, ErrNodeClosed
	}

	applied, err := n.state.GenesisApplied()
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}
	journal := n.state.Begin()
	for _, alloc := range allocs {
		if alloc.Balance == nil || alloc.Balance.Sign() <= 0 {
			journal.Discard()
			return false, fmt.Errorf("genesis: allocation for %s must be positive", crypto.FromArray(alloc.Address))
		}
		acc, err := journal.GetAccount(alloc.Address[:])
		if err != nil {
			journal.Discard()
			return false, err
		}
		acc.Balance = new(big.Int).Add(acc.Balance, alloc.Balance)
		if err := journal.PutAccount(alloc.Address[:], acc); err != nil {
			journal.Discard()
			return false, err
		}
	}
	if err := journal.MarkGenesis(); err != nil {
		journal.Discard()
		return false, err
	}
	if err := journal.Commit(); err != nil {
		return false, err
	}
	n.logger.Info("genesis applied", slog.Int("accounts", len(allocs)))
	return true, nil
}

// Apply validates and executes one signed call. Once the signature and nonce
// check out, the nonce is consumed whatever the outcome: an engine rejection
// rolls back every escrow and balance write but commits the nonce bump.
func (n *Node) Apply(ctx context.Context, tx *types.Transaction) (receipt *Receipt, err error) {
	op := "unknown"
	if tx != nil && tx.Type.Valid() {
		op = tx.Type.String()
	}
	ctx, span := tracer.Start(ctx, "core.Apply", trace.WithAttributes(attribute.String("escrow.operation", op)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, escrow.Reason(err))
			n.logger.Debug("call rejected", slog.String("operation", op), slog.Any("error", err))
		}
		span.End()
		observability.Escrow().RecordOperation(op, Outcome(err))
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if !tx.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidTransaction, tx.Type)
	}
	sender, err := tx.Sender()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}

	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}

	account, err := n.state.GetAccount(sender[:])
	if err != nil {
		return nil, err
	}
	if tx.Nonce != account.Nonce {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, account.Nonce, tx.Nonce)
	}

	journal := n.state.Begin()
	buffer := &events.Buffer{}
	engine := escrow.NewEngine()
	engine.SetState(journal)
	engine.SetEmitter(buffer)
	engine.SetNowFunc(n.nowFn)

	result, err := execute(engine, tx, sender)
	if err != nil {
		journal.Discard()
		if bumpErr := n.consumeNonce(sender); bumpErr != nil {
			return nil, errors.Join(err, bumpErr)
		}
		return nil, err
	}
	held, err := engine.HeldBalance(result.ID)
	if err != nil {
		journal.Discard()
		return nil, err
	}

	account, err = journal.GetAccount(sender[:])
	if err != nil {
		journal.Discard()
		return nil, err
	}
	account.Nonce++
	if err := journal.PutAccount(sender[:], account); err != nil {
		journal.Discard()
		return nil, err
	}
	if err := journal.Commit(); err != nil {
		return nil, err
	}

	receipt = &Receipt{
		TxHash: hash,
		Type:   tx.Type,
		Sender: sender,
		Nonce:  tx.Nonce,
		Escrow: result,

		HeldBalance: held,
	}
	for _, evt := range buffer.Flush(n.emitter) {
		if payload, ok := evt.(interface{ Event() *types.Event }); ok && payload.Event() != nil {
			receipt.Events = append(receipt.Events, payload.Event().Clone())
		}
	}
	span.SetAttributes(attribute.String("escrow.id", hex.EncodeToString(result.ID[:])))
	n.logger.Info("call applied",
		slog.String("operation", op),
		slog.String("id", hex.EncodeToString(result.ID[:])),
		slog.String("sender", crypto.FromArray(sender).String()),
		slog.String("state", result.State.String()))
	return receipt, nil
}

// consumeNonce commits a nonce bump for sender on its own journal.
func (n *Node) consumeNonce(sender [20]byte) error {
	journal := n.state.Begin()
	account, err := journal.GetAccount(sender[:])
	if err != nil {
		journal.Discard()
		return err
	}
	account.Nonce++
	if err := journal.PutAccount(sender[:], account); err != nil {
		journal.Discard()
		return err
	}
	return journal.Commit()
}

func execute(engine *escrow.Engine, tx *types.Transaction, sender [20]byte) (*escrow.Escrow, error) {
	if tx.Type != types.TxTypeDeposit && tx.Value != nil && tx.Value.Sign() != 0 {
		return nil, fmt.Errorf("%w: %s does not accept value", ErrInvalidTransaction, tx.Type)
	}
	if tx.Type == types.TxTypeCreateEscrow {
		payload, err := types.DecodeCreatePayload(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
		}
		return engine.Create(sender, tx.Nonce, payload.Buyer, payload.Seller, payload.Arbiter)
	}

	id, err := tx.EscrowID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	switch tx.Type {
	case types.TxTypeDeposit:
		return engine.Deposit(id, sender, tx.Value)
	case types.TxTypeConfirmDelivery:
		return engine.ConfirmDelivery(id, sender)
	case types.TxTypeRefundBuyer:
		return engine.RefundBuyer(id, sender)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidTransaction, tx.Type)
	}
}

func (n *Node) reader() (*escrow.Engine, error) {
	if n.closed {
		return nil, ErrNodeClosed
	}
	engine := escrow.NewEngine()
	engine.SetState(n.state.Begin())
	return engine, nil
}

// Escrow returns the committed escrow record.
func (n *Node) Escrow(id [32]byte) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	engine, err := n.reader()
	if err != nil {
		return nil, err
	}
	return engine.Get(id)
}

// HeldBalance returns the value currently held by the escrow.
func (n *Node) HeldBalance(id [32]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	engine, err := n.reader()
	if err != nil {
		return nil, err
	}
	return engine.HeldBalance(id)
}

// EscrowWithBalance returns the committed escrow record together with its
// held balance, both read under the same lock.
func (n *Node) EscrowWithBalance(id [32]byte) (*escrow.Escrow, *big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	engine, err := n.reader()
	if err != nil {
		return nil, nil, err
	}
	esc, err := engine.Get(id)
	if err != nil {
		return nil, nil, err
	}
	held, err := engine.HeldBalance(id)
	if err != nil {
		return nil, nil, err
	}
	return esc, held, nil
}

// Account returns the committed account for addr.
func (n *Node) Account(addr [20]byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	return n.state.GetAccount(addr[:])
}

// Close releases the database. Further calls fail with ErrNodeClosed.
func (n *Node) Close() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.db.Close()
}

// Outcome classifies err for metrics labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, escrow.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, escrow.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, escrow.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return "not_found"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidNonce):
		return "invalid_nonce"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInvalidTransaction), errors.Is(err, escrow.ErrInvalidParties), errors.Is(err, escrow.ErrEscrowExists):
		return "invalid_transaction"
	default:
		return "error"
	}
}
