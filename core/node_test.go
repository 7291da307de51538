package core

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowchain/core/events"
	"escrowchain/core/genesis"
	"escrowchain/core/types"
	"escrowchain/crypto"
	"escrowchain/native/escrow"
	"escrowchain/storage"
)

type party struct {
	key   *crypto.PrivateKey
	addr  [20]byte
	nonce uint64
}

func newParty(t *testing.T) *party {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &party{key: key, addr: key.PubKey().Address().Array()}
}

type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) { r.types = append(r.types, evt.EventType()) }

type harness struct {
	node                   *Node
	emitter                *recordingEmitter
	buyer, seller, arbiter *party
	deployer, attacker     *party
}

func newHarness(t *testing.T, db storage.Database) *harness {
	t.Helper()
	h := &harness{emitter: &recordingEmitter{}}
	node, err := NewNode(db, WithEmitter(h.emitter), WithClock(func() int64 { return 1_700_000_000 }))
	require.NoError(t, err)
	t.Cleanup(node.Close)
	h.node = node
	h.buyer, h.seller, h.arbiter = newParty(t), newParty(t), newParty(t)
	h.deployer, h.attacker = newParty(t), newParty(t)
	applied, err := node.InitGenesis([]genesis.Allocation{
		{Address: h.buyer.addr, Balance: big.NewInt(10_000)},
		{Address: h.attacker.addr, Balance: big.NewInt(10_000)},
	})
	require.NoError(t, err)
	require.True(t, applied)
	return h
}

func (h *harness) call(t *testing.T, p *party, txType types.TxType, id [32]byte, value int64, data []byte) (*Receipt, error) {
	t.Helper()
	tx := &types.Transaction{Type: txType, Nonce: p.nonce, Data: data}
	if txType != types.TxTypeCreateEscrow {
		tx.Escrow = append([]byte(nil), id[:]...)
	}
	if value != 0 {
		tx.Value = big.NewInt(value)
	}
	require.NoError(t, tx.Sign(p.key.PrivateKey))
	receipt, err := h.node.Apply(context.Background(), tx)
	acc, accErr := h.node.Account(p.addr)
	require.NoError(t, accErr)
	p.nonce = acc.Nonce
	return receipt, err
}

func (h *harness) create(t *testing.T) [32]byte {
	t.Helper()
	data, err := types.EncodeCreatePayload(types.CreatePayload{Buyer: h.buyer.addr, Seller: h.seller.addr, Arbiter: h.arbiter.addr})
	require.NoError(t, err)
	receipt, err := h.call(t, h.deployer, types.TxTypeCreateEscrow, [32]byte{}, 0, data)
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingPayment, receipt.Escrow.State)
	return receipt.Escrow.ID
}

func (h *harness) balance(t *testing.T, p *party) int64 {
	t.Helper()
	acc, err := h.node.Account(p.addr)
	require.NoError(t, err)
	return acc.Balance.Int64()
}

func (h *harness) held(t *testing.T, id [32]byte) int64 {
	t.Helper()
	held, err := h.node.HeldBalance(id)
	require.NoError(t, err)
	return held.Int64()
}

func TestNodeReleaseFlow(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	require.Equal(t, escrow.DeriveID(h.deployer.addr, 0), id)

	receipt, err := h.call(t, h.buyer, types.TxTypeDeposit, id, 1_000, nil)
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDelivery, receipt.Escrow.State)
	require.Len(t, receipt.Events, 1)
	require.Equal(t, escrow.EventTypeEscrowDeposited, receipt.Events[0].Type)
	require.Equal(t, int64(1_000), receipt.HeldBalance.Int64())
	require.Equal(t, int64(1_000), h.held(t, id))
	require.Equal(t, int64(9_000), h.balance(t, h.buyer))

	receipt, err = h.call(t, h.buyer, types.TxTypeConfirmDelivery, id, 0, nil)
	require.NoError(t, err)
	require.Zero(t, receipt.HeldBalance.Sign())
	require.Equal(t, int64(1_000), h.balance(t, h.seller))
	require.Zero(t, h.held(t, id))

	esc, held, err := h.node.EscrowWithBalance(id)
	require.NoError(t, err)
	require.Zero(t, held.Sign())
	require.Equal(t, escrow.StateComplete, esc.State)
	require.True(t, esc.FundsReleased)
	require.Equal(t, []string{escrow.EventTypeEscrowCreated, escrow.EventTypeEscrowDeposited, escrow.EventTypeEscrowReleased}, h.emitter.types)
}

func TestNodeRefundFlow(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	_, err := h.call(t, h.buyer, types.TxTypeDeposit, id, 1_000, nil)
	require.NoError(t, err)

	_, err = h.call(t, h.arbiter, types.TxTypeRefundBuyer, id, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), h.balance(t, h.buyer))
	require.Zero(t, h.balance(t, h.seller))

	_, err = h.call(t, h.buyer, types.TxTypeConfirmDelivery, id, 0, nil)
	require.ErrorIs(t, err, escrow.ErrInvalidState)
	require.Equal(t, escrow.ReasonInvalidState, escrow.Reason(err))
}

func TestNodeRejectedCallsOnlyConsumeNonce(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	_, err := h.call(t, h.buyer, types.TxTypeDeposit, id, 1_000, nil)
	require.NoError(t, err)
	emitted := len(h.emitter.types)

	for i := 0; i < 5; i++ {
		_, err = h.call(t, h.attacker, types.TxTypeConfirmDelivery, id, 0, nil)
		require.ErrorIs(t, err, escrow.ErrUnauthorized)
		_, err = h.call(t, h.attacker, types.TxTypeRefundBuyer, id, 0, nil)
		require.ErrorIs(t, err, escrow.ErrUnauthorized)
		_, err = h.call(t, h.seller, types.TxTypeDeposit, id, 0, nil)
		require.ErrorIs(t, err, escrow.ErrInvalidAmount)
	}
	require.Equal(t, emitted, len(h.emitter.types))
	require.Equal(t, int64(1_000), h.held(t, id))
	require.Equal(t, int64(10_000), h.balance(t, h.attacker))

	acc, err := h.node.Account(h.attacker.addr)
	require.NoError(t, err)
	require.Equal(t, uint64(10), acc.Nonce)
	seller, err := h.node.Account(h.seller.addr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), seller.Nonce)
	require.Zero(t, seller.Balance.Sign())
}

func TestNodeRejectedCallCannotBeReplayed(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)

	early := &types.Transaction{Type: types.TxTypeRefundBuyer, Nonce: 0, Escrow: id[:]}
	require.NoError(t, early.Sign(h.arbiter.key.PrivateKey))
	_, err := h.node.Apply(context.Background(), early)
	require.ErrorIs(t, err, escrow.ErrInvalidState)

	_, err = h.call(t, h.buyer, types.TxTypeDeposit, id, 1_000, nil)
	require.NoError(t, err)

	_, err = h.node.Apply(context.Background(), early)
	require.ErrorIs(t, err, ErrInvalidNonce)
	esc, err := h.node.Escrow(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDelivery, esc.State)
	require.Equal(t, int64(1_000), h.held(t, id))
	require.Equal(t, int64(9_000), h.balance(t, h.buyer))

	// The arbiter can still act with a fresh nonce.
	h.arbiter.nonce = 1
	_, err = h.call(t, h.arbiter, types.TxTypeRefundBuyer, id, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), h.balance(t, h.buyer))
}

func TestNodeRejectedDepositRollsBackTransfer(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	_, err := h.call(t, h.buyer, types.TxTypeDeposit, id, 1_000, nil)
	require.NoError(t, err)

	_, err = h.call(t, h.buyer, types.TxTypeDeposit, id, 500, nil)
	require.ErrorIs(t, err, escrow.ErrInvalidState)
	require.Equal(t, uint64(2), h.buyer.nonce)
	require.Equal(t, int64(9_000), h.balance(t, h.buyer))
	require.Equal(t, int64(1_000), h.held(t, id))
}

func TestNodeNonceEnforced(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)

	replay := &types.Transaction{Type: types.TxTypeDeposit, Nonce: 0, Escrow: id[:], Value: big.NewInt(10)}
	require.NoError(t, replay.Sign(h.buyer.key.PrivateKey))
	_, err := h.node.Apply(context.Background(), replay)
	require.NoError(t, err)

	_, err = h.node.Apply(context.Background(), replay)
	require.ErrorIs(t, err, ErrInvalidNonce)

	future := &types.Transaction{Type: types.TxTypeConfirmDelivery, Nonce: 5, Escrow: id[:]}
	require.NoError(t, future.Sign(h.buyer.key.PrivateKey))
	_, err = h.node.Apply(context.Background(), future)
	require.ErrorIs(t, err, ErrInvalidNonce)
}

func TestNodeRejectsMalformedCalls(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)

	_, err := h.node.Apply(context.Background(), &types.Transaction{Type: types.TxTypeDeposit, Escrow: id[:], Value: big.NewInt(1)})
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = h.node.Apply(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = h.call(t, h.buyer, types.TxType(9), id, 0, nil)
	require.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = h.call(t, h.buyer, types.TxTypeCreateEscrow, id, 0, []byte{0x01})
	require.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = h.call(t, h.buyer, types.TxTypeConfirmDelivery, id, 5, nil)
	require.ErrorIs(t, err, ErrInvalidTransaction)

	var missing [32]byte
	_, err = h.call(t, h.buyer, types.TxTypeDeposit, missing, 5, nil)
	require.ErrorIs(t, err, escrow.ErrEscrowNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := &types.Transaction{Type: types.TxTypeDeposit, Nonce: h.buyer.nonce, Escrow: id[:], Value: big.NewInt(1)}
	require.NoError(t, tx.Sign(h.buyer.key.PrivateKey))
	_, err = h.node.Apply(ctx, tx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestNodeInsufficientFunds(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	_, err := h.call(t, h.buyer, types.TxTypeDeposit, id, 50_000, nil)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
	esc, err := h.node.Escrow(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingPayment, esc.State)
}

func TestNodeGenesisAppliedOnce(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	applied, err := h.node.InitGenesis([]genesis.Allocation{{Address: h.buyer.addr, Balance: big.NewInt(1)}})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, int64(10_000), h.balance(t, h.buyer))
}

func TestNodeStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	h := newHarness(t, db)
	id := h.create(t)
	_, err = h.call(t, h.buyer, types.TxTypeDeposit, id, 700, nil)
	require.NoError(t, err)
	h.node.Close()

	_, err = h.node.Escrow(id)
	require.ErrorIs(t, err, ErrNodeClosed)

	reopened, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	node, err := NewNode(reopened)
	require.NoError(t, err)
	defer node.Close()

	esc, err := node.Escrow(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDelivery, esc.State)
	held, err := node.HeldBalance(id)
	require.NoError(t, err)
	require.Equal(t, int64(700), held.Int64())
	acc, err := node.Account(h.buyer.addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), acc.Nonce)

	replay := &types.Transaction{Type: types.TxTypeDeposit, Nonce: 0, Escrow: id[:], Value: big.NewInt(700)}
	require.NoError(t, replay.Sign(h.buyer.key.PrivateKey))
	_, err = node.Apply(context.Background(), replay)
	require.ErrorIs(t, err, ErrInvalidNonce)

	next := &types.Transaction{Type: types.TxTypeConfirmDelivery, Nonce: 1, Escrow: id[:]}
	require.NoError(t, next.Sign(h.buyer.key.PrivateKey))
	receipt, err := node.Apply(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, escrow.StateComplete, receipt.Escrow.State)
	_, err = node.Apply(context.Background(), next)
	require.ErrorIs(t, err, ErrInvalidNonce)
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"success":             nil,
		"unauthorized":        &escrow.Error{Kind: escrow.ErrUnauthorized, Reason: escrow.ReasonOnlyBuyer},
		"invalid_amount":      &escrow.Error{Kind: escrow.ErrInvalidAmount, Reason: escrow.ReasonZeroDeposit},
		"invalid_state":       &escrow.Error{Kind: escrow.ErrInvalidState, Reason: escrow.ReasonInvalidState},
		"not_found":           escrow.ErrEscrowNotFound,
		"insufficient_funds":  escrow.ErrInsufficientFunds,
		"invalid_nonce":       ErrInvalidNonce,
		"invalid_signature":   ErrInvalidSignature,
		"invalid_transaction": escrow.ErrInvalidParties,
		"error":               errors.New("boom"),
	}
	for want, err := range cases {
		require.Equal(t, want, Outcome(err))
	}
}
