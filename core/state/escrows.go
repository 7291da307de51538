package state

import (
	"fmt"
	"math/big"

	"escrowchain/native/escrow"
)

type escrowRecord struct {
	ID            [32]byte
	Buyer         [20]byte
	Seller        [20]byte
	Arbiter       [20]byte
	Amount        *big.Int
	State         uint8
	FundsReleased bool
	FundsRefunded bool
	CreatedAt     uint64
}

func loadEscrow(r reader, id [32]byte) (*escrow.Escrow, bool, error) {
	var rec escrowRecord
	ok, err := decode(r, escrowKey(id), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	amount := big.NewInt(0)
	if rec.Amount != nil {
		amount.Set(rec.Amount)
	}
	return &escrow.Escrow{
		ID:            rec.ID,
		Buyer:         rec.Buyer,
		Seller:        rec.Seller,
		Arbiter:       rec.Arbiter,
		Amount:        amount,
		State:         escrow.State(rec.State),
		FundsReleased: rec.FundsReleased,
		FundsRefunded: rec.FundsRefunded,
		CreatedAt:     int64(rec.CreatedAt),
	}, true, nil
}

// EscrowGet returns the committed escrow record.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool, error) {
	return loadEscrow(m, id)
}

// EscrowGet returns the escrow record as seen through the journal.
func (j *Journal) EscrowGet(id [32]byte) (*escrow.Escrow, bool, error) {
	return loadEscrow(j, id)
}

// EscrowPut validates and buffers the escrow record.
func (j *Journal) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	if sanitized.CreatedAt < 0 {
		return fmt.Errorf("escrow createdAt must not be negative")
	}
	return j.put(escrowKey(sanitized.ID), &escrowRecord{
		ID:            sanitized.ID,
		Buyer:         sanitized.Buyer,
		Seller:        sanitized.Seller,
		Arbiter:       sanitized.Arbiter,
		Amount:        sanitized.Amount,
		State:         uint8(sanitized.State),
		FundsReleased: sanitized.FundsReleased,
		FundsRefunded: sanitized.FundsRefunded,
		CreatedAt:     uint64(sanitized.CreatedAt),
	})
}
