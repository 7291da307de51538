package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowchain/core/types"
	"escrowchain/crypto"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeEscrowDeposited = "escrow.deposited"
	EventTypeEscrowReleased  = "escrow.released"
	EventTypeEscrowRefunded  = "escrow.refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewDepositedEvent is emitted once the buyer's deposit is held in the vault.
func NewDepositedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowDeposited, e) }

// NewReleasedEvent returns the canonical event payload for a release of escrow
// funds to the seller.
func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowReleased, e) }

// NewRefundedEvent returns the canonical event payload for a refund to the
// buyer.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["buyer"] = crypto.FromArray(e.Buyer).String()
	attrs["seller"] = crypto.FromArray(e.Seller).String()
	attrs["arbiter"] = crypto.FromArray(e.Arbiter).String()
	attrs["vault"] = crypto.FromArray(e.Vault()).String()
	attrs["amount"] = cloneBigInt(e.Amount).String()
	attrs["state"] = strconv.FormatUint(uint64(e.State), 10)
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
