package types

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxType identifies which escrow entry point a transaction invokes.
type TxType byte

const (
	TxTypeCreateEscrow    TxType = 0x01 // Deploy a new escrow for buyer, seller and arbiter
	TxTypeDeposit         TxType = 0x02 // Buyer funds the escrow; Value carries the deposit
	TxTypeConfirmDelivery TxType = 0x03 // Buyer releases held funds to the seller
	TxTypeRefundBuyer     TxType = 0x04 // Arbiter returns held funds to the buyer
)

var errUnsigned = errors.New("transaction: missing signature")

// String returns the RPC-facing name of the transaction type.
func (t TxType) String() string {
	switch t {
	case TxTypeCreateEscrow:
		return "create"
	case TxTypeDeposit:
		return "deposit"
	case TxTypeConfirmDelivery:
		return "confirmDelivery"
	case TxTypeRefundBuyer:
		return "refundBuyer"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether the type is one of the supported entry points.
func (t TxType) Valid() bool {
	switch t {
	case TxTypeCreateEscrow, TxTypeDeposit, TxTypeConfirmDelivery, TxTypeRefundBuyer:
		return true
	default:
		return false
	}
}

// Transaction is a signed invocation of one escrow entry point. The caller
// identity is never transmitted; it is recovered from the signature.
type Transaction struct {
	Type   TxType   `json:"type"`
	Nonce  uint64   `json:"nonce"`
	Escrow []byte   `json:"escrow,omitempty"` // 32-byte escrow id; empty for create
	Value  *big.Int `json:"value,omitempty"`  // attached value, deposit only
	Data   []byte   `json:"data,omitempty"`   // RLP CreatePayload for create

	R *big.Int `json:"r"`
	S *big.Int `json:"s"`
	V *big.Int `json:"v"`

	from []byte
}

// CreatePayload carries the three parties of a new escrow.
type CreatePayload struct {
	Buyer   [20]byte
	Seller  [20]byte
	Arbiter [20]byte
}

// EncodeCreatePayload serialises the parties for Transaction.Data.
func EncodeCreatePayload(p CreatePayload) ([]byte, error) {
	return rlp.EncodeToBytes(&p)
}

// DecodeCreatePayload parses Transaction.Data of a create transaction.
func DecodeCreatePayload(data []byte) (CreatePayload, error) {
	var p CreatePayload
	if len(data) == 0 {
		return p, errors.New("transaction: empty create payload")
	}
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return p, fmt.Errorf("transaction: decode create payload: %w", err)
	}
	return p, nil
}

// Hash covers every field except the signature.
func (tx *Transaction) Hash() ([]byte, error) {
	txData := struct {
		Type   TxType
		Nonce  uint64
		Escrow []byte
		Value  *big.Int
		Data   []byte
	}{tx.Type, tx.Nonce, tx.Escrow, tx.Value, tx.Data}

	b, err := json.Marshal(txData)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	tx.from = nil
	return nil
}

// From recovers the 20-byte address of the signer.
func (tx *Transaction) From() ([]byte, error) {
	if tx.from != nil {
		return tx.from, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return nil, errUnsigned
	}
	if len(tx.R.Bytes()) > 32 || len(tx.S.Bytes()) > 32 || tx.V.Uint64() < 27 {
		return nil, errors.New("transaction: malformed signature")
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[32-len(tx.R.Bytes()):32], tx.R.Bytes())
	copy(sig[64-len(tx.S.Bytes()):64], tx.S.Bytes())
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	tx.from = crypto.PubkeyToAddress(*pubKey).Bytes()
	return tx.from, nil
}

// Sender returns From as a fixed-size identity.
func (tx *Transaction) Sender() ([20]byte, error) {
	var out [20]byte
	from, err := tx.From()
	if err != nil {
		return out, err
	}
	copy(out[:], from)
	return out, nil
}

// EscrowID returns the escrow identifier carried by the transaction.
func (tx *Transaction) EscrowID() ([32]byte, error) {
	var id [32]byte
	if len(tx.Escrow) != len(id) {
		return id, fmt.Errorf("transaction: escrow id must be 32 bytes, got %d", len(tx.Escrow))
	}
	copy(id[:], tx.Escrow)
	return id, nil
}
