package types

import (
	"bytes"
	"math/big"
	"testing"

	"escrowchain/crypto"
)

func TestTransactionSignAndRecover(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tx := &Transaction{
		Type:   TxTypeDeposit,
		Nonce:  3,
		Escrow: bytes.Repeat([]byte{0x11}, 32),
		Value:  big.NewInt(1_000),
	}
	if _, err := tx.From(); err == nil {
		t.Fatalf("expected unsigned error")
	}
	if err := tx.Sign(key.PrivateKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := tx.From()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !bytes.Equal(from, key.PubKey().Address().Bytes()) {
		t.Fatalf("recovered address mismatch")
	}
}

func TestTransactionTamperChangesSender(t *testing.T) {
	key, _ := crypto.GeneratePrivateKey()
	tx := &Transaction{Type: TxTypeDeposit, Nonce: 0, Escrow: make([]byte, 32), Value: big.NewInt(5)}
	if err := tx.Sign(key.PrivateKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered := &Transaction{Type: tx.Type, Nonce: tx.Nonce, Escrow: tx.Escrow, Value: big.NewInt(500), R: tx.R, S: tx.S, V: tx.V}
	from, err := tampered.From()
	if err == nil && bytes.Equal(from, key.PubKey().Address().Bytes()) {
		t.Fatalf("tampered value must not recover the original signer")
	}
}

func TestCreatePayloadRoundTrip(t *testing.T) {
	payload := CreatePayload{}
	payload.Buyer[0] = 0x01
	payload.Seller[0] = 0x02
	payload.Arbiter[0] = 0x03
	encoded, err := EncodeCreatePayload(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeCreatePayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != payload {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
	if _, err := DecodeCreatePayload(nil); err == nil {
		t.Fatalf("expected empty payload error")
	}
}

func TestEscrowIDLength(t *testing.T) {
	tx := &Transaction{Escrow: []byte{1, 2}}
	if _, err := tx.EscrowID(); err == nil {
		t.Fatalf("expected length error")
	}
}
