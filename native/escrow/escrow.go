// Package escrow implements the three-party escrow state machine. A buyer
// deposits value which is held in a per-escrow vault account until the buyer
// confirms delivery (value goes to the seller) or the arbiter refunds it
// (value goes back to the buyer).
package escrow

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var vaultDomain = []byte("escrow-vault")

// DeriveID returns the deterministic identifier of the escrow deployed by
// creator with the given account nonce.
func DeriveID(creator [20]byte, nonce uint64) [32]byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return ethcrypto.Keccak256Hash(creator[:], n[:])
}

// VaultAddress returns the ledger account that holds the escrow's value.
func VaultAddress(id [32]byte) [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256(vaultDomain, id[:])[12:])
	return addr
}
