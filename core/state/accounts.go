package state

import (
	"fmt"
	"math/big"

	"escrowchain/core/types"
)

type accountRecord struct {
	Nonce   uint64
	Balance *big.Int
}

func loadAccount(r reader, addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	var rec accountRecord
	ok, err := decode(r, accountKey(addr), &rec)
	if err != nil {
		return nil, err
	}
	account := types.NewAccount()
	if ok {
		account.Nonce = rec.Nonce
		if rec.Balance != nil {
			account.Balance.Set(rec.Balance)
		}
	}
	return account, nil
}

// GetAccount returns the committed account stored under addr. Unknown
// addresses yield an empty account.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	return loadAccount(m, addr)
}

// GetAccount returns the account as seen through the journal.
func (j *Journal) GetAccount(addr []byte) (*types.Account, error) {
	return loadAccount(j, addr)
}

// PutAccount buffers the account state for addr.
func (j *Journal) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	balance := big.NewInt(0)
	if account.Balance != nil {
		balance.Set(account.Balance)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("account balance must not be negative")
	}
	return j.put(accountKey(addr), &accountRecord{Nonce: account.Nonce, Balance: balance})
}
