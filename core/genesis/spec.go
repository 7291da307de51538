// Package genesis parses the initial balance allocations applied to a fresh
// ledger.
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"escrowchain/crypto"
)

// Spec is the on-disk genesis document: account address to starting balance.
type Spec struct {
	Alloc map[string]string `json:"alloc"`
}

// Allocation is a validated starting balance.
type Allocation struct {
	Address [20]byte
	Balance *big.Int
}

// LoadSpec reads and validates a JSON genesis document.
func LoadSpec(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if _, err := spec.Allocations(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// Allocations returns the parsed allocations sorted by address.
func (s *Spec) Allocations() ([]Allocation, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]Allocation, 0, len(s.Alloc))
	for addr, balance := range s.Alloc {
		alloc, err := ParseAllocation(addr, balance)
		if err != nil {
			return nil, err
		}
		out = append(out, alloc)
	}
	return Sort(out), nil
}

// ParseAllocation validates a bech32 address and a positive decimal balance.
func ParseAllocation(addr, balance string) (Allocation, error) {
	var alloc Allocation
	decoded, err := crypto.ParseEscrowAddress(addr)
	if err != nil {
		return alloc, fmt.Errorf("alloc %q: %w", addr, err)
	}
	amount, err := parseAmountString(balance)
	if err != nil {
		return alloc, fmt.Errorf("alloc %q: %w", addr, err)
	}
	if amount.Sign() == 0 {
		return alloc, fmt.Errorf("alloc %q: balance must be positive", addr)
	}
	alloc.Address = decoded
	alloc.Balance = amount
	return alloc, nil
}

// Sort orders allocations by address. Duplicate addresses keep their
// relative order.
func Sort(allocs []Allocation) []Allocation {
	sort.SliceStable(allocs, func(i, j int) bool {
		return bytes.Compare(allocs[i].Address[:], allocs[j].Address[:]) < 0
	})
	return allocs
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be provided")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
