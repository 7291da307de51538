package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/storage"
)

var (
	accountPrefix = []byte("account:")
	escrowPrefix  = []byte("escrow:")
	genesisKey    = ethcrypto.Keccak256([]byte("genesis-applied"))
)

func prefixedKey(prefix, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr []byte) []byte { return prefixedKey(accountPrefix, addr) }

func escrowKey(id [32]byte) []byte { return prefixedKey(escrowPrefix, id[:]) }

// reader is the read side shared by the committed store and a journal.
type reader interface {
	get(key []byte) ([]byte, bool, error)
}

// Manager reads committed ledger state from the database. All writes go
// through a Journal so a failed call never reaches disk.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager backed by db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Begin opens a write journal over the committed state.
func (m *Manager) Begin() *Journal {
	return &Journal{base: m, writes: make(map[string][]byte)}
}

// GenesisApplied reports whether genesis allocations were already committed.
func (m *Manager) GenesisApplied() (bool, error) {
	_, ok, err := m.get(genesisKey)
	return ok, err
}

func decode(r reader, key []byte, out interface{}) (bool, error) {
	data, ok, err := r.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode record: %w", err)
	}
	return true, nil
}

// Journal buffers writes made while applying one call. Reads see the
// buffered writes first. Commit flushes everything in one atomic batch;
// Discard drops it.
type Journal struct {
	base   *Manager
	writes map[string][]byte
	order  []string
	done   bool
}

func (j *Journal) get(key []byte) ([]byte, bool, error) {
	if value, ok := j.writes[string(key)]; ok {
		return value, true, nil
	}
	return j.base.get(key)
}

func (j *Journal) put(key []byte, value interface{}) error {
	if j.done {
		return errJournalClosed
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	k := string(key)
	if _, seen := j.writes[k]; !seen {
		j.order = append(j.order, k)
	}
	j.writes[k] = encoded
	return nil
}

// Dirty returns the number of distinct keys written so far.
func (j *Journal) Dirty() int { return len(j.order) }

// MarkGenesis records that genesis allocations are part of this journal.
func (j *Journal) MarkGenesis() error {
	return j.put(genesisKey, uint64(1))
}

// Commit writes the journal atomically. The journal cannot be reused.
func (j *Journal) Commit() error {
	if j.done {
		return errJournalClosed
	}
	j.done = true
	if len(j.order) == 0 {
		return nil
	}
	batch := j.base.db.NewBatch()
	for _, k := range j.order {
		batch.Put([]byte(k), j.writes[k])
	}
	if err := j.base.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Discard drops all buffered writes.
func (j *Journal) Discard() {
	j.done = true
	j.writes = nil
	j.order = nil
}

var errJournalClosed = errors.New("state: journal already committed or discarded")
