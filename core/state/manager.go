package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"moneymarket/storage"
)

// ErrNoTransaction is returned by Commit when Begin was not called.
var ErrNoTransaction = errors.New("state: no open transaction")

// Manager persists protocol state as RLP records under hashed keys. Writes
// made between Begin and Commit are staged in memory and flushed through a
// single batch; outside a transaction writes go straight to the database.
// Manager is not safe for concurrent use.
type Manager struct {
	db      storage.Database
	pending map[string]pendingWrite
	active  bool
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// NewManager creates a state manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a transaction. Calling Begin while a transaction is open
// discards the staged writes.
func (m *Manager) Begin() {
	m.pending = make(map[string]pendingWrite)
	m.active = true
}

// Commit flushes the staged writes atomically.
func (m *Manager) Commit() error {
	if !m.active {
		return ErrNoTransaction
	}
	batch := m.db.NewBatch()
	for key, write := range m.pending {
		if write.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), write.value)
	}
	if batch.Len() > 0 {
		if err := batch.Write(); err != nil {
			return fmt.Errorf("state: commit: %w", err)
		}
	}
	m.pending = nil
	m.active = false
	return nil
}

// Rollback drops every write staged since Begin.
func (m *Manager) Rollback() {
	m.pending = nil
	m.active = false
}

// InTransaction reports whether a transaction is open.
func (m *Manager) InTransaction() bool { return m.active }

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	if m.active {
		if write, ok := m.pending[string(key)]; ok {
			if write.deleted {
				return nil, false, nil
			}
			return write.value, true, nil
		}
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) put(key []byte, value []byte) error {
	if m.active {
		m.pending[string(key)] = pendingWrite{value: value}
		return nil
	}
	return m.db.Put(key, value)
}

func (m *Manager) delete(key []byte) error {
	if m.active {
		m.pending[string(key)] = pendingWrite{deleted: true}
		return nil
	}
	return m.db.Delete(key)
}

// KVPut stores the RLP encoding of value under the hashed key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if value == nil {
		return m.delete(kvKey(key))
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.put(kvKey(key), encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok, err := m.get(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	return m.delete(kvKey(key))
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// GetBalance returns the holdings of addr in asset. Missing balances are zero.
func (m *Manager) GetBalance(addr common.Address, asset string) (*uint256.Int, error) {
	amount := new(uint256.Int)
	if _, err := m.KVGet(balanceKey(addr, asset), amount); err != nil {
		return nil, fmt.Errorf("state: balance %s/%s: %w", asset, addr.Hex(), err)
	}
	return amount, nil
}

// PutBalance overwrites the holdings of addr in asset. A zero balance removes
// the record.
func (m *Manager) PutBalance(addr common.Address, asset string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return m.KVDelete(balanceKey(addr, asset))
	}
	return m.KVPut(balanceKey(addr, asset), amount)
}

func balanceKey(addr common.Address, asset string) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(asset)+1+common.AddressLength)
	buf = append(buf, balancePrefix...)
	buf = append(buf, strings.ToUpper(strings.TrimSpace(asset))...)
	buf = append(buf, ':')
	buf = append(buf, addr.Bytes()...)
	return buf
}
