package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"loanledger/native/changeguard"
	"loanledger/native/interest"
	"loanledger/native/loans"
	"loanledger/storage"
)

// Manager is the single state access layer of the ledger. It encodes module
// records as JSON under prefixed keys and serialises access, so the engines
// above it can stay free of storage concerns.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager wraps a key-value database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) getJSON(key []byte, out interface{}) (bool, error) {
	raw, ok, err := m.db.Get(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key []byte, in interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, raw)
}

func (m *Manager) nextSequence(key []byte) (uint64, error) {
	var seq uint64
	if _, err := m.getJSON(key, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := m.putJSON(key, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// --- interest cache state ---

func (m *Manager) InterestBucketGet(key string) (*interest.Bucket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := new(interest.Bucket)
	ok, err := m.getJSON(bucketKey(key), bucket)
	if err != nil || !ok {
		return nil, false, err
	}
	return bucket, true, nil
}

func (m *Manager) InterestBucketPut(key string, bucket *interest.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bucketKey(key)
	_, existed, err := m.db.Get(k)
	if err != nil {
		return err
	}
	if err := m.putJSON(k, bucket); err != nil {
		return err
	}
	if !existed {
		return m.adjustCounter(bucketCountKey(), 1)
	}
	return nil
}

func (m *Manager) InterestBucketDelete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bucketKey(key)
	_, existed, err := m.db.Get(k)
	if err != nil {
		return err
	}
	if err := m.db.Delete(k); err != nil {
		return err
	}
	if existed {
		return m.adjustCounter(bucketCountKey(), -1)
	}
	return nil
}

// InterestBucketCount reports the number of live rate buckets.
func (m *Manager) InterestBucketCount() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count uint64
	if _, err := m.getJSON(bucketCountKey(), &count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- loans engine state ---

func (m *Manager) LoanNextID(pool string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSequence(loanSeqKey(pool))
}

func (m *Manager) LoanGet(pool string, id uint64) (*loans.ActiveLoan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan := new(loans.ActiveLoan)
	ok, err := m.getJSON(loanKey(pool, id), loan)
	if err != nil || !ok {
		return nil, false, err
	}
	return loan, true, nil
}

func (m *Manager) LoanPut(pool string, loan *loans.ActiveLoan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(loanKey(pool, loan.ID), loan)
}

func (m *Manager) LoanDelete(pool string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Delete(loanKey(pool, id))
}

func (m *Manager) ClosedLoanPut(pool string, loan *loans.ActiveLoan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(closedLoanKey(pool, loan.ID), loan)
}

// ClosedLoanGet returns a retired loan from the archive.
func (m *Manager) ClosedLoanGet(pool string, id uint64) (*loans.ActiveLoan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan := new(loans.ActiveLoan)
	ok, err := m.getJSON(closedLoanKey(pool, id), loan)
	if err != nil || !ok {
		return nil, false, err
	}
	return loan, true, nil
}

func (m *Manager) WriteOffPolicyGet(pool string) (loans.WriteOffPolicy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var policy loans.WriteOffPolicy
	ok, err := m.getJSON(policyKey(pool), &policy)
	if err != nil || !ok {
		return nil, false, err
	}
	return policy, true, nil
}

func (m *Manager) WriteOffPolicyPut(pool string, policy loans.WriteOffPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(policyKey(pool), policy)
}

// --- change guard state ---

func (m *Manager) ChangeNextSequence(scope string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSequence(guardSeqKey(scope))
}

func (m *Manager) ChangePut(scope string, record *changeguard.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.putJSON(guardChangeKey(scope, record.ID), record); err != nil {
		return err
	}
	return m.adjustCounter(guardPendingKey(scope), 1)
}

func (m *Manager) ChangeGet(scope string, id [32]byte) (*changeguard.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := new(changeguard.Record)
	ok, err := m.getJSON(guardChangeKey(scope, id), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

func (m *Manager) ChangeDelete(scope string, id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := guardChangeKey(scope, id)
	_, existed, err := m.db.Get(key)
	if err != nil {
		return err
	}
	if err := m.db.Delete(key); err != nil {
		return err
	}
	if existed {
		return m.adjustCounter(guardPendingKey(scope), -1)
	}
	return nil
}

func (m *Manager) ChangePendingCount(scope string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count uint64
	if _, err := m.getJSON(guardPendingKey(scope), &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Manager) ChangeMarkReleased(scope string, id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(guardReleasedKey(scope, id), true)
}

func (m *Manager) ChangeWasReleased(scope string, id [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released bool
	ok, err := m.getJSON(guardReleasedKey(scope, id), &released)
	if err != nil {
		return false, err
	}
	return ok && released, nil
}

func (m *Manager) adjustCounter(key []byte, delta int64) error {
	var count uint64
	if _, err := m.getJSON(key, &count); err != nil {
		return err
	}
	if delta < 0 {
		dec := uint64(-delta)
		if dec > count {
			count = 0
		} else {
			count -= dec
		}
	} else {
		count += uint64(delta)
	}
	return m.putJSON(key, count)
}
