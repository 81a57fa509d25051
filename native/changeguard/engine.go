package changeguard

import (
	"encoding/binary"
	"errors"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	errNilState         = errors.New("change guard: state not configured")
	ErrEmptyScope       = errors.New("change guard: scope required")
	ErrEmptyPayload     = errors.New("change guard: payload kind required")
	ErrChangeNotFound   = errors.New("change guard: change not found")
	ErrNotReady         = errors.New("change guard: readiness condition not met")
	ErrAlreadyReleased  = errors.New("change guard: change already released")
	ErrCapacityExceeded = errors.New("change guard: pending change capacity exceeded")
)

// Payload is an opaque proposed mutation. The guard never inspects Data; the
// caller that released the change decodes and applies it.
type Payload struct {
	Kind string
	Data []byte
}

// Record is a noted change waiting for its external readiness condition.
type Record struct {
	ID      [32]byte
	Scope   string
	Payload Payload
	NotedAt int64
}

// Condition is the opaque readiness predicate supplied at release time, e.g.
// "has this epoch closed" or "did governance approve". The guard only cares
// about the boolean answer.
type Condition func() bool

type guardState interface {
	ChangeNextSequence(scope string) (uint64, error)
	ChangePut(scope string, record *Record) error
	ChangeGet(scope string, id [32]byte) (*Record, bool, error)
	ChangeDelete(scope string, id [32]byte) error
	ChangePendingCount(scope string) (uint64, error)
	ChangeMarkReleased(scope string, id [32]byte) error
	ChangeWasReleased(scope string, id [32]byte) (bool, error)
}

// Engine is a generic two-phase gate: Note records an intent to change,
// Released hands the payload back exactly once after the caller's condition
// holds. It deliberately knows nothing about why a change becomes ready.
type Engine struct {
	state      guardState
	maxPending uint64
	nowFn      func() int64
}

// NewEngine constructs a guard engine. maxPending bounds the per-scope queue;
// zero means unbounded.
func NewEngine(maxPending uint64) *Engine {
	return &Engine{
		maxPending: maxPending,
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state guardState) { e.state = state }

// SetNowFunc overrides the timestamp source. Nil restores the wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// deriveID hashes scope, payload and a per-scope sequence so identical
// repeated proposals still get distinct, unforgeable identifiers.
func deriveID(scope string, payload Payload, sequence uint64) [32]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	return ethcrypto.Keccak256Hash([]byte(scope), []byte(payload.Kind), payload.Data, seq[:])
}

// Note stores the payload as a pending change and returns its identifier.
func (e *Engine) Note(scope string, payload Payload) ([32]byte, error) {
	var zero [32]byte
	if e == nil || e.state == nil {
		return zero, errNilState
	}
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return zero, ErrEmptyScope
	}
	if strings.TrimSpace(payload.Kind) == "" {
		return zero, ErrEmptyPayload
	}
	if e.maxPending > 0 {
		pending, err := e.state.ChangePendingCount(trimmed)
		if err != nil {
			return zero, err
		}
		if pending >= e.maxPending {
			return zero, ErrCapacityExceeded
		}
	}
	sequence, err := e.state.ChangeNextSequence(trimmed)
	if err != nil {
		return zero, err
	}
	record := &Record{
		ID:      deriveID(trimmed, payload, sequence),
		Scope:   trimmed,
		Payload: Payload{Kind: payload.Kind, Data: append([]byte(nil), payload.Data...)},
		NotedAt: e.now(),
	}
	if err := e.state.ChangePut(trimmed, record); err != nil {
		return zero, err
	}
	return record.ID, nil
}

// Peek returns the payload of a noted change once its readiness condition
// holds, without consuming the record. Callers that apply the payload stage
// the whole application first and call Consume only after it succeeded, so a
// failing apply leaves the change pending and retryable.
func (e *Engine) Peek(scope string, id [32]byte, ready Condition) (Payload, error) {
	if e == nil || e.state == nil {
		return Payload{}, errNilState
	}
	trimmed := strings.TrimSpace(scope)
	record, ok, err := e.state.ChangeGet(trimmed, id)
	if err != nil {
		return Payload{}, err
	}
	if !ok {
		released, err := e.state.ChangeWasReleased(trimmed, id)
		if err != nil {
			return Payload{}, err
		}
		if released {
			return Payload{}, ErrAlreadyReleased
		}
		return Payload{}, ErrChangeNotFound
	}
	if ready != nil && !ready() {
		return Payload{}, ErrNotReady
	}
	return record.Payload, nil
}

// Consume deletes a pending change and writes its tombstone, so replays
// surface as ErrAlreadyReleased rather than not-found.
func (e *Engine) Consume(scope string, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	trimmed := strings.TrimSpace(scope)
	_, ok, err := e.state.ChangeGet(trimmed, id)
	if err != nil {
		return err
	}
	if !ok {
		released, err := e.state.ChangeWasReleased(trimmed, id)
		if err != nil {
			return err
		}
		if released {
			return ErrAlreadyReleased
		}
		return ErrChangeNotFound
	}
	if err := e.state.ChangeDelete(trimmed, id); err != nil {
		return err
	}
	return e.state.ChangeMarkReleased(trimmed, id)
}

// Released consumes a noted change once its readiness condition holds and
// returns the payload for the caller to apply in one step.
func (e *Engine) Released(scope string, id [32]byte, ready Condition) (Payload, error) {
	payload, err := e.Peek(scope, id, ready)
	if err != nil {
		return Payload{}, err
	}
	if err := e.Consume(scope, id); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
