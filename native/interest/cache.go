package interest

import (
	"errors"
	"time"

	"github.com/holiman/uint256"
)

var (
	errNilState           = errors.New("interest cache: state not configured")
	ErrRateNotReferenced  = errors.New("interest cache: rate not referenced")
	ErrReferenceUnderflow = errors.New("interest cache: reference count underflow")
)

// Bucket is the shared compounding state for one nominal per-second rate. Many
// loans normalise their debt against a single bucket so that advancing time
// touches the bucket once instead of every loan.
type Bucket struct {
	// RatePerSecond is the ray-scaled compounding factor applied once per
	// elapsed second.
	RatePerSecond *uint256.Int
	// AccumulatedRate is the cumulative factor since bucket inception; it
	// never falls below ray and never decreases.
	AccumulatedRate *uint256.Int
	// LastUpdated is the unix second AccumulatedRate was last rolled to.
	LastUpdated int64
	// RefCount tracks the active loans normalised against this bucket. A
	// bucket at zero is removed from state.
	RefCount uint64
}

// Clone returns a deep copy so callers can stage changes without touching the
// stored instance.
func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	clone := *b
	if b.RatePerSecond != nil {
		clone.RatePerSecond = b.RatePerSecond.Clone()
	}
	if b.AccumulatedRate != nil {
		clone.AccumulatedRate = b.AccumulatedRate.Clone()
	}
	return &clone
}

// AdjustmentKind selects the direction of a normalized debt change.
type AdjustmentKind uint8

const (
	AdjustIncrease AdjustmentKind = iota + 1
	AdjustDecrease
)

// Adjustment describes a debt change denominated in current (rate-scaled)
// units.
type Adjustment struct {
	Kind   AdjustmentKind
	Amount *uint256.Int
}

// Increase builds an upward adjustment.
func Increase(amount *uint256.Int) Adjustment {
	return Adjustment{Kind: AdjustIncrease, Amount: amount}
}

// Decrease builds a downward adjustment.
func Decrease(amount *uint256.Int) Adjustment {
	return Adjustment{Kind: AdjustDecrease, Amount: amount}
}

type cacheState interface {
	InterestBucketGet(key string) (*Bucket, bool, error)
	InterestBucketPut(key string, bucket *Bucket) error
	InterestBucketDelete(key string) error
}

// Cache owns the rate buckets and performs all debt scaling math. Buckets are
// keyed by their own per-second rate rendered in decimal, so two loans quoting
// the same nominal rate always share one accumulator.
type Cache struct {
	state cacheState
	nowFn func() int64
}

// NewCache constructs a cache with the wall clock as its time source.
func NewCache() *Cache {
	return &Cache{nowFn: func() int64 { return time.Now().Unix() }}
}

// SetState wires the cache to the persistence layer.
func (c *Cache) SetState(state cacheState) { c.state = state }

// SetNowFunc overrides the clock. Nil restores the wall clock.
func (c *Cache) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

func (c *Cache) now() int64 {
	if c == nil || c.nowFn == nil {
		return time.Now().Unix()
	}
	return c.nowFn()
}

// BucketKey renders the canonical state key for a per-second rate.
func BucketKey(perSecond *uint256.Int) string {
	if perSecond == nil {
		return ""
	}
	return perSecond.Dec()
}

// loadCurrent fetches a bucket and rolls its accumulator to now. The rolled
// copy is returned without being persisted; operations store it only once the
// whole computation has succeeded.
func (c *Cache) loadCurrent(perSecond *uint256.Int) (*Bucket, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	bucket, ok, err := c.state.InterestBucketGet(BucketKey(perSecond))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRateNotReferenced
	}
	rolled := bucket.Clone()
	now := c.now()
	if now > rolled.LastUpdated {
		acc, err := AccumulatedRateAt(rolled.RatePerSecond, rolled.AccumulatedRate, rolled.LastUpdated, now)
		if err != nil {
			return nil, err
		}
		rolled.AccumulatedRate = acc
		rolled.LastUpdated = now
	}
	return rolled, nil
}

func (c *Cache) store(bucket *Bucket) error {
	return c.state.InterestBucketPut(BucketKey(bucket.RatePerSecond), bucket)
}

// Reference registers one more loan against the bucket for the given rate,
// creating the bucket at factor one when it does not exist yet.
func (c *Cache) Reference(perSecond *uint256.Int) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if err := ValidateRate(perSecond); err != nil {
		return err
	}
	bucket, err := c.loadCurrent(perSecond)
	switch {
	case errors.Is(err, ErrRateNotReferenced):
		bucket = &Bucket{
			RatePerSecond:   perSecond.Clone(),
			AccumulatedRate: Ray(),
			LastUpdated:     c.now(),
			RefCount:        1,
		}
	case err != nil:
		return err
	default:
		bucket.RefCount++
	}
	return c.store(bucket)
}

// Unreference drops one loan from the bucket and garbage-collects it when the
// count reaches zero.
func (c *Cache) Unreference(perSecond *uint256.Int) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	bucket, err := c.loadCurrent(perSecond)
	if err != nil {
		return err
	}
	if bucket.RefCount == 0 {
		return ErrReferenceUnderflow
	}
	bucket.RefCount--
	if bucket.RefCount == 0 {
		return c.state.InterestBucketDelete(BucketKey(perSecond))
	}
	return c.store(bucket)
}

// AccumulatedRate rolls the bucket to now, persists it and returns the current
// cumulative factor.
func (c *Cache) AccumulatedRate(perSecond *uint256.Int) (*uint256.Int, error) {
	bucket, err := c.loadCurrent(perSecond)
	if err != nil {
		return nil, err
	}
	if err := c.store(bucket); err != nil {
		return nil, err
	}
	return bucket.AccumulatedRate.Clone(), nil
}

// CurrentDebt scales a normalized debt by the bucket's current accumulator.
func (c *Cache) CurrentDebt(perSecond, normalized *uint256.Int) (*uint256.Int, error) {
	bucket, err := c.loadCurrent(perSecond)
	if err != nil {
		return nil, err
	}
	debt, err := RayMul(normalized, bucket.AccumulatedRate)
	if err != nil {
		return nil, err
	}
	if err := c.store(bucket); err != nil {
		return nil, err
	}
	return debt, nil
}

// AdjustNormalizedDebt converts the adjustment amount into normalized units at
// the bucket's current accumulator and applies it. Decreasing below zero is an
// underflow and aborts without touching state.
func (c *Cache) AdjustNormalizedDebt(perSecond, normalized *uint256.Int, adj Adjustment) (*uint256.Int, error) {
	bucket, err := c.loadCurrent(perSecond)
	if err != nil {
		return nil, err
	}
	delta, err := RayDiv(adj.Amount, bucket.AccumulatedRate)
	if err != nil {
		return nil, err
	}
	out := new(uint256.Int)
	switch adj.Kind {
	case AdjustIncrease:
		if _, overflow := out.AddOverflow(normalized, delta); overflow {
			return nil, ErrOverflow
		}
	case AdjustDecrease:
		if _, overflow := out.SubOverflow(normalized, delta); overflow {
			return nil, ErrUnderflow
		}
	default:
		return nil, ErrInvalidRate
	}
	if err := c.store(bucket); err != nil {
		return nil, err
	}
	return out, nil
}

// RenormalizeDebt moves a normalized debt from one bucket to another while
// preserving its current value: n' = n * acc(from) / acc(to), rounded to
// nearest so a switch and its reversal cancel. Both buckets are rolled to
// now; the source accumulator is read at the same instant the target one is,
// so no interest is lost or double counted in the switch.
func (c *Cache) RenormalizeDebt(fromPerSecond, toPerSecond, normalized *uint256.Int) (*uint256.Int, error) {
	from, err := c.loadCurrent(fromPerSecond)
	if err != nil {
		return nil, err
	}
	to, err := c.loadCurrent(toPerSecond)
	if err != nil {
		return nil, err
	}
	out, err := MulDivRound(normalized, from.AccumulatedRate, to.AccumulatedRate)
	if err != nil {
		return nil, err
	}
	if err := c.store(from); err != nil {
		return nil, err
	}
	if err := c.store(to); err != nil {
		return nil, err
	}
	return out, nil
}
