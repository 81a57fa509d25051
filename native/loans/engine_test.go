package loans

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"loanledger/core/events"
	"loanledger/native/changeguard"
	"loanledger/native/interest"
	"loanledger/native/pricefeed"
)

type mockLedgerState struct {
	buckets   map[string]*interest.Bucket
	loans     map[uint64]*ActiveLoan
	closed    map[uint64]*ActiveLoan
	policy    WriteOffPolicy
	hasPolicy bool
	loanSeq   uint64

	changes  map[[32]byte]*changeguard.Record
	released map[[32]byte]bool
	guardSeq uint64
}

func newMockLedgerState() *mockLedgerState {
	return &mockLedgerState{
		buckets:  make(map[string]*interest.Bucket),
		loans:    make(map[uint64]*ActiveLoan),
		closed:   make(map[uint64]*ActiveLoan),
		changes:  make(map[[32]byte]*changeguard.Record),
		released: make(map[[32]byte]bool),
	}
}

func (m *mockLedgerState) InterestBucketGet(key string) (*interest.Bucket, bool, error) {
	bucket, ok := m.buckets[key]
	if !ok {
		return nil, false, nil
	}
	return bucket.Clone(), true, nil
}

func (m *mockLedgerState) InterestBucketPut(key string, bucket *interest.Bucket) error {
	m.buckets[key] = bucket.Clone()
	return nil
}

func (m *mockLedgerState) InterestBucketDelete(key string) error {
	delete(m.buckets, key)
	return nil
}

func (m *mockLedgerState) LoanNextID(string) (uint64, error) {
	m.loanSeq++
	return m.loanSeq, nil
}

func (m *mockLedgerState) LoanGet(_ string, id uint64) (*ActiveLoan, bool, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, false, nil
	}
	return loan.Clone(), true, nil
}

func (m *mockLedgerState) LoanPut(_ string, loan *ActiveLoan) error {
	m.loans[loan.ID] = loan.Clone()
	return nil
}

func (m *mockLedgerState) LoanDelete(_ string, id uint64) error {
	delete(m.loans, id)
	return nil
}

func (m *mockLedgerState) ClosedLoanPut(_ string, loan *ActiveLoan) error {
	m.closed[loan.ID] = loan.Clone()
	return nil
}

func (m *mockLedgerState) WriteOffPolicyGet(string) (WriteOffPolicy, bool, error) {
	return m.policy, m.hasPolicy, nil
}

func (m *mockLedgerState) WriteOffPolicyPut(_ string, policy WriteOffPolicy) error {
	m.policy = policy
	m.hasPolicy = true
	return nil
}

func (m *mockLedgerState) ChangeNextSequence(string) (uint64, error) {
	m.guardSeq++
	return m.guardSeq, nil
}

func (m *mockLedgerState) ChangePut(_ string, record *changeguard.Record) error {
	m.changes[record.ID] = record
	return nil
}

func (m *mockLedgerState) ChangeGet(_ string, id [32]byte) (*changeguard.Record, bool, error) {
	record, ok := m.changes[id]
	return record, ok, nil
}

func (m *mockLedgerState) ChangeDelete(_ string, id [32]byte) error {
	delete(m.changes, id)
	return nil
}

func (m *mockLedgerState) ChangePendingCount(string) (uint64, error) {
	return uint64(len(m.changes)), nil
}

func (m *mockLedgerState) ChangeMarkReleased(_ string, id [32]byte) error {
	m.released[id] = true
	return nil
}

func (m *mockLedgerState) ChangeWasReleased(_ string, id [32]byte) (bool, error) {
	return m.released[id], nil
}

type recordingEmitter struct{ types []string }

func (r *recordingEmitter) Emit(event events.Event) {
	r.types = append(r.types, event.EventType())
}

type staticSource struct{ quotes map[string]pricefeed.Quote }

func (s staticSource) Quote(priceID string) (pricefeed.Quote, error) {
	quote, ok := s.quotes[priceID]
	if !ok {
		return pricefeed.Quote{}, pricefeed.ErrPriceNotFound
	}
	return quote, nil
}

var (
	borrower = [20]byte{0x01}
	admin    = [20]byte{0x02}
	stranger = [20]byte{0x03}
)

func newTestEngine(t *testing.T) (*Engine, *mockLedgerState, *int64) {
	t.Helper()
	state := newMockLedgerState()
	now := new(int64)
	*now = 1_700_000_000
	clock := func() int64 { return *now }

	cache := interest.NewCache()
	cache.SetState(state)
	cache.SetNowFunc(clock)

	guard := changeguard.NewEngine(0)
	guard.SetState(state)
	guard.SetNowFunc(clock)

	engine := NewEngine()
	engine.SetState(state)
	engine.SetCache(cache)
	engine.SetChangeGuard(guard)
	engine.SetPoolID("pool-1")
	engine.SetNowFunc(clock)
	return engine, state, now
}

func annualRate(t *testing.T, percent uint64) *uint256.Int {
	t.Helper()
	annual := new(uint256.Int).Mul(interest.Ray(), uint256.NewInt(100+percent))
	annual.Div(annual, uint256.NewInt(100))
	rate, err := interest.RatePerSecondForAnnual(annual)
	if err != nil {
		t.Fatalf("derive per-second rate: %v", err)
	}
	return rate
}

func internalInfo(rate *uint256.Int, maturity int64) LoanInfo {
	return LoanInfo{
		Schedule: Schedule{
			Maturity:         maturity,
			InterestPayments: InterestPaymentsOnceAtMaturity,
			PayDown:          PayDownNone,
		},
		Restrictions: Restrictions{Borrow: BorrowNotWrittenOff, Repay: RepayNone},
		Internal: &InternalPricing{
			CollateralValue: uint256.NewInt(1_000_000),
			Valuation:       ValuationOutstandingDebt,
			MaxBorrow:       MaxBorrowUpToTotalBorrowed,
			AdvanceRate:     PerquintillOne,
			InterestRate:    rate,
		},
	}
}

func TestCreateValidatesTerms(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	maturity := *now + interest.SecondsPerYear

	noArm := internalInfo(rate, maturity)
	noArm.Internal = nil
	if _, err := engine.Create(borrower, noArm); !errors.Is(err, ErrPricingShape) {
		t.Fatalf("expected ErrPricingShape without a pricing arm, got %v", err)
	}

	bothArms := internalInfo(rate, maturity)
	bothArms.External = &ExternalPricing{PriceID: "asset/1", InterestRate: rate}
	if _, err := engine.Create(borrower, bothArms); !errors.Is(err, ErrPricingShape) {
		t.Fatalf("expected ErrPricingShape with both pricing arms, got %v", err)
	}

	past := internalInfo(rate, *now-1)
	if _, err := engine.Create(borrower, past); !errors.Is(err, ErrMaturityInPast) {
		t.Fatalf("expected ErrMaturityInPast, got %v", err)
	}

	zeroCollateral := internalInfo(rate, maturity)
	zeroCollateral.Internal.CollateralValue = uint256.NewInt(0)
	if _, err := engine.Create(borrower, zeroCollateral); !errors.Is(err, ErrCollateralRequired) {
		t.Fatalf("expected ErrCollateralRequired, got %v", err)
	}

	badRate := internalInfo(rate, maturity)
	badRate.Internal.InterestRate = uint256.NewInt(0)
	if _, err := engine.Create(borrower, badRate); !errors.Is(err, interest.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
}

func TestLoanLifecycleTenPercentYear(t *testing.T) {
	engine, state, now := newTestEngine(t)
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)

	rate := annualRate(t, 10)
	maturity := *now + 2*interest.SecondsPerYear
	id, err := engine.Create(borrower, internalInfo(rate, maturity))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	*now += interest.SecondsPerYear
	debt, err := engine.CurrentDebt(id)
	if err != nil {
		t.Fatalf("current debt: %v", err)
	}
	if debt.Uint64() < 109_999 || debt.Uint64() > 110_001 {
		t.Fatalf("10%% over one year on 100000 should yield ~110000, got %s", debt.Dec())
	}

	split, err := engine.Repay(borrower, id, debt)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	total, err := split.Total()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Eq(debt) {
		t.Fatalf("apportioned parts must sum to the repayment: %s vs %s", total.Dec(), debt.Dec())
	}

	remaining, err := engine.CurrentDebt(id)
	if err != nil {
		t.Fatalf("debt after full repay: %v", err)
	}
	if !remaining.IsZero() {
		t.Fatalf("full repayment must zero the debt, got %s", remaining.Dec())
	}

	if err := engine.Close(borrower, id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := state.loans[id]; ok {
		t.Fatalf("closed loan must leave active storage")
	}
	closed, ok := state.closed[id]
	if !ok || closed.Status != StatusClosedRepaid {
		t.Fatalf("expected repaid close, got %+v ok=%v", closed, ok)
	}
	if len(state.buckets) != 0 {
		t.Fatalf("last unreference must garbage-collect the bucket, %d left", len(state.buckets))
	}

	want := []string{events.TypeLoanCreated, events.TypeLoanBorrowed, events.TypeLoanRepaid, events.TypeLoanClosed}
	if len(emitter.types) != len(want) {
		t.Fatalf("event stream %v, want %v", emitter.types, want)
	}
	for i, typ := range want {
		if emitter.types[i] != typ {
			t.Fatalf("event %d = %s, want %s", i, emitter.types[i], typ)
		}
	}
}

func TestRepayFullOnceClosesLoan(t *testing.T) {
	engine, state, now := newTestEngine(t)
	rate := annualRate(t, 10)
	info := internalInfo(rate, *now+interest.SecondsPerYear)
	info.Restrictions.Repay = RepayFullOnce
	id, err := engine.Create(borrower, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(5_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := engine.Repay(borrower, id, uint256.NewInt(1_000)); !errors.Is(err, ErrPartialRepayNotAllowed) {
		t.Fatalf("expected ErrPartialRepayNotAllowed, got %v", err)
	}

	debt, err := engine.CurrentDebt(id)
	if err != nil {
		t.Fatalf("current debt: %v", err)
	}
	if _, err := engine.Repay(borrower, id, debt); err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if _, ok := state.loans[id]; ok {
		t.Fatalf("full-once repayment must close the loan")
	}
	if closed := state.closed[id]; closed == nil || closed.Status != StatusClosedRepaid {
		t.Fatalf("expected repaid close record, got %+v", state.closed[id])
	}
	if len(state.buckets) != 0 {
		t.Fatalf("bucket must be garbage-collected on close")
	}
}

func TestBorrowCeilingUpToTotalBorrowed(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	info := internalInfo(rate, *now+interest.SecondsPerYear)
	info.Internal.CollateralValue = uint256.NewInt(1_000)
	info.Internal.AdvanceRate = pct(50)
	id, err := engine.Create(borrower, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.Borrow(borrower, id, uint256.NewInt(501)); !errors.Is(err, ErrBorrowExceeded) {
		t.Fatalf("expected ErrBorrowExceeded above the ceiling, got %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(500)); err != nil {
		t.Fatalf("borrow at the ceiling: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(1)); !errors.Is(err, ErrBorrowExceeded) {
		t.Fatalf("ceiling is cumulative, expected ErrBorrowExceeded, got %v", err)
	}
}

func TestBorrowCeilingOutstandingDebtFreesHeadroom(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	info := internalInfo(rate, *now+interest.SecondsPerYear)
	info.Internal.CollateralValue = uint256.NewInt(1_000)
	info.Internal.MaxBorrow = MaxBorrowUpToOutstandingDebt
	id, err := engine.Create(borrower, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.Borrow(borrower, id, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("borrow to the ceiling: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(1)); !errors.Is(err, ErrBorrowExceeded) {
		t.Fatalf("expected ErrBorrowExceeded at full debt, got %v", err)
	}
	if _, err := engine.Repay(borrower, id, uint256.NewInt(500)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(400)); err != nil {
		t.Fatalf("repayment must free headroom under the outstanding-debt policy: %v", err)
	}
}

type flakyLoanState struct {
	*mockLedgerState
	failLoanPut bool
}

var errStoreDown = errors.New("store down")

func (f *flakyLoanState) LoanPut(pool string, loan *ActiveLoan) error {
	if f.failLoanPut {
		return errStoreDown
	}
	return f.mockLedgerState.LoanPut(pool, loan)
}

func TestBorrowFailureLeavesNoBucketReference(t *testing.T) {
	engine, state, now := newTestEngine(t)
	flaky := &flakyLoanState{mockLedgerState: state}
	engine.SetState(flaky)

	rate := annualRate(t, 10)
	id, err := engine.Create(borrower, internalInfo(rate, *now+interest.SecondsPerYear))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	flaky.failLoanPut = true
	if err := engine.Borrow(borrower, id, uint256.NewInt(1_000)); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected the store failure, got %v", err)
	}
	if len(state.buckets) != 0 {
		t.Fatalf("failed first draw must drop its bucket reference, %d left", len(state.buckets))
	}
	if got := state.loans[id]; got.Status != StatusCreated {
		t.Fatalf("failed draw must leave the loan untouched, status %d", got.Status)
	}

	flaky.failLoanPut = false
	if err := engine.Borrow(borrower, id, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("borrow after recovery: %v", err)
	}
	bucket := state.buckets[interest.BucketKey(rate)]
	if bucket == nil || bucket.RefCount != 1 {
		t.Fatalf("expected one reference after recovery, got %+v", bucket)
	}
}

func TestBorrowGuards(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	id, err := engine.Create(borrower, internalInfo(rate, *now+100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.Borrow(borrower, id, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := engine.Borrow(stranger, id, uint256.NewInt(1)); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("expected ErrNotBorrower, got %v", err)
	}
	if err := engine.Borrow(borrower, id+1, uint256.NewInt(1)); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}

	*now += 100
	if err := engine.Borrow(borrower, id, uint256.NewInt(1)); !errors.Is(err, ErrMaturityPassed) {
		t.Fatalf("expected ErrMaturityPassed, got %v", err)
	}
}

func TestBorrowFreshPriceRestriction(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)

	prices := pricefeed.NewAggregator(60 * time.Second)
	prices.SetNowFunc(func() int64 { return *now })
	prices.Register("feed", staticSource{quotes: map[string]pricefeed.Quote{
		"asset/1": {Price: interest.Ray(), Timestamp: *now},
	}})
	engine.SetPrices(prices)

	info := LoanInfo{
		Schedule: Schedule{
			Maturity:         *now + interest.SecondsPerYear,
			InterestPayments: InterestPaymentsOnceAtMaturity,
			PayDown:          PayDownNone,
		},
		Restrictions: Restrictions{Borrow: BorrowFreshPrice, Repay: RepayNone},
		External:     &ExternalPricing{PriceID: "asset/1", InterestRate: rate},
	}
	id, err := engine.Create(borrower, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("borrow with a fresh quote: %v", err)
	}

	*now += 120
	if err := engine.Borrow(borrower, id, uint256.NewInt(1)); !errors.Is(err, pricefeed.ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote once the quote aged out, got %v", err)
	}
}

func TestRepayApportionsInterestFirstAtMaturitySchedule(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	id, err := engine.Create(borrower, internalInfo(rate, *now+2*interest.SecondsPerYear))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Roughly 10000 interest has accrued, so a 5000 repayment is interest only.
	*now += interest.SecondsPerYear
	split, err := engine.Repay(borrower, id, uint256.NewInt(5_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if split.Interest.Uint64() != 5_000 {
		t.Fatalf("interest-first split, got interest %s", split.Interest.Dec())
	}
	if !split.Principal.IsZero() || !split.Unscheduled.IsZero() {
		t.Fatalf("nothing may fall through to principal yet, got %+v", split)
	}
}

func TestRepayApportionsPrincipalFirstWithoutInterestSchedule(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	info := internalInfo(rate, *now+2*interest.SecondsPerYear)
	info.Schedule.InterestPayments = InterestPaymentsNone
	id, err := engine.Create(borrower, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	*now += interest.SecondsPerYear
	split, err := engine.Repay(borrower, id, uint256.NewInt(5_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if split.Principal.Uint64() != 5_000 {
		t.Fatalf("principal-first split, got principal %s", split.Principal.Dec())
	}
}

func TestRepayAboveDebtRejected(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	id, err := engine.Create(borrower, internalInfo(rate, *now+interest.SecondsPerYear))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := engine.Repay(borrower, id, uint256.NewInt(200)); !errors.Is(err, ErrRepayAboveDebt) {
		t.Fatalf("expected ErrRepayAboveDebt, got %v", err)
	}
}

func TestWriteOffByPolicyEscalates(t *testing.T) {
	engine, state, now := newTestEngine(t)
	rate := annualRate(t, 10)
	maturity := *now + 1_000
	id, err := engine.Create(borrower, internalInfo(rate, maturity))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	penalty := uint256.NewInt(1_000)
	if err := state.WriteOffPolicyPut("pool-1", WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 10}, Status: WriteOffStatus{Percentage: pct(20)}},
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 30}, Status: WriteOffStatus{Percentage: pct(50), Penalty: penalty}},
	}); err != nil {
		t.Fatalf("install policy: %v", err)
	}

	if err := engine.WriteOff(id); !errors.Is(err, ErrNoApplicableRule) {
		t.Fatalf("no rule applies before maturity, got %v", err)
	}

	*now = maturity + 15
	if err := engine.WriteOff(id); err != nil {
		t.Fatalf("first write-off: %v", err)
	}
	if got := state.loans[id]; !got.WrittenOff || got.WriteOffPercentage != pct(20) {
		t.Fatalf("expected 20%% write-off, got %+v", got)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(1)); !errors.Is(err, ErrBorrowWrittenOff) {
		t.Fatalf("written-off loan must not borrow, got %v", err)
	}

	*now = maturity + 40
	if err := engine.WriteOff(id); err != nil {
		t.Fatalf("escalated write-off: %v", err)
	}
	got := state.loans[id]
	if got.WriteOffPercentage != pct(50) {
		t.Fatalf("expected escalation to 50%%, got %d", got.WriteOffPercentage)
	}
	wantRate := new(uint256.Int).Add(rate, penalty)
	if !got.Internal.InterestRate.Eq(wantRate) {
		t.Fatalf("penalty must fold into the effective rate: got %s want %s",
			got.Internal.InterestRate.Dec(), wantRate.Dec())
	}
	if !got.PenaltyRate.Eq(penalty) {
		t.Fatalf("penalty rate not recorded: %s", got.PenaltyRate.Dec())
	}

	debt, err := engine.CurrentDebt(id)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	value, err := engine.Valuation(id)
	if err != nil {
		t.Fatalf("valuation: %v", err)
	}
	half, err := pct(50).MulBalance(debt)
	if err != nil {
		t.Fatalf("half: %v", err)
	}
	if !value.Eq(half) {
		t.Fatalf("valuation must be debt net of the write-off: got %s want %s", value.Dec(), half.Dec())
	}
}

func TestAdminWriteOffCannotUnderstatePolicy(t *testing.T) {
	engine, state, now := newTestEngine(t)
	rate := annualRate(t, 10)
	maturity := *now + 100
	id, err := engine.Create(borrower, internalInfo(rate, maturity))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := state.WriteOffPolicyPut("pool-1", WriteOffPolicy{
		{Trigger: WriteOffTrigger{Kind: TriggerOverdueBy, Threshold: 10}, Status: WriteOffStatus{Percentage: pct(50)}},
	}); err != nil {
		t.Fatalf("install policy: %v", err)
	}

	*now = maturity + 20
	if err := engine.AdminWriteOff(admin, id, WriteOffStatus{Percentage: pct(20)}); !errors.Is(err, ErrLessSevere) {
		t.Fatalf("understating the policy must fail, got %v", err)
	}
	if err := engine.AdminWriteOff(admin, id, WriteOffStatus{Percentage: pct(60)}); err != nil {
		t.Fatalf("harsher admin write-off: %v", err)
	}
	if got := state.loans[id]; got.WriteOffPercentage != pct(60) {
		t.Fatalf("expected 60%%, got %d", got.WriteOffPercentage)
	}
}

func TestCloseRequiresZeroDebtOrFullWriteOff(t *testing.T) {
	engine, state, now := newTestEngine(t)
	rate := annualRate(t, 10)
	id, err := engine.Create(borrower, internalInfo(rate, *now+interest.SecondsPerYear))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := engine.Close(borrower, id); !errors.Is(err, ErrCloseWithDebt) {
		t.Fatalf("expected ErrCloseWithDebt, got %v", err)
	}
	if err := engine.Close(stranger, id); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("expected ErrNotBorrower, got %v", err)
	}

	// A full write-off marks the remaining debt down to nothing, which makes
	// the loan closable.
	if err := engine.AdminWriteOff(admin, id, WriteOffStatus{Percentage: PerquintillOne}); err != nil {
		t.Fatalf("full write-off: %v", err)
	}
	if err := engine.Close(borrower, id); err != nil {
		t.Fatalf("close after full write-off: %v", err)
	}
	if closed := state.closed[id]; closed == nil || closed.Status != StatusClosedWrittenOff {
		t.Fatalf("expected written-off close record, got %+v", state.closed[id])
	}
	if len(state.buckets) != 0 {
		t.Fatalf("close must release the rate bucket")
	}
}

func TestCloseCreatedLoanWithoutDraw(t *testing.T) {
	engine, state, now := newTestEngine(t)
	rate := annualRate(t, 10)
	id, err := engine.Create(borrower, internalInfo(rate, *now+interest.SecondsPerYear))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Close(borrower, id); err != nil {
		t.Fatalf("close undrawn loan: %v", err)
	}
	if closed := state.closed[id]; closed == nil || closed.Status != StatusClosedRepaid {
		t.Fatalf("undrawn loan closes as repaid, got %+v", state.closed[id])
	}
}

func TestValuationCollateralCapped(t *testing.T) {
	engine, _, now := newTestEngine(t)
	rate := annualRate(t, 10)
	info := internalInfo(rate, *now+2*interest.SecondsPerYear)
	info.Internal.CollateralValue = uint256.NewInt(100)
	info.Internal.Valuation = ValuationCollateralCapped
	id, err := engine.Create(borrower, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Borrow(borrower, id, uint256.NewInt(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	*now += interest.SecondsPerYear
	value, err := engine.Valuation(id)
	if err != nil {
		t.Fatalf("valuation: %v", err)
	}
	if value.Uint64() != 100 {
		t.Fatalf("valuation must cap at the collateral value, got %s", value.Dec())
	}
}
