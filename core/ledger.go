package core

import (
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"loanledger/config"
	"loanledger/core/events"
	"loanledger/native/changeguard"
	"loanledger/native/common"
	"loanledger/native/interest"
	"loanledger/native/loans"
	"loanledger/native/pricefeed"
	"loanledger/observability"
	"loanledger/observability/logging"
	"loanledger/state"
	"loanledger/storage"
)

// Ledger is the central controller, wiring all components together: the
// key-value store, the state manager, the interest accrual cache, the price
// aggregator, the change guard and the loans engine.
type Ledger struct {
	db      storage.Database
	state   *state.Manager
	cache   *interest.Cache
	guard   *changeguard.Engine
	prices  *pricefeed.Aggregator
	loans   *loans.Engine
	log     *slog.Logger
	metrics *observability.LedgerMetrics
	pool    string
}

// NewLedger assembles a ledger on top of the supplied database.
func NewLedger(cfg *config.Config, db storage.Database, log *slog.Logger) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	manager := state.NewManager(db)

	cache := interest.NewCache()
	cache.SetState(manager)

	guard := changeguard.NewEngine(cfg.MaxPendingChanges)
	guard.SetState(manager)

	prices := pricefeed.NewAggregator(time.Duration(cfg.PriceMaxAgeSeconds) * time.Second)

	ledger := &Ledger{
		db:      db,
		state:   manager,
		cache:   cache,
		guard:   guard,
		prices:  prices,
		log:     log.With(slog.String("component", "ledger"), slog.String("pool", cfg.PoolID)),
		metrics: observability.Ledger(),
		pool:    cfg.PoolID,
	}

	engine := loans.NewEngine()
	engine.SetState(manager)
	engine.SetCache(cache)
	engine.SetPrices(prices)
	engine.SetChangeGuard(guard)
	engine.SetPoolID(cfg.PoolID)
	engine.SetMaxPolicyRules(cfg.MaxWriteOffPolicyRules)
	engine.SetEmitter(telemetryEmitter{log: ledger.log, metrics: ledger.metrics})
	ledger.loans = engine

	ledger.log.Info("ledger assembled",
		slog.Uint64("maxPendingChanges", cfg.MaxPendingChanges),
		slog.Int("maxPolicyRules", cfg.MaxWriteOffPolicyRules))
	return ledger, nil
}

// telemetryEmitter fans engine events out to the structured log and the
// metrics registry. Attribute values pass through the redaction allowlist, so
// account identifiers never reach the log verbatim.
type telemetryEmitter struct {
	log     *slog.Logger
	metrics *observability.LedgerMetrics
}

func (t telemetryEmitter) Emit(event events.Event) {
	t.metrics.RecordEvent(event.EventType())
	attrs := make([]any, 0, 8)
	for key, value := range event.Attributes() {
		attrs = append(attrs, logging.MaskField(key, value))
	}
	t.log.Info(event.EventType(), attrs...)
}

// RegisterPriceSource adds an oracle source for externally priced loans.
func (l *Ledger) RegisterPriceSource(name string, source pricefeed.Source) {
	l.prices.Register(name, source)
}

// SetPermissions wires the account permission oracle. Nil grants everything.
func (l *Ledger) SetPermissions(o common.PermissionOracle) {
	l.loans.SetPermissions(o)
}

// SetPauses wires the module pause view.
func (l *Ledger) SetPauses(p common.PauseView) {
	l.loans.SetPauses(p)
}

// SetNowFunc overrides the clock of every time-dependent component.
func (l *Ledger) SetNowFunc(now func() int64) {
	l.cache.SetNowFunc(now)
	l.guard.SetNowFunc(now)
	l.prices.SetNowFunc(now)
	l.loans.SetNowFunc(now)
}

// Close shuts the underlying database down.
func (l *Ledger) Close() {
	l.db.Close()
}

func (l *Ledger) record(op string, err error) {
	l.metrics.RecordOperation(op, err)
	if err != nil {
		l.log.Warn("operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

// CreateLoan originates a loan for the borrower.
func (l *Ledger) CreateLoan(borrower [20]byte, info loans.LoanInfo) (uint64, error) {
	id, err := l.loans.Create(borrower, info)
	l.record("loan.create", err)
	return id, err
}

// Borrow draws principal against a loan.
func (l *Ledger) Borrow(caller [20]byte, id uint64, amount *uint256.Int) error {
	err := l.loans.Borrow(caller, id, amount)
	l.record("loan.borrow", err)
	l.publishBucketDepth()
	return err
}

// Repay pays a loan down and reports how the payment was apportioned.
func (l *Ledger) Repay(caller [20]byte, id uint64, amount *uint256.Int) (loans.RepaidAmount, error) {
	split, err := l.loans.Repay(caller, id, amount)
	l.record("loan.repay", err)
	l.publishBucketDepth()
	return split, err
}

// WriteOff applies the policy-selected write-off status to a distressed loan.
func (l *Ledger) WriteOff(id uint64) error {
	err := l.loans.WriteOff(id)
	l.record("loan.writeoff", err)
	l.publishBucketDepth()
	return err
}

// AdminWriteOff imposes an explicit write-off status.
func (l *Ledger) AdminWriteOff(caller [20]byte, id uint64, status loans.WriteOffStatus) error {
	err := l.loans.AdminWriteOff(caller, id, status)
	l.record("loan.writeoff.admin", err)
	l.publishBucketDepth()
	return err
}

// CloseLoan retires a loan.
func (l *Ledger) CloseLoan(caller [20]byte, id uint64) error {
	err := l.loans.Close(caller, id)
	l.record("loan.close", err)
	l.publishBucketDepth()
	return err
}

// CurrentDebt reports a loan's present outstanding debt.
func (l *Ledger) CurrentDebt(id uint64) (*uint256.Int, error) {
	debt, err := l.loans.CurrentDebt(id)
	l.record("loan.debt", err)
	return debt, err
}

// Valuation reports a loan's marked-down reporting value.
func (l *Ledger) Valuation(id uint64) (*uint256.Int, error) {
	value, err := l.loans.Valuation(id)
	l.record("loan.valuation", err)
	return value, err
}

// WriteOffPolicy returns the pool's installed write-off policy.
func (l *Ledger) WriteOffPolicy() (loans.WriteOffPolicy, error) {
	policy, err := l.loans.WriteOffPolicy()
	l.record("policy.get", err)
	return policy, err
}

// NoteMutation proposes a loan mutation through the change guard.
func (l *Ledger) NoteMutation(caller [20]byte, id uint64, mutation loans.LoanMutation) ([32]byte, error) {
	changeID, err := l.loans.NoteMutation(caller, id, mutation)
	l.record("change.note.mutation", err)
	l.publishPendingDepth()
	return changeID, err
}

// ApplyMutation releases and applies a noted loan mutation.
func (l *Ledger) ApplyMutation(changeID [32]byte, ready changeguard.Condition) error {
	err := l.loans.ApplyMutation(changeID, ready)
	l.record("change.apply.mutation", err)
	l.publishPendingDepth()
	l.publishBucketDepth()
	return err
}

// NotePolicyUpdate proposes replacing the write-off policy.
func (l *Ledger) NotePolicyUpdate(caller [20]byte, rules loans.WriteOffPolicy) ([32]byte, error) {
	changeID, err := l.loans.NotePolicyUpdate(caller, rules)
	l.record("change.note.policy", err)
	l.publishPendingDepth()
	return changeID, err
}

// ApplyPolicyUpdate releases and installs a noted policy replacement.
func (l *Ledger) ApplyPolicyUpdate(changeID [32]byte, ready changeguard.Condition) error {
	err := l.loans.ApplyPolicyUpdate(changeID, ready)
	l.record("change.apply.policy", err)
	l.publishPendingDepth()
	return err
}

// NoteDebtTransfer proposes moving debt between two loans.
func (l *Ledger) NoteDebtTransfer(caller [20]byte, fromID, toID uint64, amount *uint256.Int) ([32]byte, error) {
	changeID, err := l.loans.NoteDebtTransfer(caller, fromID, toID, amount)
	l.record("change.note.transfer", err)
	l.publishPendingDepth()
	return changeID, err
}

// ApplyDebtTransfer releases and executes a noted debt transfer.
func (l *Ledger) ApplyDebtTransfer(changeID [32]byte, ready changeguard.Condition) error {
	err := l.loans.ApplyDebtTransfer(changeID, ready)
	l.record("change.apply.transfer", err)
	l.publishPendingDepth()
	l.publishBucketDepth()
	return err
}

func (l *Ledger) publishPendingDepth() {
	pending, err := l.state.ChangePendingCount(l.pool)
	if err != nil {
		return
	}
	l.metrics.SetPendingChanges(l.pool, float64(pending))
}

func (l *Ledger) publishBucketDepth() {
	buckets, err := l.state.InterestBucketCount()
	if err != nil {
		return
	}
	l.metrics.SetRateBuckets(float64(buckets))
}
