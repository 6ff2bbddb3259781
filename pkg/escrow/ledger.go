package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

// Ledger owns task records and custody of their budgets.
//
// Every mutation reads the task for a precise error, then commits with a conditional write
// whose guard repeats the same checks. Funds only move after the write that records them
// has committed, so a re-entrant or concurrent call always observes paid == true.
type Ledger struct {
	store      Store
	custody    Custody
	events     EventSink
	logger     *slog.Logger
	clock      func() time.Time
	feeAccount string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

func WithEvents(sink EventSink) Option {
	return func(l *Ledger) { l.events = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithFeeAccount sets the account that receives the platform fee leg.
func WithFeeAccount(account string) Option {
	return func(l *Ledger) { l.feeAccount = account }
}

func NewLedger(store Store, custody Custody, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		custody:    custody,
		events:     nopSink{},
		logger:     slog.Default().With("component", "escrow"),
		clock:      time.Now,
		feeAccount: "platform",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxDeadline is the latest deadline a store can hold as nanoseconds since the epoch.
var MaxDeadline = time.Unix(0, math.MaxInt64).UTC()

// CreateTask locks the budget from the requester and records a new OPEN task.
func (l *Ledger) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	now := l.clock()
	switch {
	case strings.TrimSpace(in.Requester) == "":
		return Task{}, fmt.Errorf("%w: requester is required", ErrInvalidInput)
	case strings.TrimSpace(in.Title) == "":
		return Task{}, fmt.Errorf("%w: title must not be empty", ErrInvalidInput)
	case !in.Budget.IsPositive():
		return Task{}, fmt.Errorf("%w: budget must be positive", ErrInvalidInput)
	case !in.Deadline.After(now):
		return Task{}, fmt.Errorf("%w: deadline must be in the future", ErrInvalidInput)
	case in.Deadline.After(MaxDeadline):
		return Task{}, fmt.Errorf("%w: deadline after %s", ErrInvalidInput, MaxDeadline.Format(time.RFC3339))
	}

	lockKey := "lock-" + uuid.NewString()
	lockRef, err := l.custody.Lock(ctx, lockKey, in.Requester, in.Budget)
	if err != nil {
		return Task{}, fmt.Errorf("lock budget: %w", err)
	}

	t, err := l.store.Create(ctx, Task{
		Requester:   in.Requester,
		Title:       in.Title,
		Description: in.Description,
		Budget:      in.Budget,
		Deadline:    in.Deadline.UTC(),
		Status:      StatusOpen,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	})
	if err != nil {
		l.reverseLock(ctx, lockKey, in)
		return Task{}, fmt.Errorf("create task: %w", err)
	}

	l.emit(ctx, EventTaskCreated, t.ID, t.Requester, map[string]any{
		"budget":   t.Budget.String(),
		"deadline": t.Deadline.Format(time.RFC3339),
		"lock_ref": lockRef,
	})
	return t, nil
}

// reverseLock returns a locked budget whose task could not be recorded.
func (l *Ledger) reverseLock(ctx context.Context, lockKey string, in NewTask) {
	p := Payout{
		Key:  lockKey + "-reverse",
		Kind: PayoutRefund,
		Legs: []Leg{{To: in.Requester, Amount: in.Budget}},
	}
	if _, err := l.custody.Transfer(context.WithoutCancel(ctx), p); err != nil {
		l.logger.ErrorContext(ctx, "failed to reverse budget lock", "lock_key", lockKey, "requester", in.Requester, "error", err)
	}
}

// ClaimTask assigns caller as the worker. Exactly one concurrent claimer wins.
func (l *Ledger) ClaimTask(ctx context.Context, id int64, caller string) (Task, error) {
	if caller == "" {
		return Task{}, fmt.Errorf("%w: caller is required", ErrInvalidInput)
	}
	t, err := l.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusOpen || t.Claimed() {
		return Task{}, fmt.Errorf("%w: task %d is %s", ErrInvalidState, id, t.Status)
	}
	if caller == t.Requester {
		return Task{}, fmt.Errorf("%w: requester cannot claim own task %d", ErrInvalidState, id)
	}

	t, err = l.store.Transition(ctx, id,
		Guard{Statuses: []Status{StatusOpen}, Unclaimed: true, Unpaid: true},
		Change{Status: StatusClaimed, Worker: caller, At: l.clock().UTC()}, nil)
	if errors.Is(err, ErrStale) {
		return Task{}, fmt.Errorf("%w: task %d already claimed", ErrInvalidState, id)
	}
	if err != nil {
		return Task{}, err
	}
	l.emit(ctx, EventTaskClaimed, id, caller, nil)
	return t, nil
}

// SubmitWork records the worker's proof reference.
func (l *Ledger) SubmitWork(ctx context.Context, id int64, caller, proofHash string) (Task, error) {
	if strings.TrimSpace(proofHash) == "" {
		return Task{}, fmt.Errorf("%w: proof hash must not be empty", ErrInvalidInput)
	}
	t, err := l.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if caller == "" || caller != t.Worker {
		return Task{}, l.unauthorized(ctx, "submit-work", id, caller)
	}
	if t.Status != StatusClaimed {
		return Task{}, fmt.Errorf("%w: task %d is %s", ErrInvalidState, id, t.Status)
	}

	t, err = l.store.Transition(ctx, id,
		Guard{Statuses: []Status{StatusClaimed}, Worker: caller, Unpaid: true},
		Change{Status: StatusSubmitted, ProofHash: proofHash, At: l.clock().UTC()}, nil)
	if errors.Is(err, ErrStale) {
		return Task{}, fmt.Errorf("%w: task %d changed concurrently", ErrInvalidState, id)
	}
	if err != nil {
		return Task{}, err
	}
	l.emit(ctx, EventWorkSubmitted, id, caller, map[string]any{"proof_hash": proofHash})
	return t, nil
}

// VerifyWork approves or disputes submitted work. Approval releases the budget to the worker
// less the platform fee; a dispute moves no funds.
func (l *Ledger) VerifyWork(ctx context.Context, id int64, caller string, approved bool) (Task, error) {
	t, err := l.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if caller == "" || caller != t.Requester {
		return Task{}, l.unauthorized(ctx, "verify-work", id, caller)
	}
	if t.Status != StatusSubmitted || t.Paid {
		return Task{}, fmt.Errorf("%w: task %d is %s (paid=%t)", ErrInvalidState, id, t.Status, t.Paid)
	}

	guard := Guard{Statuses: []Status{StatusSubmitted}, Requester: caller, Unpaid: true}
	if !approved {
		t, err = l.store.Transition(ctx, id, guard, Change{Status: StatusDisputed, At: l.clock().UTC()}, nil)
		if errors.Is(err, ErrStale) {
			return Task{}, fmt.Errorf("%w: task %d changed concurrently", ErrInvalidState, id)
		}
		if err != nil {
			return Task{}, err
		}
		l.emit(ctx, EventTaskVerified, id, caller, map[string]any{"approved": false})
		l.emit(ctx, EventTaskDisputed, id, caller, nil)
		return t, nil
	}

	t, err = l.store.Transition(ctx, id, guard, Change{Status: StatusVerified, At: l.clock().UTC()}, nil)
	if errors.Is(err, ErrStale) {
		return Task{}, fmt.Errorf("%w: task %d changed concurrently", ErrInvalidState, id)
	}
	if err != nil {
		return Task{}, err
	}
	l.emit(ctx, EventTaskVerified, id, caller, map[string]any{"approved": true})
	done, err := l.release(ctx, t)
	if errors.Is(err, ErrStale) {
		// The payout worker resumed the task between approval and release.
		cur, gerr := l.store.Get(ctx, id)
		if gerr == nil && cur.Status == StatusCompleted && cur.Paid {
			return cur, nil
		}
		return Task{}, fmt.Errorf("%w: task %d already released", ErrInvalidState, id)
	}
	return done, err
}

// ReleaseVerified completes a task left VERIFIED and unpaid, e.g. after a crash between
// approval and release.
func (l *Ledger) ReleaseVerified(ctx context.Context, id int64) (Task, error) {
	t, err := l.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusVerified || t.Paid {
		return Task{}, fmt.Errorf("%w: task %d is %s (paid=%t)", ErrInvalidState, id, t.Status, t.Paid)
	}
	done, err := l.release(ctx, t)
	if errors.Is(err, ErrStale) {
		return Task{}, fmt.Errorf("%w: task %d already released", ErrInvalidState, id)
	}
	return done, err
}

// release commits the payout and pays it. It returns ErrStale when another caller released first.
func (l *Ledger) release(ctx context.Context, t Task) (Task, error) {
	split, err := finance.PlatformSplit(t.Budget)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	legs := []Leg{{To: t.Worker, Amount: split.Worker}}
	if split.Fee.IsPositive() {
		legs = append(legs, Leg{To: l.feeAccount, Amount: split.Fee})
	}
	payout := &Payout{
		Key:    releaseKey(t.ID),
		TaskID: t.ID,
		Kind:   PayoutRelease,
		Legs:   legs,
	}

	// Effects: paid flips in the same write that records the payout.
	done, err := l.store.Transition(ctx, t.ID,
		Guard{Statuses: []Status{StatusVerified}, Unpaid: true},
		Change{Status: StatusCompleted, MarkPaid: true, At: l.clock().UTC()}, payout)
	if err != nil {
		return Task{}, err
	}

	// Interaction.
	return done, l.pay(ctx, *payout)
}

// EmergencyWithdraw refunds the full budget to the requester of a disputed task, or of an open
// task whose deadline has passed.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, id int64, caller string) (Task, error) {
	t, err := l.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if caller == "" || caller != t.Requester {
		return Task{}, l.unauthorized(ctx, "emergency-withdraw", id, caller)
	}
	if t.Paid {
		return Task{}, fmt.Errorf("%w: task %d already paid out", ErrNotWithdrawable, id)
	}

	now := l.clock().UTC()
	guard := Guard{Requester: caller, Unpaid: true}
	switch {
	case t.Status == StatusDisputed:
		guard.Statuses = []Status{StatusDisputed}
	case t.Status == StatusOpen && !t.Claimed() && now.After(t.Deadline):
		guard.Statuses = []Status{StatusOpen}
		guard.Unclaimed = true
		guard.DeadlineBefore = now
	default:
		return Task{}, fmt.Errorf("%w: task %d is %s, deadline %s", ErrNotWithdrawable, id, t.Status, t.Deadline.Format(time.RFC3339))
	}

	payout := &Payout{
		Key:    refundKey(id),
		TaskID: id,
		Kind:   PayoutRefund,
		Legs:   []Leg{{To: t.Requester, Amount: t.Budget}},
	}
	wasOpen := t.Status == StatusOpen
	t, err = l.store.Transition(ctx, id, guard, Change{Status: StatusDisputed, MarkPaid: true, At: now}, payout)
	if errors.Is(err, ErrStale) {
		return Task{}, fmt.Errorf("%w: task %d changed concurrently", ErrNotWithdrawable, id)
	}
	if err != nil {
		return Task{}, err
	}
	if wasOpen {
		l.emit(ctx, EventTaskDisputed, id, caller, map[string]any{"reason": "deadline passed"})
	}
	return t, l.pay(ctx, *payout)
}

// GetTask returns the current task record.
func (l *Ledger) GetTask(ctx context.Context, id int64) (Task, error) {
	return l.store.Get(ctx, id)
}

// pay performs the custody transfer for a committed payout and records the outcome. A failed
// transfer leaves the payout PENDING for the drainer.
func (l *Ledger) pay(ctx context.Context, p Payout) error {
	ctx = context.WithoutCancel(ctx)
	ref, err := l.custody.Transfer(ctx, p)
	now := l.clock().UTC()
	if err != nil {
		if ferr := l.store.FailPayout(ctx, p.Key, err.Error(), now); ferr != nil {
			l.logger.ErrorContext(ctx, "failed to record payout failure", "payout", p.Key, "error", ferr)
		}
		l.logger.WarnContext(ctx, "payout deferred", "payout", p.Key, "task_id", p.TaskID, "error", err)
		l.emit(ctx, EventPayoutDeferred, p.TaskID, "", map[string]any{"payout": p.Key, "reason": err.Error()})
		return fmt.Errorf("%w: %s: %v", ErrPayoutDeferred, p.Key, err)
	}
	if err := l.store.CompletePayout(ctx, p.Key, ref, now); err != nil {
		// Custody is idempotent on the key, so the drainer will converge on the same reference.
		l.logger.ErrorContext(ctx, "failed to mark payout done", "payout", p.Key, "reference", ref, "error", err)
	}
	l.emitPaid(ctx, p, ref)
	return nil
}

func (l *Ledger) emitPaid(ctx context.Context, p Payout, ref string) {
	switch p.Kind {
	case PayoutRelease:
		data := map[string]any{"reference": ref, "worker_amount": p.Legs[0].Amount.String()}
		if len(p.Legs) > 1 {
			data["fee"] = p.Legs[1].Amount.String()
		} else {
			data["fee"] = finance.Money{Currency: p.Legs[0].Amount.Currency, Scale: p.Legs[0].Amount.Scale}.String()
		}
		l.emit(ctx, EventPaymentReleased, p.TaskID, p.Legs[0].To, data)
	case PayoutRefund:
		total, _ := p.Total()
		l.emit(ctx, EventFundsRefunded, p.TaskID, p.Legs[0].To, map[string]any{"reference": ref, "amount": total.String()})
	}
}

func (l *Ledger) unauthorized(ctx context.Context, op string, id int64, caller string) error {
	l.logger.WarnContext(ctx, "unauthorized escrow call", "operation", op, "task_id", id, "caller", caller)
	return fmt.Errorf("%w: %s on task %d", ErrUnauthorized, op, id)
}

func (l *Ledger) emit(ctx context.Context, typ EventType, id int64, actor string, data map[string]any) {
	l.events.Emit(ctx, Event{Type: typ, TaskID: id, Actor: actor, Data: data, At: l.clock().UTC()})
}

func releaseKey(id int64) string { return fmt.Sprintf("task-%d-release", id) }

func refundKey(id int64) string { return fmt.Sprintf("task-%d-refund", id) }
