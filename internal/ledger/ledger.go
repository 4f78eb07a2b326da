// Package ledger implements the fund-hold contract the workflow engine
// relies on: reserve, release, and refund, each idempotent by reference id.
// The ledger never receives direct calls from the engine; it subscribes to
// STATE_CHANGED facts and settles holds when the target state name implies
// completion or cancellation.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statelinehq/stateline/model"
)

// Hold statuses.
const (
	HoldStatusHeld     = "HELD"
	HoldStatusReleased = "RELEASED"
	HoldStatusRefunded = "REFUNDED"
)

// HoldRecord is one reserved amount, keyed by the caller's reference id.
type HoldRecord struct {
	UserID      string     `json:"user_id"`
	ReferenceID string     `json:"reference_id"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// Ledger is the contract the engine's collaborators depend on. Every
// operation is idempotent by reference id: repeating a call for an
// already-settled reference returns the prior result unchanged.
type Ledger interface {
	ReserveFunds(ctx context.Context, userID, referenceID string, amount int64) (HoldRecord, error)
	ReleaseFunds(ctx context.Context, referenceID string) (HoldRecord, error)
	RefundFunds(ctx context.Context, referenceID string) (HoldRecord, error)
}

// MemLedger is an in-memory Ledger holding per-user balances. Suitable for
// testing and single-instance deployments.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	holds    map[string]*HoldRecord
}

// NewMemLedger creates a ledger with the given opening balances.
func NewMemLedger(balances map[string]int64) *MemLedger {
	l := &MemLedger{
		balances: make(map[string]int64, len(balances)),
		holds:    make(map[string]*HoldRecord),
	}
	for user, amount := range balances {
		l.balances[user] = amount
	}
	return l
}

// Deposit credits a user's balance. For seeding and external settlement.
func (l *MemLedger) Deposit(userID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
}

// Balance returns a user's available balance.
func (l *MemLedger) Balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Hold returns the hold for a reference id, if one exists.
func (l *MemLedger) Hold(referenceID string) (HoldRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hold, ok := l.holds[referenceID]; ok {
		return *hold, true
	}
	return HoldRecord{}, false
}

// ReserveFunds moves amount from the user's balance into a hold. A repeated
// call for the same reference id returns the existing hold without moving
// funds again.
func (l *MemLedger) ReserveFunds(_ context.Context, userID, referenceID string, amount int64) (HoldRecord, error) {
	if amount <= 0 {
		return HoldRecord{}, model.NewBadRequestError("reserve amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.holds[referenceID]; ok {
		return *existing, nil
	}
	if l.balances[userID] < amount {
		return HoldRecord{}, model.NewInsufficientFundsError(
			fmt.Sprintf("user %s has %d, needs %d", userID, l.balances[userID], amount))
	}

	l.balances[userID] -= amount
	hold := &HoldRecord{
		UserID:      userID,
		ReferenceID: referenceID,
		Amount:      amount,
		Status:      HoldStatusHeld,
		CreatedAt:   time.Now().UTC(),
	}
	l.holds[referenceID] = hold
	return *hold, nil
}

// ReleaseFunds settles a hold in the payee's favor. Repeating a release
// returns the prior result; releasing a refunded hold is a conflict.
func (l *MemLedger) ReleaseFunds(_ context.Context, referenceID string) (HoldRecord, error) {
	return l.settle(referenceID, HoldStatusReleased)
}

// RefundFunds settles a hold back to the payer's balance. Repeating a refund
// returns the prior result; refunding a released hold is a conflict.
func (l *MemLedger) RefundFunds(_ context.Context, referenceID string) (HoldRecord, error) {
	return l.settle(referenceID, HoldStatusRefunded)
}

func (l *MemLedger) settle(referenceID, target string) (HoldRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hold, ok := l.holds[referenceID]
	if !ok {
		return HoldRecord{}, model.NewNotFoundError(
			fmt.Sprintf("no hold for reference %s", referenceID))
	}
	if hold.Status == target {
		return *hold, nil
	}
	if hold.Status != HoldStatusHeld {
		return HoldRecord{}, model.NewConflictError(
			fmt.Sprintf("hold %s already settled as %s", referenceID, hold.Status))
	}

	if target == HoldStatusRefunded {
		l.balances[hold.UserID] += hold.Amount
	}
	now := time.Now().UTC()
	hold.Status = target
	hold.SettledAt = &now
	return *hold, nil
}

// Subscriber settles holds in reaction to STATE_CHANGED facts. The target
// state's name decides the direction: completion names release the hold to
// the payee, cancellation names refund the payer. The hold's reference id is
// the instance's entity id.
type Subscriber struct {
	ledger       Ledger
	completions  map[string]bool
	cancellation map[string]bool
	log          *zap.Logger
}

// NewSubscriber creates a fact subscriber over the ledger.
func NewSubscriber(l Ledger, completionStates, cancellationStates []string, log *zap.Logger) *Subscriber {
	s := &Subscriber{
		ledger:       l,
		completions:  make(map[string]bool, len(completionStates)),
		cancellation: make(map[string]bool, len(cancellationStates)),
		log:          log,
	}
	for _, name := range completionStates {
		s.completions[name] = true
	}
	for _, name := range cancellationStates {
		s.cancellation[name] = true
	}
	return s
}

// Handle processes one fact. Non-STATE_CHANGED facts and states outside the
// configured name sets are ignored. A missing hold is not an error: not
// every entity reserves funds.
func (s *Subscriber) Handle(ctx context.Context, env model.Envelope) error {
	if env.EventType != model.EventStateChanged {
		return nil
	}
	stateName, _ := env.Payload["toStateName"].(string)
	entityID, _ := env.Payload["entityId"].(string)
	if stateName == "" || entityID == "" {
		return nil
	}

	var (
		hold HoldRecord
		err  error
		verb string
	)
	switch {
	case s.completions[stateName]:
		verb = "released"
		hold, err = s.ledger.ReleaseFunds(ctx, entityID)
	case s.cancellation[stateName]:
		verb = "refunded"
		hold, err = s.ledger.RefundFunds(ctx, entityID)
	default:
		return nil
	}

	if model.IsCode(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: settle %s on %s: %w", entityID, stateName, err)
	}

	s.log.Info("hold settled",
		zap.String("reference_id", hold.ReferenceID),
		zap.String("user_id", hold.UserID),
		zap.Int64("amount", hold.Amount),
		zap.String("result", verb),
		zap.String("state", stateName),
	)
	return nil
}
