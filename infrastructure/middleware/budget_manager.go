package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// Budget defines spend limits for oracle calls.
type Budget struct {
	// MaxCostUSD limits total spend. Zero means unlimited.
	MaxCostUSD float64

	// MaxCalls limits the number of oracle calls. Zero means unlimited.
	MaxCalls int64
}

// Usage is the spend accumulated against a Budget.
type Usage struct {
	CostUSD float64
	Calls   int64
}

// BudgetExceededError reports which limit stopped a call.
type BudgetExceededError struct {
	LimitType string
	Limit     float64
	Used      float64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s limit %.4g reached (used %.4g)", e.LimitType, e.Limit, e.Used)
}

// Is matches ports.ErrBudgetExceeded.
func (e *BudgetExceededError) Is(target error) bool { return target == ports.ErrBudgetExceeded }

// BudgetObserver provides observability hooks for budget operations.
// Implementations can add tracing, metrics, and logging without
// coupling observability concerns to core budget logic.
type BudgetObserver interface {
	// PreCheck is called before a call is admitted. The returned context
	// is passed to the call and to PostCheck.
	PreCheck(ctx context.Context, usage Usage, budget Budget) context.Context

	// PostCheck is called after the call with the updated usage.
	PostCheck(ctx context.Context, usage Usage, budget Budget, elapsed time.Duration, err error)
}

// BudgetManager enforces spend limits across every oracle call routed
// through its middleware. One manager is shared by the runs of a batch, so
// the limit applies to the batch as a whole.
type BudgetManager struct {
	budget   Budget
	observer BudgetObserver

	mu    sync.Mutex
	usage Usage
}

// NewBudgetManager creates a manager. observer may be nil.
func NewBudgetManager(budget Budget, observer BudgetObserver) (*BudgetManager, error) {
	if budget.MaxCostUSD < 0 {
		return nil, fmt.Errorf("budget manager: max_cost_usd cannot be negative, got %g", budget.MaxCostUSD)
	}
	if budget.MaxCalls < 0 {
		return nil, fmt.Errorf("budget manager: max_calls cannot be negative, got %d", budget.MaxCalls)
	}
	return &BudgetManager{budget: budget, observer: observer}, nil
}

// Usage returns the accumulated spend.
func (bm *BudgetManager) Usage() Usage {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.usage
}

// Remaining returns the unspent dollars, or -1 when spend is unlimited.
func (bm *BudgetManager) Remaining() float64 {
	if bm.budget.MaxCostUSD == 0 {
		return -1
	}
	return max(0, bm.budget.MaxCostUSD-bm.Usage().CostUSD)
}

// Reset clears accumulated spend.
func (bm *BudgetManager) Reset() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.usage = Usage{}
}

// Middleware returns an oracle middleware that rejects calls once a limit
// is reached and charges each successful call's cost.
func (bm *BudgetManager) Middleware() oracle.Middleware {
	return func(next oracle.Provider) oracle.Provider {
		return &budgetProvider{Provider: next, manager: bm}
	}
}

// admit checks the limits and reserves a call slot.
func (bm *BudgetManager) admit() (Usage, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if err := bm.check(bm.usage); err != nil {
		return bm.usage, err
	}
	bm.usage.Calls++
	return bm.usage, nil
}

func (bm *BudgetManager) charge(cost float64) Usage {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.usage.CostUSD += cost
	return bm.usage
}

// check verifies that usage still leaves room for one more call.
func (bm *BudgetManager) check(usage Usage) error {
	if bm.budget.MaxCostUSD > 0 && usage.CostUSD >= bm.budget.MaxCostUSD {
		return &BudgetExceededError{LimitType: "cost_usd", Limit: bm.budget.MaxCostUSD, Used: usage.CostUSD}
	}
	if bm.budget.MaxCalls > 0 && usage.Calls >= bm.budget.MaxCalls {
		return &BudgetExceededError{LimitType: "calls", Limit: float64(bm.budget.MaxCalls), Used: float64(usage.Calls)}
	}
	return nil
}

// budgetProvider embeds the wrapped provider for the introspection methods.
type budgetProvider struct {
	oracle.Provider
	manager *BudgetManager
}

// Analyze admits, forwards and charges one call.
func (b *budgetProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	bm := b.manager
	usage, err := bm.admit()
	if bm.observer != nil {
		ctx = bm.observer.PreCheck(ctx, usage, bm.budget)
	}
	if err != nil {
		if bm.observer != nil {
			bm.observer.PostCheck(ctx, usage, bm.budget, 0, err)
		}
		return ports.OracleResult{Provider: b.Name(), Model: b.Model()}, err
	}

	start := time.Now()
	res, err := b.Provider.Analyze(ctx, req)
	elapsed := time.Since(start)

	if err == nil {
		usage = bm.charge(res.Usage.CostUSD)
	} else {
		usage = bm.Usage()
	}
	if bm.observer != nil {
		bm.observer.PostCheck(ctx, usage, bm.budget, elapsed, err)
	}
	return res, err
}
