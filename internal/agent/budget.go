package agent

import (
	"fmt"
	"sync/atomic"
)

// ErrBudgetExceeded reports that the shared token budget is exhausted.
var ErrBudgetExceeded = fmt.Errorf("agent: token budget exhausted")

// Budget is the token allowance shared across one delegation tree. It only
// decreases: every agent in the tree charges its LLM usage against the same
// counter, so a runaway child starves its siblings instead of the wallet.
type Budget struct {
	remaining atomic.Int64
	limited   bool
}

// NewBudget creates a budget of the given token allowance. A non-positive
// allowance means unlimited.
func NewBudget(tokens int64) *Budget {
	b := &Budget{limited: tokens > 0}
	if b.limited {
		b.remaining.Store(tokens)
	}
	return b
}

// Charge deducts consumed tokens. Charging below zero is allowed; the
// counter simply goes negative and Exhausted starts reporting true.
func (b *Budget) Charge(tokens int) {
	if b == nil || !b.limited || tokens <= 0 {
		return
	}
	b.remaining.Add(-int64(tokens))
}

// Remaining returns the tokens left, floored at zero.
func (b *Budget) Remaining() int64 {
	if b == nil || !b.limited {
		return 0
	}
	left := b.remaining.Load()
	if left < 0 {
		return 0
	}
	return left
}

// Exhausted reports whether further LLM calls must be refused.
func (b *Budget) Exhausted() bool {
	if b == nil || !b.limited {
		return false
	}
	return b.remaining.Load() <= 0
}
