package quota

import (
	"fmt"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
)

// Error is a quota denial with a stable reason code. Surfaced verbatim to
// the caller, never retried.
type Error struct {
	Reason string
	Limit  int64
	Used   int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("quota exceeded: %s (used %d of %d)", e.Reason, e.Used, e.Limit)
}

// LedgerView is the slice of the ledger the engine reads.
type LedgerView interface {
	ListByOwner(ownerID string) []*model.Environment
}

// Engine evaluates per-tier limits before allocation. It holds no state of
// its own: usage is recomputed from the ledger on every call, so the engine
// cannot drift out of sync.
type Engine struct {
	ledger   LedgerView
	policies map[model.QuotaTier]model.QuotaPolicy
}

func NewEngine(ledger LedgerView, policies map[model.QuotaTier]model.QuotaPolicy) *Engine {
	return &Engine{ledger: ledger, policies: policies}
}

// Policy returns the limit profile for a tier, falling back to the default
// tier for unknown values.
func (e *Engine) Policy(tier model.QuotaTier) model.QuotaPolicy {
	if policy, ok := e.policies[tier]; ok {
		return policy
	}
	return e.policies[model.TierDefault]
}

// Usage sums the user's non-terminal environments.
func (e *Engine) Usage(userID string) model.UsageSummary {
	summary := model.UsageSummary{UserID: userID}
	for _, env := range e.ledger.ListByOwner(userID) {
		if env.IsTerminal() {
			continue
		}
		summary.Environments++
		summary.GPUs += env.GPUCount()
		summary.MemoryMB += env.MemoryMB
	}
	return summary
}

// CanAllocate approves or denies a request against the user's tier limits.
// A denial carries the specific exceeded limit so the lifecycle manager can
// surface an actionable error.
func (e *Engine) CanAllocate(userID string, tier model.QuotaTier, requestedGPUs int, requestedMemoryMB int64) error {
	policy := e.Policy(tier)
	usage := e.Usage(userID)

	if usage.Environments+1 > policy.MaxEnvironments {
		return &Error{
			Reason: model.ReasonEnvCountExceeded,
			Limit:  int64(policy.MaxEnvironments),
			Used:   int64(usage.Environments),
		}
	}
	if usage.GPUs+requestedGPUs > policy.MaxGPUs {
		return &Error{
			Reason: model.ReasonGPUQuotaExceeded,
			Limit:  int64(policy.MaxGPUs),
			Used:   int64(usage.GPUs),
		}
	}
	if usage.MemoryMB+requestedMemoryMB > policy.MaxMemoryMB {
		return &Error{
			Reason: model.ReasonMemoryQuotaExceeded,
			Limit:  policy.MaxMemoryMB,
			Used:   usage.MemoryMB,
		}
	}
	return nil
}
