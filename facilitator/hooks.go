package facilitator

import (
	"context"
	"time"

	x402 "github.com/x402-foundation/x402-tabs"
)

// Operation names the on-chain leg a submission performs.
type Operation string

const (
	OperationPayment           Operation = "payment"
	OperationRefund            Operation = "refund"
	OperationSponsoredTransfer Operation = "sponsored_transfer"
	OperationRegistration      Operation = "registration"
)

// SubmitContext contains information passed to submission hooks
type SubmitContext struct {
	Ctx       context.Context
	Operation Operation
	Reference string
	Network   x402.Network
	Timestamp time.Time
}

// SubmitResultContext contains a successful submission and its context
type SubmitResultContext struct {
	SubmitContext
	Result   x402.SettleResult
	Duration time.Duration
}

// SubmitFailureContext contains a failed submission and its context
type SubmitFailureContext struct {
	SubmitContext
	Result   x402.SettleResult
	Duration time.Duration
}

// BeforeHookResult represents the result of a "before" hook.
// If Abort is true, the submission is skipped and fails with Reason.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSubmitHook is called before anything is sent to the ledger.
type BeforeSubmitHook func(SubmitContext) (*BeforeHookResult, error)

// AfterSubmitHook is called after a successful submission.
// Any error returned is logged but does not affect the result.
type AfterSubmitHook func(SubmitResultContext) error

// OnSubmitFailureHook is called when a submission fails.
// Any error returned is logged but does not affect the result.
type OnSubmitFailureHook func(SubmitFailureContext) error

func (f *Facilitator) OnBeforeSubmit(hook BeforeSubmitHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSubmitHooks = append(f.beforeSubmitHooks, hook)
	return f
}

func (f *Facilitator) OnAfterSubmit(hook AfterSubmitHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSubmitHooks = append(f.afterSubmitHooks, hook)
	return f
}

func (f *Facilitator) OnSubmitFailure(hook OnSubmitFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmitFailureHooks = append(f.onSubmitFailureHooks, hook)
	return f
}

// runSubmission executes fn between the registered hooks.
func (f *Facilitator) runSubmission(
	ctx context.Context,
	op Operation,
	reference string,
	network x402.Network,
	fn func(context.Context) x402.SettleResult,
) x402.SettleResult {
	f.mu.RLock()
	before := append([]BeforeSubmitHook(nil), f.beforeSubmitHooks...)
	after := append([]AfterSubmitHook(nil), f.afterSubmitHooks...)
	onFailure := append([]OnSubmitFailureHook(nil), f.onSubmitFailureHooks...)
	f.mu.RUnlock()

	hookCtx := SubmitContext{
		Ctx:       ctx,
		Operation: op,
		Reference: reference,
		Network:   network,
		Timestamp: f.now(),
	}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return x402.SettleResult{Success: false, Error: ErrAborted + ": " + err.Error(), Network: network}
		}
		if result != nil && result.Abort {
			return x402.SettleResult{Success: false, Error: ErrAborted + ": " + result.Reason, Network: network}
		}
	}

	started := time.Now()
	result := fn(ctx)
	result.Network = network
	duration := time.Since(started)
	f.metrics.ChainCall(ctx, string(network.Family()), string(op), started, result.Success)

	if !result.Success {
		failureCtx := SubmitFailureContext{SubmitContext: hookCtx, Result: result, Duration: duration}
		for _, hook := range onFailure {
			if err := hook(failureCtx); err != nil {
				f.logger.Warn().Err(err).Str("operation", string(op)).Msg("submit failure hook returned error")
			}
		}
		return result
	}

	resultCtx := SubmitResultContext{SubmitContext: hookCtx, Result: result, Duration: duration}
	for _, hook := range after {
		if err := hook(resultCtx); err != nil {
			f.logger.Warn().Err(err).Str("operation", string(op)).Msg("after submit hook returned error")
		}
	}
	return result
}
