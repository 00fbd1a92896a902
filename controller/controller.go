// Package controller implements the recipient-side orchestration of the
// relayed-call charge protocol. A Controller binds one ChargeStrategy,
// enforces the gateway-identity rule and the strict evaluate → reserve →
// settle ordering per call, and threads the strategy's opaque context
// between phases without ever inspecting it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/relaykit/relaymeter"
	"github.com/relaykit/relaymeter/validation"
)

// Config holds construction-time configuration for a Controller.
type Config struct {
	// Gateway is the identity of the only caller permitted to invoke the
	// protocol phases. Required.
	Gateway string

	// Strategy is the charge strategy bound to this recipient. Required.
	Strategy relaymeter.ChargeStrategy

	// CostFunc computes the final true cost from execution metrics. When
	// nil, relaymeter.DefaultCostFunc(Overhead) is used. Any formula here
	// is an approximation; deployments should tune it.
	CostFunc relaymeter.CostFunc

	// Overhead is the flat per-call processing allowance fed to the default
	// cost function. Ignored when CostFunc is set.
	Overhead *big.Int

	// Callback receives lifecycle events. Optional.
	Callback relaymeter.RelayCallback

	// Logger is the structured logger. If not set, slog.Default() is used.
	Logger *slog.Logger
}

// Per-call phase states. Rejected and settled calls are terminal and hold no
// record.
type callState int

const (
	stateEvaluated callState = iota
	stateReserving
	stateReserved
	stateSettling
)

type callRecord struct {
	state       callState
	decision    *relaymeter.ApprovalDecision
	reservation *relaymeter.Reservation
}

// Controller orchestrates the three-phase charge protocol around a bound
// strategy. It holds no cross-call mutable state beyond the per-call phase
// records; balance state lives in the ledger collaborator, strategy
// configuration in the strategy.
type Controller struct {
	gateway  string
	costFn   relaymeter.CostFunc
	callback relaymeter.RelayCallback
	logger   *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	strategy relaymeter.ChargeStrategy
	calls    map[string]*callRecord
	inflight int // reservations not yet settled
}

// New creates a Controller from cfg.
func New(cfg Config) (*Controller, error) {
	if cfg.Gateway == "" {
		return nil, fmt.Errorf("gateway identity is required")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("charge strategy is required")
	}

	costFn := cfg.CostFunc
	if costFn == nil {
		costFn = relaymeter.DefaultCostFunc(cfg.Overhead)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		gateway:  cfg.Gateway,
		costFn:   costFn,
		callback: cfg.Callback,
		logger:   logger,
		strategy: cfg.Strategy,
		calls:    make(map[string]*callRecord),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// StrategyName returns the name of the currently bound strategy.
func (c *Controller) StrategyName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy.Name()
}

// authorize rejects any invocation not originating from the configured
// relay gateway, before any strategy or state is touched.
func (c *Controller) authorize(gateway string) error {
	if gateway != c.gateway {
		c.logger.Warn("phase invocation from unauthorized caller", "caller", gateway)
		return relaymeter.NewRelayError(relaymeter.ErrCodeUnauthorizedCaller,
			"caller is not the configured relay gateway", relaymeter.ErrUnauthorizedCaller)
	}
	return nil
}

func (c *Controller) emit(ev relaymeter.RelayEvent) {
	if c.callback == nil {
		return
	}
	ev.Timestamp = time.Now()
	c.callback(ev)
}

// Evaluate runs the evaluate phase for an untrusted relayed call. The call
// is validated before the strategy sees it. Approved decisions are recorded
// so each call passes evaluate at most once; rejected decisions are terminal
// and leave no state, so the gateway may re-drive evaluate for a fresh
// attempt after fixing the cause.
func (c *Controller) Evaluate(ctx context.Context, gateway string, call *relaymeter.RelayedCall) (*relaymeter.ApprovalDecision, error) {
	if err := c.authorize(gateway); err != nil {
		return nil, err
	}

	start := time.Now()
	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()

	c.emit(relaymeter.RelayEvent{
		Type:     relaymeter.RelayEventAttempt,
		Strategy: strategy.Name(),
		Payer:    call.Caller,
	})

	if err := validation.ValidateCall(call); err != nil {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodeMalformedCall,
			err.Error(), relaymeter.ErrInvalidCall)
	}

	decision, err := strategy.Evaluate(ctx, call)
	if err != nil {
		c.emit(relaymeter.RelayEvent{
			Type:     relaymeter.RelayEventFailure,
			Strategy: strategy.Name(),
			Error:    err,
			Duration: time.Since(start),
		})
		return nil, err
	}

	if !decision.Approved {
		c.logger.Info("call rejected",
			"callId", decision.CallID, "reason", string(decision.Reason), "strategy", strategy.Name())
		c.emit(relaymeter.RelayEvent{
			Type:     relaymeter.RelayEventRejected,
			CallID:   decision.CallID,
			Strategy: strategy.Name(),
			Reason:   decision.Reason,
			Duration: time.Since(start),
		})
		return decision, nil
	}

	c.mu.Lock()
	if _, exists := c.calls[decision.CallID]; exists {
		c.mu.Unlock()
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"call already evaluated", relaymeter.ErrPhaseOrder).
			WithDetails("callId", decision.CallID)
	}
	c.calls[decision.CallID] = &callRecord{state: stateEvaluated, decision: decision}
	c.mu.Unlock()

	c.logger.Info("call approved",
		"callId", decision.CallID, "payer", decision.Payer,
		"maxPossibleCharge", decision.MaxPossibleCharge, "strategy", strategy.Name())
	c.emit(relaymeter.RelayEvent{
		Type:     relaymeter.RelayEventApproved,
		CallID:   decision.CallID,
		Strategy: strategy.Name(),
		Payer:    decision.Payer,
		Amount:   decision.MaxPossibleCharge,
		Duration: time.Since(start),
	})

	return decision, nil
}

// Reserve runs the reserve phase for a previously approved call. The stored
// decision, not the caller-supplied copy, is handed to the strategy, which
// both defends against gateway tampering and guarantees the opaque context
// reaches the strategy byte for byte. A reservation failure is terminal for
// the record: the gateway must re-drive Evaluate for a fresh attempt.
func (c *Controller) Reserve(ctx context.Context, gateway string, decision *relaymeter.ApprovalDecision) (*relaymeter.Reservation, error) {
	if err := c.authorize(gateway); err != nil {
		return nil, err
	}
	if decision == nil || !decision.Approved {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"reserve requires an approved decision", relaymeter.ErrPhaseOrder)
	}

	start := time.Now()

	c.mu.Lock()
	rec, ok := c.calls[decision.CallID]
	if !ok || rec.state != stateEvaluated {
		c.mu.Unlock()
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"reserve without a prior evaluate", relaymeter.ErrPhaseOrder).
			WithDetails("callId", decision.CallID)
	}
	rec.state = stateReserving
	stored := rec.decision
	strategy := c.strategy
	c.mu.Unlock()

	reservation, err := strategy.Reserve(ctx, stored)
	if err != nil {
		c.mu.Lock()
		delete(c.calls, decision.CallID)
		c.mu.Unlock()

		c.logger.Info("reservation failed",
			"callId", decision.CallID, "payer", stored.Payer, "err", err)
		c.emit(relaymeter.RelayEvent{
			Type:     relaymeter.RelayEventFailure,
			CallID:   decision.CallID,
			Strategy: strategy.Name(),
			Payer:    stored.Payer,
			Reason:   relaymeter.CodeOf(err),
			Error:    err,
			Duration: time.Since(start),
		})
		return nil, err
	}

	c.mu.Lock()
	rec.state = stateReserved
	rec.reservation = reservation
	c.inflight++
	c.mu.Unlock()

	c.logger.Info("reservation placed",
		"callId", reservation.CallID, "payer", reservation.Payer,
		"amountReserved", reservation.AmountReserved)
	c.emit(relaymeter.RelayEvent{
		Type:     relaymeter.RelayEventReserved,
		CallID:   reservation.CallID,
		Strategy: strategy.Name(),
		Payer:    reservation.Payer,
		Amount:   reservation.AmountReserved,
		Duration: time.Since(start),
	})

	return reservation, nil
}

// Settle runs the settle phase for a reserved call. gasUsed is the gas the
// protected call actually consumed, including when the protected call
// failed; a failing protected call is explicitly not a reason to skip
// settlement, so the payer is charged only for real consumption. The final
// cost is computed by the configured cost function against the gas price and
// transaction fee recorded at evaluate time. Settlement is terminal for the
// call whatever the outcome; an Underflow here is an internal invariant
// violation and is logged loudly rather than swallowed.
func (c *Controller) Settle(ctx context.Context, gateway string, reservation *relaymeter.Reservation, gasUsed *big.Int) (*relaymeter.RefundResult, error) {
	if err := c.authorize(gateway); err != nil {
		return nil, err
	}
	if reservation == nil {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"settle requires a reservation", relaymeter.ErrPhaseOrder)
	}
	if gasUsed == nil || gasUsed.Sign() < 0 {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodeMalformedCall,
			"gas used must be non-negative", relaymeter.ErrInvalidAmount)
	}

	start := time.Now()

	c.mu.Lock()
	rec, ok := c.calls[reservation.CallID]
	if !ok || rec.state != stateReserved {
		c.mu.Unlock()
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"settle without a prior reserve", relaymeter.ErrPhaseOrder).
			WithDetails("callId", reservation.CallID)
	}
	rec.state = stateSettling
	stored := rec.reservation
	decision := rec.decision
	strategy := c.strategy
	c.mu.Unlock()

	gasPrice, err := relaymeter.ParseAmount(decision.GasPrice)
	if err != nil {
		gasPrice = new(big.Int)
	}
	txFee, err := relaymeter.ParseAmount(decision.TransactionFee)
	if err != nil {
		txFee = new(big.Int)
	}
	actualCost := c.costFn(gasUsed, gasPrice, txFee)

	result, settleErr := strategy.Settle(ctx, stored, actualCost)

	// Settlement is terminal either way: settle runs exactly once per
	// reservation, and the only way to undo a reservation is the refund it
	// just attempted.
	c.mu.Lock()
	delete(c.calls, reservation.CallID)
	c.inflight--
	c.cond.Broadcast()
	c.mu.Unlock()

	if settleErr != nil {
		if errors.Is(settleErr, relaymeter.ErrUnderflow) {
			c.logger.Error("settlement underflow: actual cost exceeds reservation",
				"callId", reservation.CallID, "payer", stored.Payer,
				"actualCost", actualCost.String(), "reserved", stored.AmountReserved)
		} else {
			c.logger.Error("settlement failed",
				"callId", reservation.CallID, "payer", stored.Payer, "err", settleErr)
		}
		c.emit(relaymeter.RelayEvent{
			Type:     relaymeter.RelayEventFailure,
			CallID:   reservation.CallID,
			Strategy: strategy.Name(),
			Payer:    stored.Payer,
			Reason:   relaymeter.CodeOf(settleErr),
			Error:    settleErr,
			Duration: time.Since(start),
		})
		return result, settleErr
	}

	c.logger.Info("call settled",
		"callId", result.CallID, "payer", result.Payer,
		"actualCost", result.ActualCost, "refunded", result.Refunded)
	c.emit(relaymeter.RelayEvent{
		Type:     relaymeter.RelayEventSettled,
		CallID:   result.CallID,
		Strategy: strategy.Name(),
		Payer:    result.Payer,
		Amount:   result.Refunded,
		Duration: time.Since(start),
	})

	return result, nil
}

// SwapStrategy replaces the bound strategy once every in-flight reservation
// under the old strategy has been settled. Pending evaluated-but-unreserved
// decisions are discarded, since their charges were computed by the old
// strategy; the gateway must re-drive Evaluate for them. Blocks until drained
// or ctx is done.
func (c *Controller) SwapStrategy(ctx context.Context, strategy relaymeter.ChargeStrategy) error {
	if strategy == nil {
		return fmt.Errorf("charge strategy is required")
	}

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	old := c.strategy.Name()
	c.strategy = strategy
	c.calls = make(map[string]*callRecord)
	c.logger.Info("strategy swapped", "from", old, "to", strategy.Name())
	return nil
}
