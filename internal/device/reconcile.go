package device

import (
	"fmt"
	"math"
	"time"
)

// ReconcileOutcome classifies the result of reconciling one counter value.
type ReconcileOutcome string

// ReconcileOutcome constants.
const (
	// ReconcileAccepted means a plausible forward delta was applied.
	// A delta of zero (device repost after a lost acknowledgement) is
	// accepted and applies nothing.
	ReconcileAccepted ReconcileOutcome = "accepted"

	// ReconcileRolloverApplied means a counter decrease was explained
	// as a register wrap and the wrapped delta was applied.
	ReconcileRolloverApplied ReconcileOutcome = "rollover_applied"

	// ReconcileRejected means the value was implausible and channel
	// state was left untouched.
	ReconcileRejected ReconcileOutcome = "rejected"

	// ReconcileInitialised means a never-observed channel captured the
	// value as its baseline. No delta is applied; baseline capture is
	// not a delta reconciliation.
	ReconcileInitialised ReconcileOutcome = "initialised"
)

// RejectReason explains a rejected reconciliation.
type RejectReason string

// RejectReason constants.
const (
	// RejectImplausibleJump means a forward delta exceeded the
	// plausibility ceiling, or the value exceeded the counter's
	// declared register width.
	RejectImplausibleJump RejectReason = "implausible_jump"

	// RejectUnexplainedDecrease means the counter went backwards and
	// the wrap interpretation was not plausible either. The channel
	// keeps rejecting until an operator resets its baseline.
	RejectUnexplainedDecrease RejectReason = "unexplained_decrease"
)

// ReconcileResult is the outcome of reconciling one raw counter value
// against one channel.
type ReconcileResult struct {
	// Outcome classifies what happened.
	Outcome ReconcileOutcome

	// Reason is set when Outcome is ReconcileRejected.
	Reason RejectReason

	// Delta is the raw pulse delta that was applied: the forward
	// difference for accepted values, the wrapped difference for
	// rollovers, zero otherwise.
	Delta uint64

	// Applied is the engineering value added to the cumulative total
	// (Delta times the calibration factor).
	Applied float64

	// Channel is the post-reconciliation channel state. On rejection
	// it is the input unchanged.
	Channel Channel
}

// String returns a compact representation for logging.
func (res ReconcileResult) String() string {
	if res.Outcome == ReconcileRejected {
		return fmt.Sprintf("ReconcileResult{ch%d %s (%s)}", res.Channel.Index, res.Outcome, res.Reason)
	}
	return fmt.Sprintf("ReconcileResult{ch%d %s delta=%d}", res.Channel.Index, res.Outcome, res.Delta)
}

// Reconcile applies one raw counter value to a channel.
//
// The channel is taken by value and the updated copy returned in the
// result, so the function is deterministic and side-effect free;
// persisting the result is the caller's concern.
//
// Decision order, with W = 2^CounterWidthBits and last = ch.LastRaw:
//
//  1. newRaw >= W: rejected (implausible_jump). A value the register
//     cannot hold is device misconfiguration or corruption.
//  2. Channel not baselined: the value becomes the baseline and the
//     outcome is initialised. Nothing is added to the total.
//  3. newRaw >= last: delta = newRaw - last. Within maxDelta the delta
//     is applied (accepted); beyond it the channel is untouched
//     (rejected, implausible_jump). delta == 0 is a valid idempotent
//     repost.
//  4. newRaw < last: wrapped = (W - last) + newRaw. Within maxDelta
//     this is a genuine register wrap: the rollover counter advances
//     and the wrapped delta is applied (rollover_applied). Beyond it
//     the decrease is unexplained and the channel is untouched
//     (rejected, unexplained_decrease) until an operator resets the
//     baseline.
//
// Example, 16-bit counter: last=65500, newRaw=20, maxDelta=600 gives
// wrapped = (65536-65500)+20 = 56, outcome rollover_applied, and 56
// times the calibration factor added to the cumulative total.
//
// Parameters:
//   - ch: Channel state to reconcile against
//   - newRaw: Raw counter value from the validated telegram
//   - maxDelta: Plausibility ceiling in raw pulses (see PlausibleDelta)
//
// Returns:
//   - ReconcileResult: Outcome plus the post-reconciliation channel state
func Reconcile(ch Channel, newRaw uint64, maxDelta uint64) ReconcileResult {
	width := counterCapacity(ch.CounterWidthBits)

	if newRaw >= width {
		return ReconcileResult{
			Outcome: ReconcileRejected,
			Reason:  RejectImplausibleJump,
			Channel: ch,
		}
	}

	if !ch.Baselined {
		ch.Baselined = true
		ch.LastRaw = newRaw
		return ReconcileResult{
			Outcome: ReconcileInitialised,
			Channel: ch,
		}
	}

	last := ch.LastRaw

	if newRaw >= last {
		delta := newRaw - last
		if delta > maxDelta {
			return ReconcileResult{
				Outcome: ReconcileRejected,
				Reason:  RejectImplausibleJump,
				Channel: ch,
			}
		}
		applied := float64(delta) * ch.CalibrationFactor
		ch.LastRaw = newRaw
		ch.CumulativeValue += applied
		return ReconcileResult{
			Outcome: ReconcileAccepted,
			Delta:   delta,
			Applied: applied,
			Channel: ch,
		}
	}

	wrapped := (width - last) + newRaw
	if wrapped > maxDelta {
		return ReconcileResult{
			Outcome: ReconcileRejected,
			Reason:  RejectUnexplainedDecrease,
			Channel: ch,
		}
	}
	applied := float64(wrapped) * ch.CalibrationFactor
	ch.RolloverCount++
	ch.LastRaw = newRaw
	ch.CumulativeValue += applied
	return ReconcileResult{
		Outcome: ReconcileRolloverApplied,
		Delta:   wrapped,
		Applied: applied,
		Channel: ch,
	}
}

// PlausibleDelta derives the per-request delta ceiling for a channel.
//
// The ceiling is the channel's maximum pulse rate integrated over the
// time since the device was last seen, floored at the grace window so
// that immediate retries and post-restart bursts are not starved:
//
//	ceil(MaxPulsesPerMinute * max(elapsed, grace).Minutes())
//
// A negative elapsed (clock adjustment between requests) also falls
// back to the grace window.
//
// Parameters:
//   - ch: Channel whose rate ceiling applies
//   - elapsed: Time since the device's last contact
//   - grace: Minimum window to integrate over
//
// Returns:
//   - uint64: Maximum plausible raw delta for this request
func PlausibleDelta(ch Channel, elapsed, grace time.Duration) uint64 {
	if elapsed < grace {
		elapsed = grace
	}
	pulses := math.Ceil(ch.MaxPulsesPerMinute * elapsed.Minutes())
	if pulses <= 0 {
		return 0
	}
	// A delta can never legitimately exceed the largest counter
	// register, so cap there before the float conversion can overflow.
	if pulses >= float64(math.MaxUint32) {
		return math.MaxUint32
	}
	return uint64(pulses)
}

// counterCapacity returns 2^bits, the first value a counter register
// of the given width cannot hold.
func counterCapacity(bits int) uint64 {
	if bits <= 0 || bits >= 64 {
		return math.MaxUint32 + 1 // 32-bit default for out-of-range widths
	}
	return uint64(1) << uint(bits)
}
