package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/telegram"
)

// RequestOutcome classifies an ingestion request as a whole.
type RequestOutcome string

// RequestOutcome constants.
const (
	// RequestAccepted means every reported counter reconciled cleanly
	// (accepted, rollover applied, or baseline captured).
	RequestAccepted RequestOutcome = "accepted"

	// RequestPartiallyAccepted means at least one channel refused its
	// counter. The device still receives a success response: liveness
	// advanced and any clean sibling channels were committed.
	RequestPartiallyAccepted RequestOutcome = "partially_accepted"

	// RequestRejected means nothing was applied. The request failed
	// validation, was abandoned waiting for its slot, or hit an
	// infrastructure fault before any commit.
	RequestRejected RequestOutcome = "rejected"
)

// Rejection categories carried on request-level rejections.
const (
	// CategoryOversized: declared or actual body size above the ceiling.
	// No parse was attempted.
	CategoryOversized = "oversized"

	// CategoryMalformed: schema, type, or range violation.
	CategoryMalformed = "malformed"

	// CategoryInvalidContent: a required field became empty after
	// sanitisation.
	CategoryInvalidContent = "invalid_content"

	// CategoryCancelled: the caller abandoned the request before the
	// device's slot became free.
	CategoryCancelled = "cancelled"

	// CategoryInternal: persistence or another internal fault.
	CategoryInternal = "internal"
)

// CategoryFor maps a validation error to its rejection category.
func CategoryFor(err error) string {
	switch {
	case errors.Is(err, telegram.ErrOversized):
		return CategoryOversized
	case errors.Is(err, telegram.ErrMalformed):
		return CategoryMalformed
	case errors.Is(err, telegram.ErrInvalidContent):
		return CategoryInvalidContent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	default:
		return CategoryInternal
	}
}

// ChannelResult is the reconciliation outcome for one reported counter.
// It carries the post-commit channel state so that consumers never need
// a second registry read.
type ChannelResult struct {
	// Index is the channel's position in the telegram.
	Index int `json:"index"`

	// Kind is the channel's configured quantity kind.
	Kind device.ChannelKind `json:"kind"`

	// Outcome classifies the reconciliation.
	Outcome device.ReconcileOutcome `json:"outcome"`

	// Reason is set when Outcome is rejected.
	Reason device.RejectReason `json:"reason,omitempty"`

	// Delta is the raw pulse delta that was applied.
	Delta uint64 `json:"delta"`

	// Applied is the engineering value added to the cumulative total.
	Applied float64 `json:"applied"`

	// RawCounter is the channel's raw counter after reconciliation. On
	// rejection it is the last accepted value, not the refused one.
	RawCounter uint64 `json:"raw_counter"`

	// RolloverCount is the channel's wrap count after reconciliation.
	RolloverCount uint64 `json:"rollover_count"`

	// CumulativeValue is the channel's running total after
	// reconciliation.
	CumulativeValue float64 `json:"cumulative_value"`

	// At is the local receipt timestamp of the telegram.
	At time.Time `json:"at"`
}

// newChannelResult flattens a reconciliation result for publication.
func newChannelResult(res device.ReconcileResult, at time.Time) ChannelResult {
	return ChannelResult{
		Index:           res.Channel.Index,
		Kind:            res.Channel.Kind,
		Outcome:         res.Outcome,
		Reason:          res.Reason,
		Delta:           res.Delta,
		Applied:         res.Applied,
		RawCounter:      res.Channel.LastRaw,
		RolloverCount:   res.Channel.RolloverCount,
		CumulativeValue: res.Channel.CumulativeValue,
		At:              at,
	}
}

// Outcome is the full result of one ingestion request.
type Outcome struct {
	// Request is the aggregate classification.
	Request RequestOutcome `json:"request"`

	// Category classifies request-level rejections. Empty on success.
	Category string `json:"category,omitempty"`

	// Detail is a human-readable rejection description. Empty on
	// success.
	Detail string `json:"detail,omitempty"`

	// Identifier is the canonical device identifier, set once the
	// telegram passed validation.
	Identifier string `json:"identifier,omitempty"`

	// DeviceID is the registry surrogate id, set once resolved.
	DeviceID string `json:"device_id,omitempty"`

	// Created reports that this request auto-created the device.
	Created bool `json:"created,omitempty"`

	// Registered reports that this request promoted the device from
	// pending to registered.
	Registered bool `json:"registered,omitempty"`

	// Channels holds the per-counter results in telegram order.
	Channels []ChannelResult `json:"channels,omitempty"`

	// ReceivedAt is the local receipt timestamp.
	ReceivedAt time.Time `json:"received_at"`
}

// RejectedChannels counts the channels that refused their counter.
func (o Outcome) RejectedChannels() int {
	n := 0
	for _, cr := range o.Channels {
		if cr.Outcome == device.ReconcileRejected {
			n++
		}
	}
	return n
}
