package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// NoActiveBomError is returned when neither the item's designated default
// BOM nor any fallback candidate is active and submitted.
type NoActiveBomError struct {
	ItemCode string
}

func (e *NoActiveBomError) Error() string {
	return fmt.Sprintf("no active submitted bom found for item %s", e.ItemCode)
}

// ZeroBaseQtyError marks a BOM whose base output quantity is zero. The
// explosion ratio is undefined, so the whole operation must abort rather
// than fall back to a ratio of 1.
type ZeroBaseQtyError struct {
	BomId    int
	ItemCode string
}

func (e *ZeroBaseQtyError) Error() string {
	return fmt.Sprintf("bom %d for item %s has zero base output qty", e.BomId, e.ItemCode)
}

// BomCycleError marks a recursive explosion that revisited an item already
// on the expansion path.
type BomCycleError struct {
	ItemCode string
}

func (e *BomCycleError) Error() string {
	return fmt.Sprintf("bom expansion cycle detected at item %s", e.ItemCode)
}

// IsConfigurationError reports whether err is fatal catalog misconfiguration
// (missing BOM, zero base qty, cyclic BOM).
func IsConfigurationError(err error) bool {
	var noBom *NoActiveBomError
	var zeroBase *ZeroBaseQtyError
	var cycle *BomCycleError
	return errors.As(err, &noBom) || errors.As(err, &zeroBase) || errors.As(err, &cycle)
}

// OverAllocationError rejects a supply line whose quantity exceeds the
// item's remaining need at submit time. It is never silently clamped; the
// caller sees the exact quantity conflict.
type OverAllocationError struct {
	ItemCode     string
	RequestedQty decimal.Decimal
	RemainingQty decimal.Decimal
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("requested qty %s of item %s exceeds remaining need %s",
		e.RequestedQty.String(), e.ItemCode, e.RemainingQty.String())
}

// IllegalStateTransitionError rejects a document transition the state
// machine does not permit. The document is left unchanged.
type IllegalStateTransitionError struct {
	TransferId int
	From       TransferStatus
	To         TransferStatus
	Reason     string
}

func (e *IllegalStateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transfer %d cannot move from %s to %s: %s", e.TransferId, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("transfer %d cannot move from %s to %s", e.TransferId, e.From, e.To)
}
