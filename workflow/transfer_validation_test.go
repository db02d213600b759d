package workflow

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/mes_backend/models"
)

// NOTE: These tests are intentionally DB-free. validateTransferDemand is
// the pure pre-posting check; submit loads its inputs and calls it.

func detail(itemCode, qty string) models.MaterialTransferDetail {
	return models.MaterialTransferDetail{ItemCode: itemCode, Qty: dec(qty)}
}

func TestValidateTransferDemand_WithinRemainingPasses(t *testing.T) {
	err := validateTransferDemand(
		[]models.MaterialTransferDetail{detail("FLOUR", "20"), detail("SUGAR", "5")},
		reqSet(map[string]string{"FLOUR": "30", "SUGAR": "10"}),
		supply(map[string]string{"FLOUR": "10"}),
	)
	if err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
}

func TestValidateTransferDemand_SingleLineOverRemaining(t *testing.T) {
	err := validateTransferDemand(
		[]models.MaterialTransferDetail{detail("FLOUR", "6")},
		reqSet(map[string]string{"FLOUR": "30"}),
		supply(map[string]string{"FLOUR": "25"}),
	)
	var overErr *models.OverAllocationError
	if !errors.As(err, &overErr) {
		t.Fatalf("expected OverAllocationError, got %v", err)
	}
	if !overErr.RemainingQty.Equal(dec("5")) {
		t.Fatalf("expected remaining 5, got %s", overErr.RemainingQty.String())
	}
}

func TestValidateTransferDemand_SplitLinesCannotDodgeTheCap(t *testing.T) {
	// Two lines of the same item must be checked as their running total:
	// 10 + 10 against a remaining of 10 is over, even though each line
	// alone fits.
	err := validateTransferDemand(
		[]models.MaterialTransferDetail{detail("FLOUR", "10"), detail("FLOUR", "10")},
		reqSet(map[string]string{"FLOUR": "10"}),
		supply(nil),
	)
	var overErr *models.OverAllocationError
	if !errors.As(err, &overErr) {
		t.Fatalf("expected OverAllocationError on the second line, got %v", err)
	}
	if !overErr.RequestedQty.Equal(dec("20")) {
		t.Fatalf("expected accumulated requested 20, got %s", overErr.RequestedQty.String())
	}
	if !overErr.RemainingQty.Equal(dec("10")) {
		t.Fatalf("expected remaining 10, got %s", overErr.RemainingQty.String())
	}
}

func TestValidateTransferDemand_OversuppliedItemFloorsAtZero(t *testing.T) {
	err := validateTransferDemand(
		[]models.MaterialTransferDetail{detail("FLOUR", "1")},
		reqSet(map[string]string{"FLOUR": "10"}),
		supply(map[string]string{"FLOUR": "15"}),
	)
	var overErr *models.OverAllocationError
	if !errors.As(err, &overErr) {
		t.Fatalf("expected OverAllocationError, got %v", err)
	}
	if !overErr.RemainingQty.IsZero() {
		t.Fatalf("remaining must floor at zero, got %s", overErr.RemainingQty.String())
	}
}
