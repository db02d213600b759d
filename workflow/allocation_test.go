package workflow

import (
	"testing"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. AllocateSupply is pure over
// the demand snapshot; the DB wrapper only builds that snapshot.

func need(workOrderId int, creationOrder int64, needQty, lineQty, baseQty string) DemandNeed {
	return DemandNeed{
		WorkOrderId:      workOrderId,
		CreationOrder:    creationOrder,
		NeedQty:          dec(needQty),
		BomLineQty:       dec(lineQty),
		BomBaseOutputQty: dec(baseQty),
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAllocateSupply_OldestFirst(t *testing.T) {
	needs := []DemandNeed{
		need(2, 20, "30", "1", "1"),
		need(1, 10, "20", "1", "1"),
	}
	results, leftover := AllocateSupply(dec("25"), needs)

	if !leftover.IsZero() {
		t.Fatalf("expected no leftover, got %s", leftover.String())
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(results))
	}
	if results[0].WorkOrderId != 1 || !results[0].AllocatedQty.Equal(dec("20")) {
		t.Fatalf("expected oldest order fully satisfied first, got %+v", results[0])
	}
	if results[1].WorkOrderId != 2 || !results[1].AllocatedQty.Equal(dec("5")) {
		t.Fatalf("expected remainder on second order, got %+v", results[1])
	}
}

func TestAllocateSupply_NeverOverfillsAnOrder(t *testing.T) {
	needs := []DemandNeed{
		need(1, 10, "8", "1", "1"),
		need(2, 20, "100", "1", "1"),
	}
	results, _ := AllocateSupply(dec("50"), needs)
	if !results[0].AllocatedQty.Equal(dec("8")) {
		t.Fatalf("order 1 needs 8, got allocated %s", results[0].AllocatedQty.String())
	}
	if !results[1].AllocatedQty.Equal(dec("42")) {
		t.Fatalf("order 2 should receive the rest (42), got %s", results[1].AllocatedQty.String())
	}
}

func TestAllocateSupply_LeftoverWhenDemandExhausted(t *testing.T) {
	needs := []DemandNeed{
		need(1, 10, "10", "1", "1"),
		need(2, 20, "5", "1", "1"),
	}
	results, leftover := AllocateSupply(dec("20"), needs)
	if !leftover.Equal(dec("5")) {
		t.Fatalf("expected leftover 5, got %s", leftover.String())
	}

	var allocated decimal.Decimal
	for _, r := range results {
		allocated = allocated.Add(r.AllocatedQty)
	}
	if !allocated.Add(leftover).Equal(dec("20")) {
		t.Fatalf("allocated %s + leftover %s must equal supplied 20", allocated.String(), leftover.String())
	}
}

func TestAllocateSupply_NoOpenDemand(t *testing.T) {
	results, leftover := AllocateSupply(dec("12"), nil)
	if len(results) != 0 {
		t.Fatalf("expected no allocations, got %v", results)
	}
	if !leftover.Equal(dec("12")) {
		t.Fatalf("expected full supply as leftover, got %s", leftover.String())
	}
}

func TestAllocateSupply_ProductionEquivalentUsesBomRatio(t *testing.T) {
	// 10 units of output consume 4 units of the component per base of 2:
	// line qty 4, base output 2, so 1 component unit = 0.5 output units.
	needs := []DemandNeed{
		need(1, 10, "20", "4", "2"),
	}
	results, _ := AllocateSupply(dec("8"), needs)
	if len(results) != 1 {
		t.Fatalf("expected one allocation, got %d", len(results))
	}
	if !results[0].ProductionEquivalentQty.Equal(dec("4")) {
		t.Fatalf("expected production equivalent 4, got %s", results[0].ProductionEquivalentQty.String())
	}
}

func TestAllocateSupply_TieBreaksOnWorkOrderId(t *testing.T) {
	needs := []DemandNeed{
		need(7, 10, "5", "1", "1"),
		need(3, 10, "5", "1", "1"),
	}
	results, _ := AllocateSupply(dec("5"), needs)
	if results[0].WorkOrderId != 3 {
		t.Fatalf("expected lower work order id to win the tie, got %d", results[0].WorkOrderId)
	}
}

func TestAllocateSupply_InputOrderIrrelevant(t *testing.T) {
	a := []DemandNeed{
		need(1, 10, "6", "1", "1"),
		need(2, 20, "6", "1", "1"),
		need(3, 30, "6", "1", "1"),
	}
	b := []DemandNeed{a[2], a[0], a[1]}

	ra, la := AllocateSupply(dec("10"), a)
	rb, lb := AllocateSupply(dec("10"), b)

	if !la.Equal(lb) {
		t.Fatalf("leftovers differ: %s vs %s", la.String(), lb.String())
	}
	if len(ra) != len(rb) {
		t.Fatalf("allocation counts differ: %d vs %d", len(ra), len(rb))
	}
	for i := range ra {
		if ra[i].WorkOrderId != rb[i].WorkOrderId || !ra[i].AllocatedQty.Equal(rb[i].AllocatedQty) {
			t.Fatalf("allocation %d differs: %+v vs %+v", i, ra[i], rb[i])
		}
	}
}
